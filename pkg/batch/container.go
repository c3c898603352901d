package batch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// containerNamespace is the containerd namespace Burrow tasks run in.
	containerNamespace = "burrow"

	// containerSocketPath is the default containerd socket.
	containerSocketPath = "/run/containerd/containerd.sock"

	// containerWorkdir is where the submission directory is mounted inside
	// the task container.
	containerWorkdir = "/burrow"
)

func init() {
	register("container", func() (Queue, error) { return newContainerQueue() })
}

// containerTask tracks one job running as a containerd task.
type containerTask struct {
	container containerd.Container
	task      containerd.Task
}

// containerQueue runs each job in its own container via containerd. The
// submission directory is bind-mounted into the container, so file lists
// need no staging; resource requests map onto cgroup limits.
type containerQueue struct {
	options
	hostFS

	client *containerd.Client
	logger zerolog.Logger
	waits  *waitChan

	mu     sync.Mutex
	jobs   map[types.JobID]*containerTask
	nextID types.JobID
	pulled map[string]containerd.Image
}

func newContainerQueue() (Queue, error) {
	socket := os.Getenv("BURROW_CONTAINERD_SOCKET")
	if socket == "" {
		socket = containerSocketPath
	}
	client, err := containerd.New(socket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &containerQueue{
		client: client,
		logger: log.WithBackend("container"),
		waits:  newWaitChan(),
		jobs:   make(map[types.JobID]*containerTask),
		pulled: make(map[string]containerd.Image),
	}, nil
}

func (q *containerQueue) Type() string   { return "container" }
func (q *containerQueue) FS() Filesystem { return q }

func (q *containerQueue) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

// image pulls the configured task image once and caches the handle.
func (q *containerQueue) image(ctx context.Context) (containerd.Image, error) {
	ref := q.Option("container-image")
	if ref == "" {
		return nil, fmt.Errorf("container-image option is not set")
	}

	q.mu.Lock()
	img, ok := q.pulled[ref]
	q.mu.Unlock()
	if ok {
		return img, nil
	}

	img, err := q.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	q.mu.Lock()
	q.pulled[ref] = img
	q.mu.Unlock()
	return img, nil
}

func (q *containerQueue) Submit(cmd, inputs, outputs string, env map[string]string, res *types.Resources) (types.JobID, error) {
	ctx := namespaces.WithNamespace(context.Background(), containerNamespace)

	img, err := q.image(ctx)
	if err != nil {
		return 0, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return 0, err
	}

	envPairs := make([]string, 0, len(env))
	for k, v := range env {
		envPairs = append(envPairs, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithEnv(envPairs),
		oci.WithProcessArgs("/bin/sh", "-c", cmd),
		oci.WithProcessCwd(containerWorkdir),
		oci.WithMounts([]specs.Mount{{
			Source:      cwd,
			Destination: containerWorkdir,
			Type:        "bind",
			Options:     []string{"rw", "rbind"},
		}}),
	}

	if res != nil {
		if res.Cores > 0 {
			shares := uint64(res.Cores * 1024)
			quota := res.Cores * 100000
			opts = append(opts, oci.WithCPUShares(shares))
			opts = append(opts, oci.WithCPUCFS(quota, 100000))
		}
		if res.MemoryMB > 0 {
			opts = append(opts, oci.WithMemoryLimit(uint64(res.MemoryMB)*1024*1024))
		}
	}

	name := "burrow-task-" + uuid.New().String()
	container, err := q.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(name+"-snapshot", img),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStdio))
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return 0, fmt.Errorf("failed to create task: %w", err)
	}

	exitCh, err := task.Wait(ctx)
	if err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return 0, fmt.Errorf("failed to wait on task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return 0, fmt.Errorf("failed to start task: %w", err)
	}

	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.jobs[id] = &containerTask{container: container, task: task}
	q.mu.Unlock()
	q.waits.add()

	info := &types.JobInfo{Submitted: time.Now(), Started: time.Now()}
	q.logger.Debug().Int64("job_id", int64(id)).Str("container", name).Msg("Task started")

	go func() {
		status := <-exitCh
		info.Finished = time.Now()

		code, _, err := status.Result()
		if err != nil {
			info.ExitedNormally = false
			info.ExitSignal = int(syscall.SIGKILL)
		} else {
			info.ExitedNormally = true
			info.ExitCode = int(code)
		}

		cleanupCtx := namespaces.WithNamespace(context.Background(), containerNamespace)
		_, _ = task.Delete(cleanupCtx)
		_ = container.Delete(cleanupCtx, containerd.WithSnapshotCleanup)

		q.mu.Lock()
		delete(q.jobs, id)
		q.mu.Unlock()
		q.waits.post(id, info)
	}()

	return id, nil
}

func (q *containerQueue) Wait(timeout time.Duration) (types.JobID, *types.JobInfo, error) {
	return q.waits.wait(timeout)
}

func (q *containerQueue) Remove(id types.JobID) bool {
	q.mu.Lock()
	t, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	ctx := namespaces.WithNamespace(context.Background(), containerNamespace)
	if err := t.task.Kill(ctx, syscall.SIGKILL); err != nil {
		q.logger.Debug().Err(err).Int64("job_id", int64(id)).Msg("Kill failed")
		return false
	}
	return true
}
