package batch

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

func init() {
	register("local", func() (Queue, error) { return newLocalQueue(), nil })
}

// localQueue runs jobs as child processes on the submission host.
type localQueue struct {
	options
	hostFS

	logger zerolog.Logger
	waits  *waitChan

	mu   sync.Mutex
	jobs map[types.JobID]*exec.Cmd
}

func newLocalQueue() *localQueue {
	return &localQueue{
		logger: log.WithBackend("local"),
		waits:  newWaitChan(),
		jobs:   make(map[types.JobID]*exec.Cmd),
	}
}

func (q *localQueue) Type() string   { return "local" }
func (q *localQueue) FS() Filesystem { return q }
func (q *localQueue) Close() error   { return nil }

func (q *localQueue) Submit(cmd, inputs, outputs string, env map[string]string, res *types.Resources) (types.JobID, error) {
	// Inputs are already on the local filesystem; nothing to stage.
	c := exec.Command("/bin/sh", "-c", cmd)
	c.Env = envSlice(env)
	// A process group per job so Remove can take the whole pipeline down.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := c.Start(); err != nil {
		return 0, fmt.Errorf("starting process: %w", err)
	}

	id := types.JobID(c.Process.Pid)
	info := &types.JobInfo{Submitted: time.Now(), Started: time.Now()}

	q.mu.Lock()
	q.jobs[id] = c
	q.mu.Unlock()
	q.waits.add()

	q.logger.Debug().Int64("job_id", int64(id)).Str("cmd", cmd).Msg("Started process")

	go func() {
		_ = c.Wait()
		info.Finished = time.Now()
		fillExitStatus(info, c)

		q.mu.Lock()
		delete(q.jobs, id)
		q.mu.Unlock()
		q.waits.post(id, info)
	}()

	return id, nil
}

// fillExitStatus decodes a finished exec.Cmd into the completion record.
func fillExitStatus(info *types.JobInfo, c *exec.Cmd) {
	ps := c.ProcessState
	if ps == nil {
		info.ExitedNormally = false
		info.ExitSignal = int(syscall.SIGKILL)
		return
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		info.ExitedNormally = false
		info.ExitSignal = int(ws.Signal())
		return
	}
	info.ExitedNormally = true
	info.ExitCode = ps.ExitCode()
}

func (q *localQueue) Wait(timeout time.Duration) (types.JobID, *types.JobInfo, error) {
	return q.waits.wait(timeout)
}

func (q *localQueue) Remove(id types.JobID) bool {
	q.mu.Lock()
	c, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	// Kill the process group; the reaper goroutine surfaces the completion.
	_ = syscall.Kill(-int(id), syscall.SIGKILL)
	if c.Process != nil {
		_ = c.Process.Kill()
	}
	return true
}
