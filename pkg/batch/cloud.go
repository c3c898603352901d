package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

func init() {
	register("cloud", func() (Queue, error) { return newCloudQueue() })
}

// cloudConfig describes the instance template, loaded from a JSON file
// named by the cloud-config option (default cloud.json).
type cloudConfig struct {
	ImageID         string `json:"image_id"`
	InstanceType    string `json:"instance_type"`
	SecurityGroupID string `json:"security_group_id"`
	KeypairName     string `json:"keypair_name"`
	User            string `json:"user,omitempty"` // ssh login, default ec2-user
}

func loadCloudConfig(filename string) (*cloudConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filename, err)
	}
	var cfg cloudConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s is not valid json: %w", filename, err)
	}
	for _, f := range []struct{ name, value string }{
		{"image_id", cfg.ImageID},
		{"instance_type", cfg.InstanceType},
		{"security_group_id", cfg.SecurityGroupID},
		{"keypair_name", cfg.KeypairName},
	} {
		if f.value == "" {
			return nil, fmt.Errorf("%s doesn't define %s", filename, f.name)
		}
	}
	if cfg.User == "" {
		cfg.User = "ec2-user"
	}
	return &cfg, nil
}

// instance is one provisioned VM.
type instance struct {
	id       string
	address  string
	idleFrom time.Time
}

// cloudJob tracks one task running on its own instance.
type cloudJob struct {
	inst   *instance
	cancel context.CancelFunc
}

// cloudQueue provisions one cloud instance per task through the provider
// CLI, stages files over scp, and runs the command over ssh.
//
// Instance setup happens synchronously inside Submit so that instances are
// always tracked; input staging, the remote execution and output retrieval
// run on a goroutine whose completion Wait reaps. A shared counting semaphore
// serialises file transfers so many instances can compute in parallel
// without saturating the uplink.
type cloudQueue struct {
	options
	hostFS

	logger zerolog.Logger
	waits  *waitChan

	cfg       *cloudConfig
	transfers *semaphore.Weighted
	nextID    atomic.Int64

	mu   sync.Mutex
	jobs map[types.JobID]*cloudJob
	pool []*instance // idle instances eligible for reuse
}

func newCloudQueue() (Queue, error) {
	if _, err := exec.LookPath("aws"); err != nil {
		return nil, fmt.Errorf("cloud CLI not found: %w", err)
	}
	q := &cloudQueue{
		logger:    log.WithBackend("cloud"),
		waits:     newWaitChan(),
		transfers: semaphore.NewWeighted(4),
		jobs:      make(map[types.JobID]*cloudJob),
	}
	return q, nil
}

func (q *cloudQueue) Type() string   { return "cloud" }
func (q *cloudQueue) FS() Filesystem { return q }

func (q *cloudQueue) Close() error {
	q.mu.Lock()
	pool := q.pool
	q.pool = nil
	q.mu.Unlock()
	for _, inst := range pool {
		terminateInstance(inst.id)
	}
	return nil
}

// config lazily loads the instance template.
func (q *cloudQueue) config() (*cloudConfig, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cfg != nil {
		return q.cfg, nil
	}
	file := q.Option("cloud-config")
	if file == "" {
		file = "cloud.json"
	}
	cfg, err := loadCloudConfig(file)
	if err != nil {
		return nil, err
	}
	q.cfg = cfg
	return cfg, nil
}

// jsonCommand runs a CLI command expected to print JSON and decodes it.
func jsonCommand(line string) (map[string]any, error) {
	out, err := exec.Command("/bin/sh", "-c", line).Output()
	if err != nil {
		return nil, fmt.Errorf("execution failed: %w", err)
	}
	var v map[string]any
	if err := json.Unmarshal(out, &v); err != nil {
		return nil, fmt.Errorf("execution failed: bad json output: %w", err)
	}
	return v, nil
}

func createInstance(cfg *cloudConfig) (string, error) {
	line := fmt.Sprintf("aws ec2 run-instances --image-id %s --instance-type %s --key-name %s --security-group-ids %s --output json",
		cfg.ImageID, cfg.InstanceType, cfg.KeypairName, cfg.SecurityGroupID)
	v, err := jsonCommand(line)
	if err != nil {
		return "", err
	}
	instances, _ := v["Instances"].([]any)
	if len(instances) == 0 {
		return "", fmt.Errorf("run-instances didn't return an Instances array")
	}
	first, _ := instances[0].(map[string]any)
	id, _ := first["InstanceId"].(string)
	if id == "" {
		return "", fmt.Errorf("run-instances didn't return an InstanceId")
	}
	return id, nil
}

// describeInstance returns the state name and public address of an instance.
func describeInstance(cfg *cloudConfig, id string) (state, address string, err error) {
	v, err := jsonCommand(fmt.Sprintf("aws ec2 describe-instances --instance-ids %s --output json", id))
	if err != nil {
		return "", "", err
	}
	reservations, _ := v["Reservations"].([]any)
	if len(reservations) == 0 {
		return "", "", fmt.Errorf("no reservations for %s", id)
	}
	res, _ := reservations[0].(map[string]any)
	instances, _ := res["Instances"].([]any)
	if len(instances) == 0 {
		return "", "", fmt.Errorf("no instances for %s", id)
	}
	inst, _ := instances[0].(map[string]any)
	if st, ok := inst["State"].(map[string]any); ok {
		state, _ = st["Name"].(string)
	}
	address, _ = inst["PublicIpAddress"].(string)
	return state, address, nil
}

func terminateInstance(id string) {
	_ = exec.Command("/bin/sh", "-c",
		fmt.Sprintf("aws ec2 terminate-instances --instance-ids %s --output json", id)).Run()
}

func (q *cloudQueue) sshArgs(cfg *cloudConfig) []string {
	return []string{"-o", "StrictHostKeyChecking=no", "-i", cfg.KeypairName + ".pem"}
}

func (q *cloudQueue) runSSH(ctx context.Context, cfg *cloudConfig, address, command string) error {
	args := append(q.sshArgs(cfg), fmt.Sprintf("%s@%s", cfg.User, address), command)
	return exec.CommandContext(ctx, "ssh", args...).Run()
}

func (q *cloudQueue) putFile(ctx context.Context, cfg *cloudConfig, address, local, remote string) error {
	args := append(q.sshArgs(cfg), local, fmt.Sprintf("%s@%s:%s", cfg.User, address, remote))
	return exec.CommandContext(ctx, "scp", args...).Run()
}

func (q *cloudQueue) getFile(ctx context.Context, cfg *cloudConfig, address, local, remote string) error {
	args := append(q.sshArgs(cfg), fmt.Sprintf("%s@%s:%s", cfg.User, address, remote), local)
	return exec.CommandContext(ctx, "scp", args...).Run()
}

// provision creates an instance and polls until it is running with a
// public address and a responsive ssh service.
func (q *cloudQueue) provision(ctx context.Context, cfg *cloudConfig) (*instance, error) {
	id, err := createInstance(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}

	var address string
	for {
		select {
		case <-ctx.Done():
			terminateInstance(id)
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}

		state, addr, err := describeInstance(cfg, id)
		if err != nil {
			q.logger.Debug().Err(err).Msg("Unable to get instance state")
			continue
		}
		switch state {
		case "pending":
			continue
		case "running":
			if addr == "" {
				continue
			}
			address = addr
		default:
			q.logger.Debug().Str("state", state).Msg("Unexpected instance state, aborting")
			terminateInstance(id)
			return nil, fmt.Errorf("instance %s entered state %q", id, state)
		}
		break
	}

	// The ssh service lags the instance itself; probe until it answers.
	for i := 0; i < 100; i++ {
		if err := q.runSSH(ctx, cfg, address, "ls >/dev/null 2>&1"); err == nil {
			return &instance{id: id, address: address}, nil
		}
		select {
		case <-ctx.Done():
			terminateInstance(id)
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	terminateInstance(id)
	return nil, fmt.Errorf("instance %s never became reachable over ssh", id)
}

// takePooled returns a reusable idle instance, discarding expired ones.
func (q *cloudQueue) takePooled(cfg *cloudConfig) *instance {
	idle := q.idleTimeout()
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pool) > 0 {
		inst := q.pool[len(q.pool)-1]
		q.pool = q.pool[:len(q.pool)-1]
		if idle > 0 && time.Since(inst.idleFrom) < idle {
			return inst
		}
		terminateInstance(inst.id)
	}
	return nil
}

// idleTimeout returns the configured instance reuse window; zero disables
// pooling.
func (q *cloudQueue) idleTimeout() time.Duration {
	v := q.Option("instance-idle-timeout")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// taskScript renders the command plus its environment into a script, so
// neither quoting nor environment is lost across ssh.
func taskScript(cmd string, env map[string]string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(env[k]))
	}
	fmt.Fprintf(&b, "exec %s\n", cmd)
	b.WriteString("exit 127\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (q *cloudQueue) Submit(cmd, inputs, outputs string, env map[string]string, res *types.Resources) (types.JobID, error) {
	cfg, err := q.config()
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	inst := q.takePooled(cfg)
	if inst == nil {
		inst, err = q.provision(ctx, cfg)
		if err != nil {
			cancel()
			return 0, err
		}
	}

	id := types.JobID(q.nextID.Add(1))
	info := &types.JobInfo{Submitted: time.Now(), Started: time.Now()}

	q.mu.Lock()
	q.jobs[id] = &cloudJob{inst: inst, cancel: cancel}
	q.mu.Unlock()
	q.waits.add()

	q.logger.Debug().Int64("job_id", int64(id)).Str("instance", inst.id).Msg("Task assigned to instance")

	go func() {
		defer cancel()
		exitCode := q.runTask(ctx, cfg, inst, cmd, inputs, outputs, env)
		info.Finished = time.Now()
		if ctx.Err() != nil {
			info.ExitedNormally = false
			info.ExitSignal = 9
		} else {
			info.ExitedNormally = true
			info.ExitCode = exitCode
		}

		q.mu.Lock()
		delete(q.jobs, id)
		pooled := false
		if ctx.Err() == nil && q.idleTimeout() > 0 {
			inst.idleFrom = time.Now()
			q.pool = append(q.pool, inst)
			pooled = true
		}
		q.mu.Unlock()
		if !pooled {
			terminateInstance(inst.id)
		}

		q.waits.post(id, info)
	}()

	return id, nil
}

// runTask stages inputs, executes the command remotely, and retrieves
// outputs. The transfer semaphore bounds concurrent scp traffic.
func (q *cloudQueue) runTask(ctx context.Context, cfg *cloudConfig, inst *instance, cmd, inputs, outputs string, env map[string]string) int {
	if err := q.transfers.Acquire(ctx, 1); err != nil {
		return 127
	}
	// outer=inner renames are honoured: each input is staged under its inner
	// name on the instance.
	for _, f := range SplitFileList(inputs) {
		if err := q.putFile(ctx, cfg, inst.address, f.Outer, f.Inner); err != nil {
			q.logger.Debug().Err(err).Str("file", f.Outer).Msg("Input transfer failed")
		}
	}

	script := taskScript(cmd, env)
	local := fmt.Sprintf(".burrow_task_script_%d", os.Getpid())
	if err := os.WriteFile(local, []byte(script), 0755); err != nil {
		q.transfers.Release(1)
		return 127
	}
	err := q.putFile(ctx, cfg, inst.address, local, "burrow_task_script")
	os.Remove(local)
	q.transfers.Release(1)
	if err != nil {
		return 127
	}

	runErr := q.runSSH(ctx, cfg, inst.address, "chmod +x burrow_task_script && ./burrow_task_script")
	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		exitCode = 127
	}

	if err := q.transfers.Acquire(ctx, 1); err == nil {
		for _, f := range SplitFileList(outputs) {
			if err := q.getFile(ctx, cfg, inst.address, f.Outer, f.Inner); err != nil {
				q.logger.Debug().Err(err).Str("file", f.Outer).Msg("Output transfer failed")
			}
		}
		q.transfers.Release(1)
	}
	return exitCode
}

func (q *cloudQueue) Wait(timeout time.Duration) (types.JobID, *types.JobInfo, error) {
	return q.waits.wait(timeout)
}

func (q *cloudQueue) Remove(id types.JobID) bool {
	q.mu.Lock()
	j, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	terminateInstance(j.inst.id)
	return true
}
