package batch

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// heartbeatRate is how often the wrapper appends an alive marker.
	heartbeatRate = 30 * time.Second

	// heartbeatMax is the longest silence tolerated before a job is
	// declared lost.
	heartbeatMax = 120 * time.Second
)

// clusterConfig parameterises one submit-script batch system.
type clusterConfig struct {
	name       string // also names the wrapper and status files
	submitCmd  string
	removeCmd  string
	options    string // fixed flags for the submit command
	jobnameVar string // flag that introduces the job name
	jobidVar   string // environment variable holding the job id inside the wrapper
}

var clusterConfigs = map[string]clusterConfig{
	"sge":    {"sge", "qsub", "qdel", "-cwd -j y -V", "-N", "JOB_ID"},
	"moab":   {"moab", "msub", "mdel", "-d . -j oe -V", "-N", "PBS_JOBID"},
	"pbs":    {"pbs", "qsub", "qdel", "-j oe -V", "-N", "PBS_JOBID"},
	"torque": {"torque", "qsub", "qdel", "-j oe -V", "-N", "PBS_JOBID"},
	"slurm":  {"slurm", "sbatch", "scancel", "-D . -e /dev/null --export=ALL", "-J", "SLURM_JOB_ID"},
	"lsf":    {"lsf", "bsub", "bkill", "-e /dev/null -env all", "-J", "LSB_JOBID"},
}

func init() {
	for tag := range clusterConfigs {
		tag := tag
		register(tag, func() (Queue, error) { return newClusterQueue(clusterConfigs[tag]) })
	}
	register("cluster", func() (Queue, error) { return newGenericClusterQueue() })
}

// newGenericClusterQueue builds a user-configured cluster from environment
// variables, for batch systems outside the built-in set.
func newGenericClusterQueue() (Queue, error) {
	cfg := clusterConfig{
		name:       os.Getenv("BATCH_QUEUE_CLUSTER_NAME"),
		submitCmd:  os.Getenv("BATCH_QUEUE_CLUSTER_SUBMIT_COMMAND"),
		removeCmd:  os.Getenv("BATCH_QUEUE_CLUSTER_REMOVE_COMMAND"),
		options:    os.Getenv("BATCH_QUEUE_CLUSTER_SUBMIT_OPTIONS"),
		jobnameVar: os.Getenv("BATCH_QUEUE_CLUSTER_SUBMIT_JOBNAME_VAR"),
		jobidVar:   "JOB_ID",
	}
	for _, pair := range []struct{ name, value string }{
		{"BATCH_QUEUE_CLUSTER_NAME", cfg.name},
		{"BATCH_QUEUE_CLUSTER_SUBMIT_COMMAND", cfg.submitCmd},
		{"BATCH_QUEUE_CLUSTER_REMOVE_COMMAND", cfg.removeCmd},
		{"BATCH_QUEUE_CLUSTER_SUBMIT_JOBNAME_VAR", cfg.jobnameVar},
	} {
		if pair.value == "" {
			return nil, fmt.Errorf("environment variable %s unset", pair.name)
		}
	}
	return newClusterQueue(cfg)
}

// clusterJob is the poller's per-job view of a running submission.
type clusterJob struct {
	info      *types.JobInfo
	logPos    int64
	heartbeat time.Time
}

// clusterQueue submits through a system submit tool and observes completion
// through per-job status files written by a shared wrapper script.
//
// The wrapper is synthesised once per queue. It writes a start marker with
// the job id into a status file, executes the user command via the login
// shell with eval, and writes a stop marker with the exit code. A heartbeat
// subshell appends an alive marker every 30 seconds so the poller can detect
// silent disappearance.
type clusterQueue struct {
	options
	hostFS

	cfg    clusterConfig
	logger zerolog.Logger

	mu       sync.Mutex
	jobs     map[types.JobID]*clusterJob
	submitID uint16
	wrapper  bool
}

func newClusterQueue(cfg clusterConfig) (Queue, error) {
	if _, err := exec.LookPath(cfg.submitCmd); err != nil {
		return nil, fmt.Errorf("submit command %q not found: %w", cfg.submitCmd, err)
	}
	return &clusterQueue{
		cfg:    cfg,
		logger: log.WithBackend(cfg.name),
		jobs:   make(map[types.JobID]*clusterJob),
	}, nil
}

func (q *clusterQueue) Type() string   { return q.cfg.name }
func (q *clusterQueue) FS() Filesystem { return q }
func (q *clusterQueue) Close() error   { return nil }

// writeWrapper creates the shared wrapper script if not yet present.
func (q *clusterQueue) writeWrapper() error {
	if q.wrapper {
		return nil
	}

	path, err := os.Getwd()
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/sh\n")
	fmt.Fprintf(&b, "#$ -S /bin/sh\n")
	fmt.Fprintf(&b, "[ -n \"${%s}\" ] && JOB_ID=`echo ${%s} | cut -d . -f 1`\n", q.cfg.jobidVar, q.cfg.jobidVar)
	fmt.Fprintf(&b, "cd %s\n", path)
	fmt.Fprintf(&b, "logfile=\"${PWD}/%s.status.${JOB_ID}\"\n", q.cfg.name)
	fmt.Fprintf(&b, "starttime=`date +%%s`\n")
	fmt.Fprintf(&b, "echo start $starttime > $logfile\n")
	fmt.Fprintf(&b, "(while true; do sleep %d; echo alive $(date +%%s) >> $logfile; done) &\n", int(heartbeatRate.Seconds()))
	fmt.Fprintf(&b, "pid_heartbeat=$!\n")
	fmt.Fprintf(&b, "eval \"$BATCH_JOB_COMMAND\"\n\n")
	fmt.Fprintf(&b, "status=$?\n")
	fmt.Fprintf(&b, "kill $pid_heartbeat\n")
	fmt.Fprintf(&b, "stoptime=`date +%%s`\n")
	fmt.Fprintf(&b, "echo stop $status $stoptime >> $logfile\n")
	fmt.Fprintf(&b, "exit 0\n")

	if err := os.WriteFile(q.cfg.name+".wrapper", []byte(b.String()), 0755); err != nil {
		return fmt.Errorf("writing wrapper: %w", err)
	}
	q.wrapper = true
	return nil
}

// resourceFlags renders a resource request into submit-command flags for
// the underlying system. Backends ignore what they cannot enforce.
func (q *clusterQueue) resourceFlags(res *types.Resources) (string, error) {
	if res == nil || q.optionIsYes("safe-submit-mode") {
		return "", nil
	}

	ignoreMem := q.optionIsYes("ignore-mem-spec")
	ignoreDisk := q.optionIsYes("ignore-disk-spec")
	ignoreTime := q.optionIsYes("ignore-time-spec")
	ignoreCore := q.optionIsYes("ignore-core-spec")

	var b strings.Builder
	switch q.cfg.name {
	case "torque", "pbs", "moab":
		cores := res.Cores
		if cores < 1 {
			cores = 1
		}
		fmt.Fprintf(&b, " -l nodes=1:ppn=%d", cores)
		if !ignoreMem && res.MemoryMB > 0 {
			fmt.Fprintf(&b, ",mem=%dmb", res.MemoryMB)
		}
		if !ignoreDisk && res.DiskMB > 0 {
			fmt.Fprintf(&b, ",file=%dmb", res.DiskMB)
		}
	case "slurm":
		if !ignoreMem && res.MemoryMB > 0 {
			fmt.Fprintf(&b, " --mem=%dM", res.MemoryMB)
		}
		if !ignoreTime && res.WallTimeSecs > 0 {
			fmt.Fprintf(&b, " --time=%d", divRoundUp(res.WallTimeSecs, 60))
		}
		procs := int64(1)
		if res.MPIProcesses > 0 {
			procs = res.MPIProcesses
		}
		cores := int64(1)
		if res.Cores > 0 {
			cores = res.Cores
		}
		if procs > 1 {
			if cores%procs != 0 {
				return "", fmt.Errorf("the number of MPI processes (%d) does not equally divide the number of cores (%d)", procs, cores)
			}
			cores = cores / procs
		}
		fmt.Fprintf(&b, " -N 1 -n %d -c %d", procs, cores)
	case "sge":
		if !ignoreMem && res.MemoryMB > 0 {
			memType := q.Option("mem-type")
			if memType == "" {
				memType = "h_vmem"
			}
			fmt.Fprintf(&b, " -l %s=%dM", memType, res.MemoryMB)
		}
		if !ignoreTime && res.WallTimeSecs > 0 {
			fmt.Fprintf(&b, " -l h_rt=00:%d:00", divRoundUp(res.WallTimeSecs, 60))
		}
		cores := res.Cores
		if cores < 1 {
			cores = 1
		}
		fmt.Fprintf(&b, " -pe smp %d", cores)
	case "lsf":
		if !ignoreMem && res.MemoryMB > 0 {
			fmt.Fprintf(&b, " -M %dMB", res.MemoryMB)
		}
		if !ignoreCore && res.Cores > 0 {
			fmt.Fprintf(&b, " -n %d", res.Cores)
		}
		if !ignoreTime && res.WallTimeSecs > 0 {
			fmt.Fprintf(&b, " -We %d", divRoundUp(res.WallTimeSecs, 60))
		}
	}
	return b.String(), nil
}

func divRoundUp(n, d int64) int64 {
	return (n + d - 1) / d
}

// submitOutputPatterns recognise the job number in the first line a submit
// tool prints.
var submitOutputPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Your job (\d+)`),
	regexp.MustCompile(`Submitted batch job (\d+)`),
	regexp.MustCompile(`Job <(\d+)> is submitted`),
	regexp.MustCompile(`^(\d+)`),
}

// parseSubmitOutput extracts the job id from the first non-blank line of
// submit-tool output.
func parseSubmitOutput(out string) (types.JobID, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, re := range submitOutputPatterns {
			if m := re.FindStringSubmatch(line); m != nil {
				id, err := strconv.ParseInt(m[1], 10, 64)
				if err == nil && id > 0 {
					return types.JobID(id), true
				}
			}
		}
		break
	}
	return 0, false
}

func (q *clusterQueue) Submit(cmd, inputs, outputs string, env map[string]string, res *types.Resources) (types.JobID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.writeWrapper(); err != nil {
		return 0, err
	}

	flags, err := q.resourceFlags(res)
	if err != nil {
		return 0, err
	}

	// Job names must satisfy the strictest system (letter first, short), so
	// use an incrementing counter rather than deriving from the command.
	jobname := fmt.Sprintf("burrow%d", q.submitID)
	q.submitID++

	stdout := "-o /dev/null"
	if q.optionIsYes("keep-wrapper-stdout") {
		stdout = ""
	}

	// Dot-slash in front of the wrapper because some systems PATH-search
	// the executable.
	line := fmt.Sprintf("%s%s %s %s %s %s %s ./%s.wrapper",
		q.cfg.submitCmd, flags, q.cfg.options, stdout,
		q.cfg.jobnameVar, jobname, q.Option("batch-options"), q.cfg.name)

	// Environment variables do not survive the submit command line, so
	// export everything into the submit process and rely on the system's
	// full-environment forwarding flag (-V, --export=ALL, ...). The command
	// itself travels the same way.
	c := exec.Command("/bin/sh", "-c", line)
	c.Env = append(envSlice(env), "BATCH_JOB_COMMAND="+cmd)

	q.logger.Debug().Str("submit", line).Msg("Submitting job")

	out, err := c.Output()
	if err != nil {
		return 0, fmt.Errorf("%s failed: %w", q.cfg.submitCmd, err)
	}
	id, ok := parseSubmitOutput(string(out))
	if !ok {
		return 0, fmt.Errorf("no job id in %s output: %q", q.cfg.submitCmd, strings.TrimSpace(string(out)))
	}

	now := time.Now()
	q.jobs[id] = &clusterJob{
		info:      &types.JobInfo{Submitted: now},
		heartbeat: now,
	}
	q.logger.Debug().Int64("job_id", int64(id)).Msg("Job submitted")
	return id, nil
}

// Wait scans the per-job status files, promoting any finished or stale job.
func (q *clusterQueue) Wait(timeout time.Duration) (types.JobID, *types.JobInfo, error) {
	stoptime := time.Now().Add(timeout)

	for {
		if id, info := q.pollOnce(); id > 0 {
			return id, info, nil
		}

		q.mu.Lock()
		empty := len(q.jobs) == 0
		q.mu.Unlock()
		if empty {
			return 0, nil, nil
		}
		if !time.Now().Before(stoptime) {
			return 0, nil, nil
		}
		time.Sleep(time.Second)
	}
}

// pollOnce reads each job's status file from its last-seen position and
// returns the first completed job, if any.
func (q *clusterQueue) pollOnce() (types.JobID, *types.JobInfo) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, j := range q.jobs {
		statusfile := fmt.Sprintf("%s.status.%d", q.cfg.name, id)
		data, err := os.ReadFile(statusfile)
		if err != nil {
			q.logger.Debug().Str("file", statusfile).Msg("Could not open status file")
			continue
		}
		if int64(len(data)) > j.logPos {
			q.applyStatusLines(j, string(data[j.logPos:]))
			j.logPos = int64(len(data))
		}

		if j.info.Finished.IsZero() && time.Since(j.heartbeat) > heartbeatMax {
			q.logger.Warn().Int64("job_id", int64(id)).Msg("Job does not appear to be running anymore")
			if j.info.Started.IsZero() {
				j.info.Started = j.heartbeat
			}
			j.info.Finished = j.heartbeat
			j.info.ExitedNormally = false
			j.info.ExitSignal = 1
			j.info.HeartbeatLost = true
		}

		if !j.info.Finished.IsZero() {
			os.Remove(statusfile)
			delete(q.jobs, id)
			return id, j.info
		}
	}
	return 0, nil
}

// applyStatusLines folds start/alive/stop markers into the job record.
func (q *clusterQueue) applyStatusLines(j *clusterJob, chunk string) {
	for _, line := range strings.Split(chunk, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "start":
			if len(fields) >= 2 {
				if t, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					j.info.Started = time.Unix(t, 0)
					j.heartbeat = time.Unix(t, 0)
				}
			}
		case "alive":
			if len(fields) >= 2 {
				if t, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					j.heartbeat = time.Unix(t, 0)
				}
			}
		case "stop":
			if len(fields) >= 3 {
				code, err1 := strconv.Atoi(fields[1])
				t, err2 := strconv.ParseInt(fields[2], 10, 64)
				if err1 == nil && err2 == nil {
					if j.info.Started.IsZero() {
						j.info.Started = time.Unix(t, 0)
					}
					j.info.Finished = time.Unix(t, 0)
					j.info.ExitedNormally = true
					j.info.ExitCode = code
				}
			}
		}
	}
}

func (q *clusterQueue) Remove(id types.JobID) bool {
	q.mu.Lock()
	j, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return false
	}

	now := time.Now()
	if j.info.Started.IsZero() {
		j.info.Started = now
	}
	j.info.Finished = now
	j.info.ExitedNormally = false
	j.info.ExitSignal = 1

	c := exec.Command("/bin/sh", "-c", fmt.Sprintf("%s %d", q.cfg.removeCmd, id))
	_ = c.Run()
	return true
}
