package batch

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

func init() {
	register("condor", func() (Queue, error) { return newCondorQueue() })
}

// Event codes in the shared Condor job log.
const (
	condorEventSubmit    = 0
	condorEventExecute   = 1
	condorEventTerminate = 5
	condorEventEvict     = 9
)

// condorQueue submits through a generated submit description and observes
// job-state transitions in the shared event log.
type condorQueue struct {
	options
	hostFS

	logger zerolog.Logger

	mu       sync.Mutex
	jobs     map[types.JobID]*types.JobInfo
	logFile  *os.File
	reader   *lineReader
	lastSeen string // last blocklist logged, to avoid repeating it
}

func newCondorQueue() (Queue, error) {
	if _, err := exec.LookPath("condor_submit"); err != nil {
		return nil, fmt.Errorf("condor_submit not found: %w", err)
	}
	q := &condorQueue{
		logger: log.WithBackend("condor"),
		jobs:   make(map[types.JobID]*types.JobInfo),
	}
	q.SetLogfile("condor.logfile")
	return q, nil
}

func (q *condorQueue) Type() string   { return "condor" }
func (q *condorQueue) FS() Filesystem { return q }

func (q *condorQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.logFile != nil {
		err := q.logFile.Close()
		q.logFile = nil
		return err
	}
	return nil
}

// writeCondorWrapper creates the tiny eval wrapper shared by all submissions.
func writeCondorWrapper() error {
	if _, err := os.Stat("condor.sh"); err == nil {
		return nil
	}
	script := "#!/bin/sh\neval \"$@\"\nexit $?\n"
	return os.WriteFile("condor.sh", []byte(script), 0755)
}

// blockedExpression renders the workers-blocked option into a requirements
// clause excluding each named machine.
func (q *condorQueue) blockedExpression() string {
	blocked := q.Option("workers-blocked")
	if blocked == "" {
		return ""
	}
	if blocked != q.lastSeen {
		q.logger.Debug().Str("blocked", blocked).Msg("Blocked hostnames")
		q.lastSeen = blocked
	}

	var clauses []string
	for _, host := range strings.Fields(blocked) {
		clauses = append(clauses, fmt.Sprintf("(machine != %q)", host))
	}
	return strings.Join(clauses, " && ")
}

func (q *condorQueue) Submit(cmd, inputs, outputs string, env map[string]string, res *types.Resources) (types.JobID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := writeCondorWrapper(); err != nil {
		return 0, fmt.Errorf("could not create condor.sh: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "universe = vanilla\n")
	fmt.Fprintf(&b, "executable = condor.sh\n")
	fmt.Fprintf(&b, "arguments = %s\n", condorEscapeArguments(cmd))
	if inputs != "" {
		fmt.Fprintf(&b, "transfer_input_files = %s\n", inputs)
	}
	// Outputs are deliberately not declared via transfer_output_files: an
	// unproduced output would put the job on hold instead of failing it, and
	// the engine checks file presence on completion anyway.
	fmt.Fprintf(&b, "should_transfer_files = yes\n")
	fmt.Fprintf(&b, "when_to_transfer_output = on_exit\n")
	fmt.Fprintf(&b, "notification = never\n")
	fmt.Fprintf(&b, "copy_to_spool = true\n")
	fmt.Fprintf(&b, "transfer_executable = true\n")
	fmt.Fprintf(&b, "keep_claim_idle = 30\n")
	fmt.Fprintf(&b, "log = %s\n", q.Logfile())
	fmt.Fprintf(&b, "+JobMaxSuspendTime = 0\n")

	req := q.Option("condor-requirements")
	bexp := q.blockedExpression()
	switch {
	case req != "" && bexp != "":
		fmt.Fprintf(&b, "requirements = (%s) && (%s)\n", req, bexp)
	case req != "":
		fmt.Fprintf(&b, "requirements = (%s)\n", req)
	case bexp != "":
		fmt.Fprintf(&b, "requirements = (%s)\n", bexp)
	}

	// Quoting environment variables into a submit description is hairy, so
	// export them into condor_submit's environment and use getenv = true.
	fmt.Fprintf(&b, "getenv = true\n")

	cores, memory, disk, gpus := int64(1), int64(1024), int64(1024), int64(0)
	if res != nil {
		if res.Cores > types.ResourceUnset {
			cores = res.Cores
		}
		if res.MemoryMB > types.ResourceUnset {
			memory = res.MemoryMB
		}
		if res.DiskMB > types.ResourceUnset {
			disk = res.DiskMB
		}
		if res.GPUs > types.ResourceUnset {
			gpus = res.GPUs
		}
	}
	disk *= 1024 // request_disk takes KB

	if q.Option("autosize") != "" {
		fmt.Fprintf(&b, "request_cpus   = ifThenElse(%d > TotalSlotCpus, %d, TotalSlotCpus)\n", cores, cores)
		fmt.Fprintf(&b, "request_memory = ifThenElse(%d > TotalSlotMemory, %d, TotalSlotMemory)\n", memory, memory)
		fmt.Fprintf(&b, "request_disk   = ifThenElse((%d) > TotalSlotDisk, (%d), TotalSlotDisk)\n", disk, disk)
		if gpus > 0 {
			fmt.Fprintf(&b, "request_gpus   = ifThenElse((%d) > TotalSlotGpus, (%d), TotalSlotGpus)\n", gpus, gpus)
		}
	} else {
		fmt.Fprintf(&b, "request_cpus = %d\n", cores)
		fmt.Fprintf(&b, "request_memory = %d\n", memory)
		fmt.Fprintf(&b, "request_disk = %d\n", disk)
		if gpus > 0 {
			fmt.Fprintf(&b, "request_gpus = %d\n", gpus)
		}
	}

	if opts := q.Option("batch-options"); opts != "" {
		fmt.Fprintf(&b, "%s\n", opts)
	}
	fmt.Fprintf(&b, "queue\n")

	if err := os.WriteFile("condor.submit", []byte(b.String()), 0644); err != nil {
		return 0, fmt.Errorf("could not create condor.submit: %w", err)
	}

	c := exec.Command("condor_submit", "condor.submit")
	c.Env = envSlice(env)
	out, err := c.Output()
	if err != nil {
		return 0, fmt.Errorf("condor_submit failed: %w", err)
	}

	re := regexp.MustCompile(`(\d+) job\(s\) submitted to cluster (\d+)`)
	m := re.FindStringSubmatch(string(out))
	if m == nil {
		return 0, fmt.Errorf("no cluster id in condor_submit output: %q", strings.TrimSpace(string(out)))
	}
	id64, _ := strconv.ParseInt(m[2], 10, 64)
	id := types.JobID(id64)

	q.jobs[id] = &types.JobInfo{Submitted: time.Now()}
	q.logger.Debug().Int64("job_id", int64(id)).Msg("Job submitted")
	return id, nil
}

// Adopt re-inserts a job recovered from a journal into the job table, so a
// restarted engine can keep waiting on submissions that survived it.
func (q *condorQueue) Adopt(id types.JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[id]; !ok {
		q.jobs[id] = &types.JobInfo{}
	}
}

// Event-header forms seen in Condor logs; the year may be absent.
var (
	condorEventNoYear = regexp.MustCompile(`^(\d+) \((\d+)\.(\d+)\.(\d+)\) (\d+)/(\d+) (\d+):(\d+):(\d+)`)
	condorEventISO    = regexp.MustCompile(`^(\d+) \((\d+)\.(\d+)\.(\d+)\) (\d+)-(\d+)-(\d+) (\d+):(\d+):(\d+)`)
	condorNormalTerm  = regexp.MustCompile(`\((\d+)\) Normal termination \(return value (\d+)\)`)
	condorSignalTerm  = regexp.MustCompile(`\((\d+)\) Abnormal termination \(signal (\d+)\)`)
)

// parseCondorEvent decodes an event-header line into its type, job id and
// timestamp. Lines that are not event headers return ok=false.
func parseCondorEvent(line string, currentYear int) (etype int, id types.JobID, when time.Time, ok bool) {
	if m := condorEventISO.FindStringSubmatch(line); m != nil {
		etype, _ = strconv.Atoi(m[1])
		id64, _ := strconv.ParseInt(m[2], 10, 64)
		year, _ := strconv.Atoi(m[5])
		mon, _ := strconv.Atoi(m[6])
		day, _ := strconv.Atoi(m[7])
		h, _ := strconv.Atoi(m[8])
		min, _ := strconv.Atoi(m[9])
		sec, _ := strconv.Atoi(m[10])
		return etype, types.JobID(id64), time.Date(year, time.Month(mon), day, h, min, sec, 0, time.Local), true
	}
	if m := condorEventNoYear.FindStringSubmatch(line); m != nil {
		etype, _ = strconv.Atoi(m[1])
		id64, _ := strconv.ParseInt(m[2], 10, 64)
		mon, _ := strconv.Atoi(m[5])
		day, _ := strconv.Atoi(m[6])
		h, _ := strconv.Atoi(m[7])
		min, _ := strconv.Atoi(m[8])
		sec, _ := strconv.Atoi(m[9])
		return etype, types.JobID(id64), time.Date(currentYear, time.Month(mon), day, h, min, sec, 0, time.Local), true
	}
	return 0, 0, time.Time{}, false
}

func (q *condorQueue) Wait(timeout time.Duration) (types.JobID, *types.JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.logFile == nil {
		f, err := os.Open(q.Logfile())
		if err != nil {
			return 0, nil, fmt.Errorf("couldn't open logfile %s: %w", q.Logfile(), err)
		}
		q.logFile = f
		q.reader = newLineReader(f)
	}

	stoptime := time.Now().Add(timeout)
	currentYear := time.Now().Year()
	reader := q.reader

	for {
		// Re-check from the current offset each pass; the log grows under us.
		for {
			line, err := reader.next()
			if err != nil {
				break
			}

			etype, id, when, ok := parseCondorEvent(line, currentYear)
			if !ok {
				continue
			}

			info := q.jobs[id]
			if info == nil {
				info = &types.JobInfo{}
				q.jobs[id] = info
			}

			switch etype {
			case condorEventSubmit:
				info.Submitted = when
			case condorEventExecute:
				info.Started = when
				q.logger.Debug().Int64("job_id", int64(id)).Msg("Job running now")
			case condorEventEvict:
				delete(q.jobs, id)
				info.Finished = when
				info.ExitedNormally = false
				info.ExitSignal = int(syscall.SIGKILL)
				q.logger.Debug().Int64("job_id", int64(id)).Msg("Job was removed")
				return id, info, nil
			case condorEventTerminate:
				delete(q.jobs, id)
				info.Finished = when

				cont, _ := reader.next()
				if m := condorNormalTerm.FindStringSubmatch(cont); m != nil {
					code, _ := strconv.Atoi(m[2])
					info.ExitedNormally = true
					info.ExitCode = code
				} else if m := condorSignalTerm.FindStringSubmatch(cont); m != nil {
					sig, _ := strconv.Atoi(m[2])
					info.ExitedNormally = false
					info.ExitSignal = sig
				} else {
					info.ExitedNormally = false
					info.ExitSignal = 0
				}
				return id, info, nil
			}
		}

		if len(q.jobs) == 0 {
			return 0, nil, nil
		}
		if !time.Now().Before(stoptime) {
			return 0, nil, nil
		}

		q.mu.Unlock()
		time.Sleep(time.Second)
		q.mu.Lock()
	}
}

func (q *condorQueue) Remove(id types.JobID) bool {
	c := exec.Command("condor_rm", strconv.FormatInt(int64(id), 10))
	if err := c.Run(); err != nil {
		q.logger.Debug().Err(err).Msg("condor_rm failed")
		return false
	}
	return true
}

// condorEscapeArguments quotes a command for the arguments line of a submit
// description per the new-syntax quoting rules.
func condorEscapeArguments(cmd string) string {
	escaped := strings.ReplaceAll(cmd, `"`, `""`)
	escaped = strings.ReplaceAll(escaped, `'`, `''`)
	return `"` + escaped + `"`
}

// lineReader reads whole newline-terminated lines from a file that may
// still be growing, leaving partial lines for the next pass.
type lineReader struct {
	f   *os.File
	buf []byte
}

func newLineReader(f *os.File) *lineReader {
	return &lineReader{f: f}
}

func (r *lineReader) next() (string, error) {
	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := string(r.buf[:i])
			r.buf = r.buf[i+1:]
			return line, nil
		}
		chunk := make([]byte, 4096)
		n, err := r.f.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return "", err
		}
		return "", io.EOF
	}
}
