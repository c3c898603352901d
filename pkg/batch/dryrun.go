package batch

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

func init() {
	register("dryrun", func() (Queue, error) { return newDryrunQueue(), nil })
}

// dryrunQueue never executes anything; it appends to its logfile a shell
// script reconstructing the sequence of actions it would have taken.
// Filesystem operations are recorded the same way, so the finished log can
// be replayed by hand.
type dryrunQueue struct {
	options

	logger zerolog.Logger

	mu     sync.Mutex
	jobs   []types.JobID
	infos  map[types.JobID]*types.JobInfo
	nextID types.JobID
	cwd    string
}

func newDryrunQueue() *dryrunQueue {
	cwd, _ := os.Getwd()
	q := &dryrunQueue{
		logger: log.WithBackend("dryrun"),
		infos:  make(map[types.JobID]*types.JobInfo),
		cwd:    cwd,
	}
	return q
}

func (q *dryrunQueue) Type() string   { return "dryrun" }
func (q *dryrunQueue) FS() Filesystem { return q }
func (q *dryrunQueue) Close() error   { return nil }

// appendLog writes one line to the reconstruction script.
func (q *dryrunQueue) appendLog(line string) error {
	f, err := os.OpenFile(q.Logfile(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, line)
	return err
}

func (q *dryrunQueue) Submit(cmd, inputs, outputs string, env map[string]string, res *types.Resources) (types.JobID, error) {
	var b strings.Builder
	if len(env) > 0 {
		b.WriteString("env ")
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(shellQuote(k + "=" + env[k]))
			b.WriteString(" ")
		}
	}
	b.WriteString("sh -c ")
	b.WriteString(shellQuote(cmd))

	if err := q.appendLog(b.String()); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := q.nextID
	now := time.Now()
	q.jobs = append(q.jobs, id)
	q.infos[id] = &types.JobInfo{Submitted: now, Started: now}
	q.logger.Debug().Int64("job_id", int64(id)).Str("cmd", cmd).Msg("Recorded dry run of job")
	return id, nil
}

// Wait declares the oldest recorded job complete with exit code zero.
func (q *dryrunQueue) Wait(timeout time.Duration) (types.JobID, *types.JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return 0, nil, nil
	}
	id := q.jobs[0]
	q.jobs = q.jobs[1:]
	info := q.infos[id]
	delete(q.infos, id)
	info.Finished = time.Now()
	info.ExitedNormally = true
	info.ExitCode = 0
	return id, info, nil
}

func (q *dryrunQueue) Remove(id types.JobID) bool { return false }

// The filesystem shim records equivalent shell commands instead of
// touching the filesystem.

func (q *dryrunQueue) Chdir(path string) error {
	q.mu.Lock()
	q.cwd = path
	q.mu.Unlock()
	return q.appendLog("cd " + shellQuote(path))
}

func (q *dryrunQueue) Getcwd() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cwd, nil
}

func (q *dryrunQueue) Mkdir(path string, mode os.FileMode, recursive bool) error {
	flag := ""
	if recursive {
		flag = "-p "
	}
	return q.appendLog(fmt.Sprintf("mkdir %s-m %o %s", flag, mode.Perm(), shellQuote(path)))
}

func (q *dryrunQueue) PutFile(local, remote string) error {
	return q.appendLog(fmt.Sprintf("cp %s %s", shellQuote(local), shellQuote(remote)))
}

func (q *dryrunQueue) Rename(oldpath, newpath string) error {
	return q.appendLog(fmt.Sprintf("mv %s %s", shellQuote(oldpath), shellQuote(newpath)))
}

// Stat records a presence test. Jobs are only stat'ed after their outputs
// should exist, so the test doubles as a sanity check in the replayed
// script. A fabricated result satisfies callers that only check existence.
func (q *dryrunQueue) Stat(path string) (os.FileInfo, error) {
	if err := q.appendLog("test -e " + shellQuote(path)); err != nil {
		return nil, err
	}
	return fakeFileInfo{name: path}, nil
}

func (q *dryrunQueue) Unlink(path string) error {
	return q.appendLog("rm -r " + shellQuote(path))
}

// fakeFileInfo stands in for files the dry run pretends exist.
type fakeFileInfo struct {
	name string
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return 1 }
func (f fakeFileInfo) Mode() os.FileMode  { return 0644 }
func (f fakeFileInfo) ModTime() time.Time { return time.Now() }
func (f fakeFileInfo) IsDir() bool        { return false }
func (f fakeFileInfo) Sys() any           { return nil }
