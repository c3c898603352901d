package batch

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/taskqueue"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

func init() {
	register("taskqueue", func() (Queue, error) { return newTaskQueue(nil) })
}

// taskQueue hands jobs to a work-stealing task manager. Files are tagged
// input or output with caching and rename semantics; environment variables
// and resource hints are forwarded as-is.
type taskQueue struct {
	options

	logger  zerolog.Logger
	manager taskqueue.Manager

	// ownsManager is set when the queue created its embedded manager and
	// must close it.
	ownsManager bool
}

// newTaskQueue wraps the given manager, or starts an embedded pool when
// nil.
func newTaskQueue(m taskqueue.Manager) (Queue, error) {
	q := &taskQueue{logger: log.WithBackend("taskqueue")}
	if m == nil {
		workers := 0
		if v := os.Getenv("BURROW_TASKQUEUE_WORKERS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				workers = n
			}
		}
		pool, err := taskqueue.NewPool(".burrow-taskqueue", workers)
		if err != nil {
			return nil, fmt.Errorf("starting task manager: %w", err)
		}
		q.manager = pool
		q.ownsManager = true
	} else {
		q.manager = m
	}
	return q, nil
}

// NewTaskQueueWith wraps an externally managed task manager.
func NewTaskQueueWith(m taskqueue.Manager) (Queue, error) {
	return newTaskQueue(m)
}

func (q *taskQueue) Type() string   { return "taskqueue" }
func (q *taskQueue) FS() Filesystem { return hostFS{} }

func (q *taskQueue) Close() error {
	if q.ownsManager {
		return q.manager.Close()
	}
	return nil
}

func (q *taskQueue) Submit(cmd, inputs, outputs string, env map[string]string, res *types.Resources) (types.JobID, error) {
	caching := q.Option("caching") != "never"

	t := &taskqueue.Task{
		Command:  cmd,
		Env:      env,
		Resource: res.Clone(),
	}
	for _, f := range SplitFileList(inputs) {
		t.Inputs = append(t.Inputs, taskqueue.FileSpec{Outer: f.Outer, Inner: f.Inner, Cache: caching})
	}
	for _, f := range SplitFileList(outputs) {
		t.Outputs = append(t.Outputs, taskqueue.FileSpec{Outer: f.Outer, Inner: f.Inner})
	}

	id, err := q.manager.Submit(t)
	if err != nil {
		return 0, err
	}
	return types.JobID(id), nil
}

func (q *taskQueue) Wait(timeout time.Duration) (types.JobID, *types.JobInfo, error) {
	c := q.manager.Wait(timeout)
	if c == nil {
		return 0, nil, nil
	}

	// Echo captured stdout so errors from the remote side reach the user.
	if out := strings.TrimRight(c.Output, "\n"); out != "" {
		fmt.Println(out)
	}

	info := c.Info
	return types.JobID(c.TaskID), &info, nil
}

func (q *taskQueue) Remove(id types.JobID) bool {
	return q.manager.Cancel(int64(id))
}
