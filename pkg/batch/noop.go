package batch

import (
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

func init() {
	register("noop", func() (Queue, error) { return newNoopQueue(), nil })
}

// noopQueue accepts every submission and completes it instantly with exit
// code zero; a job removed before Wait reports it completes as killed by
// SIGKILL instead. It exists for tests and for exercising scheduling behaviour
// without running anything.
type noopQueue struct {
	options
	hostFS

	mu     sync.Mutex
	jobs   []types.JobID
	infos  map[types.JobID]*types.JobInfo
	nextID types.JobID
}

func newNoopQueue() *noopQueue {
	return &noopQueue{infos: make(map[types.JobID]*types.JobInfo)}
}

func (q *noopQueue) Type() string   { return "noop" }
func (q *noopQueue) FS() Filesystem { return q }
func (q *noopQueue) Close() error   { return nil }

func (q *noopQueue) Submit(cmd, inputs, outputs string, env map[string]string, res *types.Resources) (types.JobID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := q.nextID
	now := time.Now()
	q.jobs = append(q.jobs, id)
	q.infos[id] = &types.JobInfo{Submitted: now, Started: now}
	return id, nil
}

func (q *noopQueue) Wait(timeout time.Duration) (types.JobID, *types.JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return 0, nil, nil
	}
	id := q.jobs[0]
	q.jobs = q.jobs[1:]
	info := q.infos[id]
	delete(q.infos, id)
	if info.Finished.IsZero() {
		info.Finished = time.Now()
		info.ExitedNormally = true
	}
	return id, info, nil
}

func (q *noopQueue) Remove(id types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j == id {
			// The job stays queued so Wait reports it as killed.
			info := q.infos[id]
			info.Finished = time.Now()
			info.ExitSignal = int(syscall.SIGKILL)
			return true
		}
	}
	return false
}
