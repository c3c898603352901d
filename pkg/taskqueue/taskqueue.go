package taskqueue

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// FileSpec tags one file of a task.
type FileSpec struct {
	Outer string // name on the submission host
	Inner string // name inside the task sandbox
	Cache bool   // eligible for content-addressed reuse
}

// Task is one unit of work handed to a manager.
type Task struct {
	ID       int64
	Command  string
	Inputs   []FileSpec
	Outputs  []FileSpec
	Env      map[string]string
	Resource *types.Resources

	// Identity is the optional content hash of the task. The embedded Pool
	// does not read it; content-addressed staging is selected per input by
	// FileSpec.Cache.
	Identity string
}

// Completion is the record a manager produces for one finished task.
type Completion struct {
	TaskID int64
	Info   types.JobInfo

	// Output is the task's captured standard output, echoed by the batch
	// layer so remote errors reach the user.
	Output string
}

// Manager is the contract the distributed-queue backend consumes.
type Manager interface {
	// Submit enqueues a task and returns its id (>= 1).
	Submit(t *Task) (int64, error)

	// Wait blocks up to timeout for any task to complete; nil on timeout.
	Wait(timeout time.Duration) *Completion

	// Cancel withdraws a queued task or kills a running one. Cancelled
	// tasks still surface through Wait.
	Cancel(id int64) bool

	// Empty reports whether no tasks are queued or running.
	Empty() bool

	// Close shuts the manager down. Running tasks are cancelled.
	Close() error
}
