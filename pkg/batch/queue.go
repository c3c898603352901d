package batch

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// ErrInterrupted is returned by Wait when the call was cut short by a
// signal or shutdown rather than a timeout.
var ErrInterrupted = errors.New("wait interrupted")

// Queue is the uniform contract over execution backends.
type Queue interface {
	// Type returns the registry tag this queue was created under.
	Type() string

	// SetOption sets a free-form string option interpreted by the backend.
	// An empty value clears the option.
	SetOption(key, value string)

	// Option returns the current value of an option, or "".
	Option(key string) string

	// SetLogfile names the persistent event log for backends that need one.
	SetLogfile(path string)

	// Submit hands one job to the backend and returns its id (>= 1).
	// inputs and outputs are comma-delimited lists; each item is either a
	// single name or outer=inner. env is exported into the job environment.
	// A nil resources request means no constraints.
	Submit(cmd, inputs, outputs string, env map[string]string, res *types.Resources) (types.JobID, error)

	// Wait blocks up to timeout for any job to complete. It returns
	// (0, nil, nil) when no completion is available, which covers both an
	// expired timeout and an empty queue, and ErrInterrupted when cut short.
	Wait(timeout time.Duration) (types.JobID, *types.JobInfo, error)

	// Remove requests cancellation of a job. The cancellation eventually
	// surfaces as a completion through Wait. Returns false for unknown ids.
	Remove(id types.JobID) bool

	// FS returns the filesystem shim addressing this backend's namespace.
	FS() Filesystem

	// Close releases backend state. It does not cancel running jobs.
	Close() error
}

type constructor func() (Queue, error)

var (
	registryMu sync.Mutex
	registry   = map[string]constructor{}
)

func register(tag string, fn constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[tag] = fn
}

// Create allocates a queue of the given type. Unknown tags, disabled
// variants, and backends that fail their runtime probe all return an error.
func Create(tag string) (Queue, error) {
	if v := os.Getenv("BURROW_WITH_" + strings.ToUpper(tag)); v == "no" || v == "false" {
		return nil, fmt.Errorf("backend %q is disabled by BURROW_WITH_%s", tag, strings.ToUpper(tag))
	}
	registryMu.Lock()
	fn, ok := registry[tag]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend type %q (known: %s)", tag, strings.Join(Types(), " "))
	}
	return fn()
}

// Types returns the registered backend tags, sorted.
func Types() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// options is the shared option-map implementation embedded by variants.
type options struct {
	mu      sync.Mutex
	values  map[string]string
	logfile string
}

func (o *options) SetOption(key, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.values == nil {
		o.values = make(map[string]string)
	}
	if value == "" {
		delete(o.values, key)
		return
	}
	o.values[key] = value
}

func (o *options) Option(key string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.values[key]
}

func (o *options) SetLogfile(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logfile = path
}

func (o *options) Logfile() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.logfile
}

// optionIsYes reports whether an option is set to an affirmative value.
func (o *options) optionIsYes(key string) bool {
	switch strings.ToLower(o.Option(key)) {
	case "yes", "true", "on", "1":
		return true
	}
	return false
}

// FilePair is one entry of a comma-delimited file list.
type FilePair struct {
	Outer string // name on the submission host
	Inner string // name inside the sandbox; equals Outer without a rename
}

// SplitFileList parses a comma-delimited file list with optional
// outer=inner renames. Empty items are dropped.
func SplitFileList(list string) []FilePair {
	var out []FilePair
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if eq := strings.IndexByte(item, '='); eq >= 0 {
			out = append(out, FilePair{Outer: item[:eq], Inner: item[eq+1:]})
		} else {
			out = append(out, FilePair{Outer: item, Inner: item})
		}
	}
	return out
}

// envSlice flattens an environment map into KEY=VALUE strings appended to
// the current process environment, so a full environment reaches the job.
func envSlice(env map[string]string) []string {
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// completion carries one finished job from a backend goroutine to Wait.
type completion struct {
	id   types.JobID
	info *types.JobInfo
}

// waitChan implements the common Wait pattern for variants whose jobs
// finish on their own goroutines and post to a channel.
type waitChan struct {
	ch chan completion

	mu      sync.Mutex
	pending int
}

func newWaitChan() *waitChan {
	return &waitChan{ch: make(chan completion, 64)}
}

func (w *waitChan) add() {
	w.mu.Lock()
	w.pending++
	w.mu.Unlock()
}

func (w *waitChan) post(id types.JobID, info *types.JobInfo) {
	w.ch <- completion{id: id, info: info}
}

func (w *waitChan) wait(timeout time.Duration) (types.JobID, *types.JobInfo, error) {
	w.mu.Lock()
	pending := w.pending
	w.mu.Unlock()

	if pending == 0 {
		// Nothing outstanding; drain without blocking in case a completion
		// raced with the counter.
		select {
		case c := <-w.ch:
			return c.id, c.info, nil
		default:
			return 0, nil, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-w.ch:
		w.mu.Lock()
		w.pending--
		w.mu.Unlock()
		return c.id, c.info, nil
	case <-timer.C:
		return 0, nil, nil
	}
}
