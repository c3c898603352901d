package taskqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/hashcache"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Pool is the embedded Manager: a fixed set of executor goroutines pulling
// tasks from a shared queue.
type Pool struct {
	workdir string
	cache   *hashcache.Cache
	logger  zerolog.Logger

	tasks       chan *Task
	completions chan *Completion

	mu        sync.Mutex
	nextID    int64
	queued    map[int64]*Task
	running   map[int64]context.CancelFunc
	cancelled map[int64]bool
	pending   int

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPool starts a pool with the given executor count (0 means one per
// CPU). workdir holds per-task sandboxes and the content-addressed store.
func NewPool(workdir string, executors int) (*Pool, error) {
	if executors <= 0 {
		executors = runtime.NumCPU()
	}
	if err := os.MkdirAll(filepath.Join(workdir, "cas"), 0755); err != nil {
		return nil, fmt.Errorf("creating task workdir: %w", err)
	}
	cache, err := hashcache.Open(filepath.Join(workdir, "hashes.db"))
	if err != nil {
		return nil, err
	}

	p := &Pool{
		workdir:     workdir,
		cache:       cache,
		logger:      log.WithComponent("taskqueue"),
		tasks:       make(chan *Task, 1024),
		completions: make(chan *Completion, 1024),
		queued:      make(map[int64]*Task),
		running:     make(map[int64]context.CancelFunc),
		cancelled:   make(map[int64]bool),
		done:        make(chan struct{}),
	}
	for i := 0; i < executors; i++ {
		p.wg.Add(1)
		go p.executor()
	}
	return p, nil
}

func (p *Pool) Submit(t *Task) (int64, error) {
	p.mu.Lock()
	p.nextID++
	t.ID = p.nextID
	p.queued[t.ID] = t
	p.pending++
	p.mu.Unlock()

	select {
	case p.tasks <- t:
		return t.ID, nil
	case <-p.done:
		return 0, fmt.Errorf("task manager is shut down")
	}
}

func (p *Pool) Wait(timeout time.Duration) *Completion {
	p.mu.Lock()
	pending := p.pending
	p.mu.Unlock()
	if pending == 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-p.completions:
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		return c
	case <-timer.C:
		return nil
	}
}

func (p *Pool) Cancel(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queued[id]; ok {
		p.cancelled[id] = true
		return true
	}
	if cancel, ok := p.running[id]; ok {
		cancel()
		return true
	}
	return false
}

func (p *Pool) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending == 0
}

func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		for _, cancel := range p.running {
			cancel()
		}
		p.mu.Unlock()
	})
	p.wg.Wait()
	return p.cache.Close()
}

// executor pulls tasks until shutdown.
func (p *Pool) executor() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			p.runTask(t)
		case <-p.done:
			return
		}
	}
}

func (p *Pool) runTask(t *Task) {
	p.mu.Lock()
	delete(p.queued, t.ID)
	if p.cancelled[t.ID] {
		delete(p.cancelled, t.ID)
		p.mu.Unlock()
		now := time.Now()
		p.completions <- &Completion{
			TaskID: t.ID,
			Info: types.JobInfo{
				Submitted:      now,
				Started:        now,
				Finished:       now,
				ExitedNormally: false,
				ExitSignal:     int(syscall.SIGKILL),
			},
		}
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running[t.ID] = cancel
	p.mu.Unlock()

	comp := p.execute(ctx, t)

	p.mu.Lock()
	delete(p.running, t.ID)
	p.mu.Unlock()
	cancel()

	p.completions <- comp
}

// execute runs one task inside its own sandbox directory.
func (p *Pool) execute(ctx context.Context, t *Task) *Completion {
	comp := &Completion{TaskID: t.ID}
	comp.Info.Submitted = time.Now()

	sandbox := filepath.Join(p.workdir, fmt.Sprintf("t.%d", t.ID))
	if err := os.MkdirAll(sandbox, 0755); err != nil {
		p.logger.Error().Err(err).Int64("task_id", t.ID).Msg("Could not create sandbox")
		comp.Info.Finished = time.Now()
		comp.Info.ExitedNormally = true
		comp.Info.ExitCode = 127
		return comp
	}
	defer os.RemoveAll(sandbox)

	for _, f := range t.Inputs {
		if err := p.stageIn(f, sandbox); err != nil {
			p.logger.Error().Err(err).Str("file", f.Outer).Int64("task_id", t.ID).Msg("Input staging failed")
			comp.Info.Finished = time.Now()
			comp.Info.ExitedNormally = true
			comp.Info.ExitCode = 127
			return comp
		}
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", t.Command)
	cmd.Dir = sandbox
	cmd.Env = os.Environ()
	for k, v := range t.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	comp.Info.Started = time.Now()
	err := cmd.Run()
	comp.Info.Finished = time.Now()
	comp.Output = output.String()

	if ctx.Err() != nil {
		comp.Info.ExitedNormally = false
		comp.Info.ExitSignal = int(syscall.SIGKILL)
		return comp
	}
	if ws, ok := exitStatus(cmd); ok && ws.Signaled() {
		comp.Info.ExitedNormally = false
		comp.Info.ExitSignal = int(ws.Signal())
		return comp
	}
	comp.Info.ExitedNormally = true
	if err != nil {
		if cmd.ProcessState != nil {
			comp.Info.ExitCode = cmd.ProcessState.ExitCode()
		} else {
			comp.Info.ExitCode = 127
		}
	}

	if comp.Info.ExitCode == 0 {
		for _, f := range t.Outputs {
			if err := moveFile(filepath.Join(sandbox, f.Inner), f.Outer); err != nil {
				p.logger.Debug().Err(err).Str("file", f.Outer).Int64("task_id", t.ID).Msg("Output retrieval failed")
			}
		}
	}
	return comp
}

// stageIn places one input in the sandbox under its inner name. Cached
// files go through the content-addressed store so identical inputs shared
// by many tasks are materialised once and hard-linked thereafter.
func (p *Pool) stageIn(f FileSpec, sandbox string) error {
	dst := filepath.Join(sandbox, f.Inner)
	if dir := filepath.Dir(dst); dir != sandbox {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	if f.Cache {
		hash, err := p.cache.HashFile(f.Outer)
		if err != nil {
			return err
		}
		cas := filepath.Join(p.workdir, "cas", hash)
		if _, err := os.Stat(cas); err != nil {
			if err := copyFile(f.Outer, cas); err != nil {
				return err
			}
		}
		if err := os.Link(cas, dst); err == nil {
			return nil
		}
		// Cross-device or similar; fall through to a plain copy.
	}
	return copyFile(f.Outer, dst)
}

func exitStatus(cmd *exec.Cmd) (syscall.WaitStatus, bool) {
	if cmd.ProcessState == nil {
		return 0, false
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	return ws, ok
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, st.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
