package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/burrow/pkg/dag"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/gofrs/flock"
)

// adopter is implemented by queues whose submissions survive an engine
// restart; recovered running jobs are handed back to them.
type adopter interface {
	Adopt(id types.JobID)
}

// Recover replays the journal, re-adopts jobs that survive restarts,
// resets the rest, and decides which nodes must rerun from filesystem
// state. It then reopens the journal for appending. Safe to call once,
// before Run.
func (e *Engine) Recover() error {
	lock := flock.New(e.cfg.JournalPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking journal: %w", err)
	}
	if !locked {
		return fmt.Errorf("another engine is already running this workflow (journal %s is locked)", e.cfg.JournalPath)
	}
	e.lock = lock

	rerun, err := replayJournal(e.cfg.JournalPath, e.dag)
	if err != nil {
		// Leave outputs untouched for forensics, but clean our symlinks.
		e.cleanupSymlinks(true)
		return err
	}
	e.firstRun = !rerun

	j, err := openJournal(e.cfg.JournalPath)
	if err != nil {
		e.cleanupSymlinks(true)
		return err
	}
	e.journal = j

	if e.firstRun {
		if err := j.writeComments(e.dag); err != nil {
			return fmt.Errorf("writing journal header: %w", err)
		}
		return nil
	}

	// Jobs on backends that outlive the engine are picked back up;
	// everything else running, failed, or aborted starts over.
	adoptable, _ := e.remote.(adopter)
	for _, n := range e.dag.Nodes {
		switch {
		case n.State == types.NodeStateRunning && !n.Local && adoptable != nil:
			e.logger.Info().Str("cmd", n.Command).Msg("Rule still running")
			adoptable.Adopt(n.JobID)
			e.remoteJobs[n.JobID] = n
			e.remoteRunning++
		case n.State == types.NodeStateRunning || n.State == types.NodeStateFailed || n.State == types.NodeStateAborted:
			e.logger.Info().Str("cmd", n.Command).Msg("Will retry failed rule")
			e.nodeClean(n)
			e.setState(n, types.NodeStateWaiting)
		}
	}

	// Filesystem state may have moved underneath the journal.
	visited := make(map[int]bool)
	for _, n := range e.dag.Nodes {
		if err := e.decideRerun(visited, n); err != nil {
			return err
		}
	}
	return nil
}

// decideRerun forces a node to rerun when an input is newer than its last
// completion, an input vanished, or an output is missing or stale. Journal
// timestamps have whole-second resolution, so mtimes are compared at that
// resolution too.
func (e *Engine) decideRerun(visited map[int]bool, n *dag.Node) error {
	if visited[n.ID] {
		return nil
	}
	// A node still Running here was re-adopted; its outputs are expected
	// to be absent until the surviving job reports in.
	if n.State == types.NodeStateRunning {
		return nil
	}

	rerun := false
	for _, s := range n.Sources {
		st, err := os.Stat(s)
		if err != nil {
			if e.dag.Producer(s) == nil {
				return fmt.Errorf("input file %s does not exist and is not created by any rule", s)
			}
			rerun = true
			break
		}
		if st.ModTime().Truncate(time.Second).After(n.PrevCompletion) {
			rerun = true
			break
		}
	}
	if !rerun {
		for _, t := range n.Targets {
			st, err := os.Stat(t)
			if err != nil || st.ModTime().Truncate(time.Second).After(n.PrevCompletion) {
				rerun = true
				break
			}
		}
	}

	if rerun {
		e.forceRerun(visited, n)
	}
	return nil
}

// forceRerun resets a node and, transitively through its target files,
// every descendant. The visited set stops re-entrance.
func (e *Engine) forceRerun(visited map[int]bool, n *dag.Node) {
	if visited[n.ID] {
		return
	}
	visited[n.ID] = true

	if n.State == types.NodeStateRunning {
		if n.Local {
			e.local.Remove(n.JobID)
			if _, ok := e.localJobs[n.JobID]; ok {
				delete(e.localJobs, n.JobID)
				e.localRunning--
			}
		} else {
			e.remote.Remove(n.JobID)
			if _, ok := e.remoteJobs[n.JobID]; ok {
				delete(e.remoteJobs, n.JobID)
				e.remoteRunning--
			}
		}
	}

	e.nodeClean(n)
	e.setState(n, types.NodeStateWaiting)

	for _, t := range n.Targets {
		for _, child := range e.dag.Consumers(t) {
			e.forceRerun(visited, child)
		}
	}
}
