package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/batch"
	"github.com/cuemby/burrow/pkg/dag"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/parser"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

const (
	// transientExitCode is the reserved "please retry" exit code; jobs that
	// exit with it are retried even when retries are otherwise disabled.
	transientExitCode = 101

	// waitTimeout bounds one completion poll on a queue.
	waitTimeout = 5 * time.Second

	// backoff bounds for rejected submissions.
	submitBackoffStart = time.Second
	submitBackoffMax   = 60 * time.Second

	// subflowIDBase keeps synthetic nested-workflow job ids clear of any
	// backend-assigned id.
	subflowIDBase = int64(1) << 40
)

// Config gathers the engine's tunables. It is constructed in main and
// threaded explicitly; the only process-wide state left is the signal flag.
type Config struct {
	BackendType string

	LocalJobsMax  int
	RemoteJobsMax int

	RetryEnabled bool
	RetryMax     int

	SubmitTimeout time.Duration

	// BatchOptions is extra flag text applied to every remote submission.
	BatchOptions string

	JournalPath  string
	BatchLogPath string

	PreserveSymlinks bool
}

// Engine drives one DAG to completion.
type Engine struct {
	cfg Config
	dag *dag.Dag

	local  batch.Queue
	remote batch.Queue

	journal *journal
	lock    *flock.Flock
	sandbox *sandbox

	localJobs  map[types.JobID]*dag.Node
	remoteJobs map[types.JobID]*dag.Node

	localRunning   int
	remoteRunning  int
	subflowRunning int

	subflowResults chan subflowResult
	nextSubflowID  int64

	abortFlag atomic.Bool
	failed    bool
	firstRun  bool

	broker *events.Broker
	logger zerolog.Logger
}

type subflowResult struct {
	jobID types.JobID
	info  *types.JobInfo
}

// New creates an engine over a parsed DAG and its two queues.
func New(d *dag.Dag, local, remote batch.Queue, cfg Config) (*Engine, error) {
	if cfg.LocalJobsMax <= 0 {
		cfg.LocalJobsMax = 1
	}
	if cfg.RemoteJobsMax <= 0 {
		cfg.RemoteJobsMax = 100
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = time.Hour
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 100
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = d.Filename + ".journal"
	}

	e := &Engine{
		cfg:            cfg,
		dag:            d,
		local:          local,
		remote:         remote,
		sandbox:        newSandbox(),
		localJobs:      make(map[types.JobID]*dag.Node),
		remoteJobs:     make(map[types.JobID]*dag.Node),
		subflowResults: make(chan subflowResult, 16),
		nextSubflowID:  subflowIDBase,
		logger:         log.WithComponent("engine"),
	}

	if cfg.BatchLogPath != "" {
		remote.SetLogfile(cfg.BatchLogPath)
	}
	if cfg.BatchOptions != "" {
		remote.SetOption("batch-options", cfg.BatchOptions)
	}

	if err := e.prepareSandbox(); err != nil {
		return nil, err
	}
	return e, nil
}

// SetBroker attaches an event broker the engine publishes transitions to.
func (e *Engine) SetBroker(b *events.Broker) { e.broker = b }

// Abort asks the engine to stop; safe to call from a signal handler
// goroutine. The running jobs are removed at the top of the next loop.
func (e *Engine) Abort() { e.abortFlag.Store(true) }

// Failed reports whether any branch of the workflow failed permanently.
func (e *Engine) Failed() bool { return e.failed }

// needsSymlinkSandbox reports whether the remote backend requires
// slash-free names resolved through working-directory symlinks.
func (e *Engine) needsSymlinkSandbox() bool {
	return e.remote != nil && e.remote.Type() == "condor"
}

// needsRenameSandbox reports whether the remote backend accepts
// outer=inner renames in its file lists instead.
func (e *Engine) needsRenameSandbox() bool {
	return e.remote != nil && e.remote.Type() == "taskqueue"
}

// prepareSandbox records filename translations for the remote backend and
// materialises symlinks where required.
func (e *Engine) prepareSandbox() error {
	symlinks := e.needsSymlinkSandbox()
	renames := e.needsRenameSandbox()
	if !symlinks && !renames {
		return nil
	}

	translate := func(name string) error {
		if symlinks && strings.ContainsRune(name, '/') {
			inner, created, err := e.sandbox.translate(name)
			if err != nil {
				return err
			}
			if created {
				e.logger.Info().Str("file", name).Str("link", inner).Msg("Creating sandbox symlink")
				if err := e.sandbox.materialize(name, inner); err != nil {
					return err
				}
			}
			if inner != "" {
				e.dag.SetInnerName(name, inner)
			}
			return nil
		}
		if renames && strings.HasPrefix(name, "/") {
			inner, _, err := e.sandbox.translate(name)
			if err != nil {
				return err
			}
			if inner != "" {
				e.dag.SetInnerName(name, inner)
			}
			return nil
		}
		return nil
	}

	for _, n := range e.dag.Nodes {
		if n.Local {
			continue
		}
		for _, s := range n.Sources {
			if err := translate(s); err != nil {
				return err
			}
		}
		for _, t := range n.Targets {
			if err := translate(t); err != nil {
				return err
			}
		}
		if symlinks {
			n.Command = e.rewriteCommand(n.Command)
		}
	}
	return nil
}

// rewriteCommand replaces command tokens naming translated files with
// their dot-slash inner names, so executables and arguments resolve inside
// the sandbox.
func (e *Engine) rewriteCommand(cmd string) string {
	fields := strings.Fields(cmd)
	for i, tok := range fields {
		prefix := ""
		name := tok
		if len(tok) > 1 && (tok[0] == '<' || tok[0] == '>') {
			prefix = tok[:1]
			name = tok[1:]
		}
		if e.sandbox.translated(name) {
			fields[i] = prefix + "./" + e.sandbox.inner(name)
		}
	}
	return strings.Join(fields, " ")
}

// Check verifies that every source file either already exists or will be
// produced by some node, seeding the completed-file set with what is
// already on disk.
func (e *Engine) Check() error {
	e.logger.Info().Msg("Checking rules for consistency")

	for _, n := range e.dag.Nodes {
		for _, s := range n.Sources {
			if e.dag.IsCompleted(s) {
				continue
			}
			if fileReadable(s) {
				e.dag.MarkCompleted(s)
				continue
			}
			if e.dag.Producer(s) != nil {
				continue
			}
			e.cleanupSymlinks(true)
			return fmt.Errorf("%s does not exist, and is not created by any rule", s)
		}
	}
	return nil
}

// CleanMode selects what Clean removes.
type CleanMode int

const (
	// CleanAll removes every target file.
	CleanAll CleanMode = iota
	// CleanIntermediates removes only targets that feed other rules.
	CleanIntermediates
)

// Clean removes target files and sandbox symlinks.
func (e *Engine) Clean(mode CleanMode) {
	for _, n := range e.dag.Nodes {
		for _, t := range n.Targets {
			if mode == CleanIntermediates && len(e.dag.Consumers(t)) == 0 {
				continue
			}
			e.removeFile(t, false)
			e.dag.ClearCompleted(t)
		}
	}
	e.cleanupSymlinks(false)
}

// nodeClean removes a node's targets so the node can run again.
func (e *Engine) nodeClean(n *dag.Node) {
	for _, t := range n.Targets {
		e.removeFile(t, false)
		// Clobber the original too when the target travels under an inner
		// sandbox name.
		if f, ok := e.dag.Files[t]; ok && f.InnerName != "" && f.InnerName != t {
			e.removeFile(f.InnerName, false)
		}
		e.dag.ClearCompleted(t)
	}
}

func (e *Engine) removeFile(name string, silent bool) {
	if name == "" {
		return
	}
	if err := os.Remove(name); err != nil {
		if !os.IsNotExist(err) && !silent {
			e.logger.Warn().Err(err).Str("file", name).Msg("Couldn't delete file")
		}
		return
	}
	if !silent {
		e.logger.Info().Str("file", name).Msg("Deleted file")
	}
}

// cleanupSymlinks removes the sandbox symlinks unless the user asked to
// preserve them.
func (e *Engine) cleanupSymlinks(silent bool) {
	if !e.needsSymlinkSandbox() {
		return
	}
	e.sandbox.cleanSymlinks(silent, func(name string) {
		e.logger.Info().Str("link", name).Msg("Removed sandbox symlink")
	})
}

// setState journals a node transition and publishes it.
func (e *Engine) setState(n *dag.Node, state types.NodeState) {
	e.logger.Debug().
		Int("node_id", n.ID).
		Str("from", n.State.String()).
		Str("to", state.String()).
		Msg("Node state change")

	e.dag.SetState(n, state)
	if e.journal != nil {
		if err := e.journal.append(n, e.dag); err != nil {
			e.logger.Error().Err(err).Msg("Journal write failed")
		}
	}
	e.updateStateMetrics()
	e.publish(n, state)
}

func (e *Engine) updateStateMetrics() {
	counts := e.dag.StateCounts()
	for s := types.NodeState(0); s < types.NodeStateMax; s++ {
		metrics.NodesTotal.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

func (e *Engine) publish(n *dag.Node, state types.NodeState) {
	if e.broker == nil {
		return
	}
	var et events.EventType
	switch state {
	case types.NodeStateWaiting:
		et = events.EventNodeWaiting
	case types.NodeStateRunning:
		et = events.EventNodeRunning
	case types.NodeStateComplete:
		et = events.EventNodeComplete
	case types.NodeStateFailed:
		et = events.EventNodeFailed
	case types.NodeStateAborted:
		et = events.EventNodeAborted
	default:
		return
	}
	e.broker.Publish(&events.Event{
		Type:    et,
		NodeID:  n.ID,
		JobID:   int64(n.JobID),
		Message: n.Command,
	})
}

// queueFor returns the queue a node's jobs are governed by.
func (e *Engine) queueFor(n *dag.Node) batch.Queue {
	if n.Local {
		return e.local
	}
	return e.remote
}

// ready implements the readiness rule: Waiting, every source produced, and
// headroom under the governing cap.
func (e *Engine) ready(n *dag.Node) bool {
	if n.State != types.NodeStateWaiting {
		return false
	}
	if n.Local {
		if e.localRunning >= e.cfg.LocalJobsMax {
			return false
		}
	} else {
		if e.remoteRunning >= e.cfg.RemoteJobsMax {
			return false
		}
	}
	for _, s := range n.Sources {
		if !e.dag.IsCompleted(s) {
			return false
		}
	}
	return true
}

// buildFileLists renders a node's sources and targets into the
// comma-delimited lists the batch layer takes, applying sandbox renames.
func (e *Engine) buildFileLists(n *dag.Node) (inputs, outputs string) {
	renames := e.needsRenameSandbox() && !n.Local
	symlinks := e.needsSymlinkSandbox() && !n.Local

	render := func(name string) string {
		if symlinks {
			return e.sandbox.inner(name)
		}
		inner := ""
		if f, ok := e.dag.Files[name]; ok && f.InnerName != "" && f.InnerName != name {
			inner = f.InnerName
		}
		if renames && inner == "" && e.sandbox.translated(name) {
			inner = e.sandbox.inner(name)
		}
		if inner != "" {
			return name + "=" + inner
		}
		return name
	}

	ins := make([]string, 0, len(n.Sources))
	for _, s := range n.Sources {
		ins = append(ins, render(s))
	}
	outs := make([]string, 0, len(n.Targets))
	for _, t := range n.Targets {
		outs = append(outs, render(t))
	}
	return strings.Join(ins, ","), strings.Join(outs, ",")
}

// jobEnv assembles the environment exported into one node's job.
func (e *Engine) jobEnv(n *dag.Node) map[string]string {
	env := make(map[string]string, len(n.Vars)+2)
	cat := e.dag.Categories[n.Category]
	if cat != nil {
		for k, v := range cat.Vars {
			env[k] = v
		}
	}
	for k, v := range n.Vars {
		env[k] = v
	}
	env["CATEGORY"] = n.Category
	return env
}

// resourcesFor returns the node's effective resource request.
func (e *Engine) resourcesFor(n *dag.Node) *types.Resources {
	if cat := e.dag.Categories[n.Category]; cat != nil {
		return cat.Resources
	}
	return nil
}

// submit hands one node to its queue, retrying rejected submissions with
// exponential backoff until the submit timeout elapses.
func (e *Engine) submit(ctx context.Context, n *dag.Node) {
	if n.Type == types.NodeTypeWorkflow {
		e.submitSubflow(ctx, n)
		return
	}

	q := e.queueFor(n)
	inputs, outputs := e.buildFileLists(n)

	e.logger.Info().Int("node_id", n.ID).Str("cmd", n.Command).Msg("Submitting job")

	stoptime := time.Now().Add(e.cfg.SubmitTimeout)
	backoff := submitBackoffStart

	var jobID types.JobID
	for {
		timer := metrics.NewTimer()
		id, err := q.Submit(n.Command, inputs, outputs, e.jobEnv(n), e.resourcesFor(n))
		timer.ObserveDuration(metrics.SubmitLatency)
		if err == nil {
			jobID = id
			break
		}

		metrics.SubmitFailures.Inc()
		e.logger.Warn().Err(err).Msg("Couldn't submit batch job, still trying")

		if time.Now().After(stoptime) {
			e.logger.Error().Dur("timeout", e.cfg.SubmitTimeout).Msg("Unable to submit job before the submit timeout")
			jobID = 0
			break
		}
		if e.abortFlag.Load() || ctx.Err() != nil {
			jobID = 0
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > submitBackoffMax {
			backoff = submitBackoffMax
		}
	}

	if jobID >= 1 {
		n.JobID = jobID
		e.setState(n, types.NodeStateRunning)
		if n.Local {
			e.localJobs[jobID] = n
			e.localRunning++
		} else {
			e.remoteJobs[jobID] = n
			e.remoteRunning++
		}
		metrics.JobsSubmitted.WithLabelValues(q.Type()).Inc()
	} else {
		e.setState(n, types.NodeStateFailed)
		e.failed = true
	}
}

// submitSubflow runs a nested workflow as a recursive engine with its own
// journal, tracked under a synthetic local job id.
func (e *Engine) submitSubflow(ctx context.Context, n *dag.Node) {
	e.nextSubflowID++
	jobID := types.JobID(e.nextSubflowID)

	n.JobID = jobID
	e.setState(n, types.NodeStateRunning)
	e.localJobs[jobID] = n
	e.localRunning++
	e.subflowRunning++

	subfile := n.SubFile
	e.logger.Info().Int("node_id", n.ID).Str("workflow", subfile).Msg("Starting nested workflow")

	go func() {
		info := &types.JobInfo{Submitted: time.Now(), Started: time.Now()}
		err := e.runSubflow(ctx, subfile)
		info.Finished = time.Now()
		info.ExitedNormally = true
		if err != nil {
			e.logger.Error().Err(err).Str("workflow", subfile).Msg("Nested workflow failed")
			info.ExitCode = 1
		}
		e.subflowResults <- subflowResult{jobID: jobID, info: info}
	}()
}

// runSubflow parses and runs one nested workflow to completion.
func (e *Engine) runSubflow(ctx context.Context, subfile string) error {
	d, err := parser.Parse(subfile)
	if err != nil {
		return err
	}

	local, err := batch.Create("local")
	if err != nil {
		return err
	}
	defer local.Close()

	remoteType := e.cfg.BackendType
	if remoteType == "" {
		remoteType = "local"
	}
	remote, err := batch.Create(remoteType)
	if err != nil {
		return err
	}
	defer remote.Close()

	cfg := e.cfg
	cfg.JournalPath = subfile + ".journal"
	cfg.BatchLogPath = ""

	sub, err := New(d, local, remote, cfg)
	if err != nil {
		return err
	}
	if err := sub.Check(); err != nil {
		return err
	}
	if err := sub.Recover(); err != nil {
		return err
	}
	if err := sub.Run(ctx); err != nil {
		return err
	}
	if sub.Failed() {
		return fmt.Errorf("nested workflow %s failed", subfile)
	}
	return nil
}

// dispatch sweeps the node list in parse order, submitting every ready
// node until both caps saturate.
func (e *Engine) dispatch(ctx context.Context) {
	for _, n := range e.dag.Nodes {
		if e.remoteRunning >= e.cfg.RemoteJobsMax && e.localRunning >= e.cfg.LocalJobsMax {
			break
		}
		if e.ready(n) {
			e.submit(ctx, n)
		}
	}
}

// complete applies the completion policy to one finished node.
func (e *Engine) complete(n *dag.Node, info *types.JobInfo) {
	if n.State != types.NodeStateRunning {
		return
	}

	if n.Local {
		e.localRunning--
	} else {
		e.remoteRunning--
	}

	jobFailed := false
	if info.ExitedNormally && info.ExitCode == 0 {
		for _, t := range n.Targets {
			if !fileReadable(t) {
				e.logger.Error().Str("cmd", n.Command).Str("file", t).Msg("Command did not create file")
				jobFailed = true
			}
		}
	} else {
		switch {
		case info.HeartbeatLost:
			e.logger.Error().Str("cmd", n.Command).Msg("Command stopped heartbeating and was declared lost")
		case info.ExitedNormally:
			e.logger.Error().Str("cmd", n.Command).Int("exit_code", info.ExitCode).Msg("Command failed")
		default:
			e.logger.Error().Str("cmd", n.Command).Int("signal", info.ExitSignal).Msg("Command crashed on a signal")
		}
		jobFailed = true
	}

	if jobFailed {
		metrics.JobsCompleted.WithLabelValues("failed").Inc()
		e.setState(n, types.NodeStateFailed)
		if e.cfg.RetryEnabled || (info.ExitedNormally && info.ExitCode == transientExitCode) {
			n.FailureCount++
			if n.FailureCount > e.cfg.RetryMax {
				e.logger.Error().Str("cmd", n.Command).Int("failures", n.FailureCount).Msg("Job failed too many times")
				e.failed = true
			} else {
				e.logger.Info().Str("cmd", n.Command).Msg("Will retry failed job")
				if e.broker != nil {
					e.broker.Publish(&events.Event{Type: events.EventJobRetried, NodeID: n.ID})
				}
				e.setState(n, types.NodeStateWaiting)
			}
		} else {
			e.failed = true
		}
		return
	}

	metrics.JobsCompleted.WithLabelValues("success").Inc()
	for _, t := range n.Targets {
		e.dag.MarkCompleted(t)
	}
	e.setState(n, types.NodeStateComplete)
}

// Run executes the main event loop until the DAG drains or an abort
// signal arrives.
func (e *Engine) Run(ctx context.Context) error {
	if e.journal == nil {
		if err := e.Recover(); err != nil {
			return err
		}
	}
	defer e.close()

	e.updateStateMetrics()

	for !e.abortFlag.Load() && ctx.Err() == nil {
		e.dispatch(ctx)

		if e.localRunning == 0 && e.remoteRunning == 0 {
			break
		}

		if e.remoteRunning > 0 {
			id, info, err := e.remote.Wait(waitTimeout)
			if err == nil && id > 0 {
				if n, ok := e.remoteJobs[id]; ok {
					delete(e.remoteJobs, id)
					e.complete(n, info)
				}
			}
		}

		if e.localRunning > 0 {
			timeout := waitTimeout
			if e.remoteRunning > 0 {
				timeout = 0
			}
			if e.localRunning > e.subflowRunning {
				id, info, err := e.local.Wait(timeout)
				if err == nil && id > 0 {
					if n, ok := e.localJobs[id]; ok {
						delete(e.localJobs, id)
						e.complete(n, info)
					}
				}
				e.drainSubflows(0)
			} else {
				// Only nested workflows outstanding on the local side.
				e.drainSubflows(timeout)
			}
		}
	}

	if e.abortFlag.Load() || ctx.Err() != nil {
		e.abortAll()
		if e.broker != nil {
			e.broker.Publish(&events.Event{Type: events.EventWorkflowAbort})
		}
		return fmt.Errorf("workflow was aborted")
	}

	if e.broker != nil {
		e.broker.Publish(&events.Event{Type: events.EventWorkflowDone})
	}
	if e.failed {
		return fmt.Errorf("workflow failed")
	}
	e.logger.Info().Msg("Nothing left to do")
	return nil
}

// drainSubflows folds finished nested workflows into the completion path,
// blocking up to the given timeout for the first result.
func (e *Engine) drainSubflows(timeout time.Duration) {
	apply := func(r subflowResult) {
		e.subflowRunning--
		if n, ok := e.localJobs[r.jobID]; ok {
			delete(e.localJobs, r.jobID)
			e.complete(n, r.info)
		}
	}

	if timeout > 0 && e.subflowRunning > 0 {
		timer := time.NewTimer(timeout)
		select {
		case r := <-e.subflowResults:
			apply(r)
		case <-timer.C:
		}
		timer.Stop()
	}

	for {
		select {
		case r := <-e.subflowResults:
			apply(r)
		default:
			return
		}
	}
}

// abortAll removes every outstanding job and marks its node Aborted.
func (e *Engine) abortAll() {
	e.logger.Warn().Msg("Got abort signal, removing running jobs")

	for id, n := range e.localJobs {
		e.logger.Info().Int64("job_id", int64(id)).Msg("Aborting local job")
		e.local.Remove(id)
		e.setState(n, types.NodeStateAborted)
		delete(e.localJobs, id)
		e.localRunning--
	}
	for id, n := range e.remoteJobs {
		e.logger.Info().Int64("job_id", int64(id)).Msg("Aborting remote job")
		e.remote.Remove(id)
		e.setState(n, types.NodeStateAborted)
		delete(e.remoteJobs, id)
		e.remoteRunning--
	}
}

// close releases the journal and its lock, and removes sandbox symlinks
// unless the user opted to keep them.
func (e *Engine) close() {
	if e.journal != nil {
		_ = e.journal.close()
		e.journal = nil
	}
	if e.lock != nil {
		_ = e.lock.Unlock()
		e.lock = nil
	}
	if !e.cfg.PreserveSymlinks {
		e.cleanupSymlinks(false)
	}
}

func fileReadable(name string) bool {
	f, err := os.Open(name)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
