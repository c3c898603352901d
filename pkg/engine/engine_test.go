package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/batch"
	"github.com/cuemby/burrow/pkg/dag"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/parser"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

// inTempDir runs the test from a fresh directory, since workflows resolve
// files relative to the working directory.
func inTempDir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func parseWorkflow(t *testing.T, content string) *dag.Dag {
	t.Helper()
	require.NoError(t, os.WriteFile("wf.flow", []byte(content), 0644))
	d, err := parser.Parse("wf.flow")
	require.NoError(t, err)
	return d
}

func newTestEngine(t *testing.T, d *dag.Dag, cfg Config) *Engine {
	t.Helper()
	local, err := batch.Create("local")
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	remote, err := batch.Create("local")
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })

	if cfg.BackendType == "" {
		cfg.BackendType = "local"
	}
	e, err := New(d, local, remote, cfg)
	require.NoError(t, err)
	return e
}

func runToCompletion(t *testing.T, e *Engine) error {
	t.Helper()
	require.NoError(t, e.Check())
	require.NoError(t, e.Recover())
	return e.Run(context.Background())
}

// journalStats digests the journal: data-line count, max concurrent
// running jobs, and the per-node state sequence.
func journalStats(t *testing.T, path string) (records int, maxRunning int, transitions map[int][]types.NodeState) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	transitions = make(map[int][]types.NodeState)
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		require.Len(t, fields, 10, "journal line %q", line)
		records++

		nodeID, err := strconv.Atoi(fields[1])
		require.NoError(t, err)
		state, err := strconv.Atoi(fields[2])
		require.NoError(t, err)
		running, err := strconv.Atoi(fields[5])
		require.NoError(t, err)

		transitions[nodeID] = append(transitions[nodeID], types.NodeState(state))
		if running > maxRunning {
			maxRunning = running
		}
	}
	return records, maxRunning, transitions
}

func TestLinearWorkflow(t *testing.T) {
	inTempDir(t)

	d := parseWorkflow(t, `
a.out :
	echo a > a.out

b.out : a.out
	cat a.out > b.out

c.out : b.out
	cat b.out > c.out
`)

	e := newTestEngine(t, d, Config{LocalJobsMax: 1, RemoteJobsMax: 1})
	// Everything runs under the local cap.
	for _, n := range d.Nodes {
		n.Local = true
	}

	require.NoError(t, runToCompletion(t, e))
	assert.False(t, e.Failed())

	counts := d.StateCounts()
	assert.Equal(t, 0, counts[types.NodeStateWaiting])
	assert.Equal(t, 0, counts[types.NodeStateRunning])
	assert.Equal(t, 3, counts[types.NodeStateComplete])
	assert.Equal(t, 0, counts[types.NodeStateFailed])
	assert.Equal(t, 0, counts[types.NodeStateAborted])

	for _, f := range []string{"a.out", "b.out", "c.out"} {
		assert.FileExists(t, f)
	}

	// One submit and one complete record per node.
	records, maxRunning, transitions := journalStats(t, "wf.flow.journal")
	assert.Equal(t, 6, records)
	assert.Equal(t, 1, maxRunning)
	for id := 0; id < 3; id++ {
		assert.Equal(t,
			[]types.NodeState{types.NodeStateRunning, types.NodeStateComplete},
			transitions[id])
	}
}

func TestDiamondWorkflowRespectsCap(t *testing.T) {
	inTempDir(t)

	d := parseWorkflow(t, `
a.out :
	echo a > a.out

b.out : a.out
	cat a.out > b.out

c.out : a.out
	cat a.out > c.out

d.out : b.out c.out
	cat b.out c.out > d.out
`)
	for _, n := range d.Nodes {
		n.Local = true
	}

	e := newTestEngine(t, d, Config{LocalJobsMax: 2, RemoteJobsMax: 2})
	require.NoError(t, runToCompletion(t, e))

	counts := d.StateCounts()
	assert.Equal(t, 4, counts[types.NodeStateComplete])
	assert.FileExists(t, "d.out")

	_, maxRunning, _ := journalStats(t, "wf.flow.journal")
	assert.LessOrEqual(t, maxRunning, 2)
}

func TestTransientRetry(t *testing.T) {
	inTempDir(t)

	// Fails with the transient code on the first attempt, succeeds on the
	// second.
	d := parseWorkflow(t, `
t.out :
	if [ -f marker ]; then echo done > t.out; else touch marker; exit 101; fi
`)
	d.Nodes[0].Local = true

	e := newTestEngine(t, d, Config{LocalJobsMax: 1, RetryMax: 5})
	require.NoError(t, runToCompletion(t, e))
	assert.False(t, e.Failed())

	n := d.Nodes[0]
	assert.Equal(t, types.NodeStateComplete, n.State)
	assert.Equal(t, 1, n.FailureCount)

	_, _, transitions := journalStats(t, "wf.flow.journal")
	assert.Equal(t, []types.NodeState{
		types.NodeStateRunning,
		types.NodeStateFailed,
		types.NodeStateWaiting,
		types.NodeStateRunning,
		types.NodeStateComplete,
	}, transitions[0])
}

func TestMissingOutputIsFailure(t *testing.T) {
	inTempDir(t)

	d := parseWorkflow(t, `
never.out :
	true
`)
	d.Nodes[0].Local = true

	e := newTestEngine(t, d, Config{LocalJobsMax: 1})
	err := runToCompletion(t, e)
	require.Error(t, err)
	assert.True(t, e.Failed())
	assert.Equal(t, types.NodeStateFailed, d.Nodes[0].State)
}

func TestFailedBranchDoesNotStopIndependentWork(t *testing.T) {
	inTempDir(t)

	d := parseWorkflow(t, `
bad.out :
	exit 1

good.out :
	echo fine > good.out
`)
	for _, n := range d.Nodes {
		n.Local = true
	}

	e := newTestEngine(t, d, Config{LocalJobsMax: 2})
	err := runToCompletion(t, e)
	require.Error(t, err)

	assert.Equal(t, types.NodeStateFailed, d.Nodes[0].State)
	assert.Equal(t, types.NodeStateComplete, d.Nodes[1].State)
	assert.FileExists(t, "good.out")
}

func TestRerunIsNoOp(t *testing.T) {
	inTempDir(t)

	workflow := `
a.out :
	echo a > a.out

b.out : a.out
	cat a.out > b.out
`
	d := parseWorkflow(t, workflow)
	for _, n := range d.Nodes {
		n.Local = true
	}
	e := newTestEngine(t, d, Config{LocalJobsMax: 1})
	require.NoError(t, runToCompletion(t, e))
	records, _, _ := journalStats(t, "wf.flow.journal")

	// Wait out the mtime granularity so unchanged files read as older
	// than the journaled completion times.
	time.Sleep(1100 * time.Millisecond)

	d2, err := parser.Parse("wf.flow")
	require.NoError(t, err)
	for _, n := range d2.Nodes {
		n.Local = true
	}
	e2 := newTestEngine(t, d2, Config{LocalJobsMax: 1})
	require.NoError(t, runToCompletion(t, e2))

	counts := d2.StateCounts()
	assert.Equal(t, 2, counts[types.NodeStateComplete])

	// Nothing ran again.
	records2, _, _ := journalStats(t, "wf.flow.journal")
	assert.Equal(t, records, records2)
}

func TestRecoveryForcesRerunOnChangedInput(t *testing.T) {
	inTempDir(t)

	require.NoError(t, os.WriteFile("in.dat", []byte("v1"), 0644))
	workflow := `
mid.out : in.dat
	cat in.dat > mid.out

end.out : mid.out
	cat mid.out > end.out
`
	d := parseWorkflow(t, workflow)
	for _, n := range d.Nodes {
		n.Local = true
	}
	e := newTestEngine(t, d, Config{LocalJobsMax: 1})
	require.NoError(t, runToCompletion(t, e))

	// Touch the input into the future; both descendants must rerun.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes("in.dat", future, future))

	d2, err := parser.Parse("wf.flow")
	require.NoError(t, err)
	for _, n := range d2.Nodes {
		n.Local = true
	}
	e2 := newTestEngine(t, d2, Config{LocalJobsMax: 1})
	require.NoError(t, runToCompletion(t, e2))

	counts := d2.StateCounts()
	assert.Equal(t, 2, counts[types.NodeStateComplete])

	_, _, transitions := journalStats(t, "wf.flow.journal")
	// Each node shows a second Running/Complete pair after the forced
	// rerun (plus the Waiting reset recovery journals).
	assert.GreaterOrEqual(t, len(transitions[0]), 4)
	assert.GreaterOrEqual(t, len(transitions[1]), 4)
}

func TestJournalFidelityAfterRestart(t *testing.T) {
	inTempDir(t)

	d := parseWorkflow(t, `
a.out :
	echo a > a.out

b.out : a.out
	cat a.out > b.out
`)
	for _, n := range d.Nodes {
		n.Local = true
	}
	e := newTestEngine(t, d, Config{LocalJobsMax: 1})
	require.NoError(t, runToCompletion(t, e))
	before := d.StateCounts()

	// A fresh engine on the same journal sees the same distribution.
	d2, err := parser.Parse("wf.flow")
	require.NoError(t, err)
	replayed, err := replayJournal("wf.flow.journal", d2)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, before, d2.StateCounts())
}

func TestSubflow(t *testing.T) {
	inTempDir(t)

	require.NoError(t, os.WriteFile("sub.flow", []byte(`
inner.out :
	echo inner > inner.out
`), 0644))

	d := parseWorkflow(t, `
inner.out : sub.flow
	SUBFLOW sub.flow

final.out : inner.out
	cat inner.out > final.out
`)
	d.Nodes[1].Local = true

	e := newTestEngine(t, d, Config{LocalJobsMax: 2})
	require.NoError(t, runToCompletion(t, e))

	assert.FileExists(t, "inner.out")
	assert.FileExists(t, "final.out")
	assert.Equal(t, types.NodeStateComplete, d.Nodes[0].State)
	assert.Equal(t, types.NodeStateComplete, d.Nodes[1].State)

	// The nested workflow kept its own journal.
	assert.FileExists(t, "sub.flow.journal")
}

func TestJournalLockRejectsSecondEngine(t *testing.T) {
	inTempDir(t)

	d := parseWorkflow(t, "a.out :\n\techo a > a.out\n")
	e := newTestEngine(t, d, Config{LocalJobsMax: 1})
	require.NoError(t, e.Recover())
	defer e.close()

	d2, err := parser.Parse("wf.flow")
	require.NoError(t, err)
	e2 := newTestEngine(t, d2, Config{LocalJobsMax: 1})
	err = e2.Recover()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

// adoptingQueue is a scripted remote backend whose submissions survive an
// engine restart.
type adoptingQueue struct {
	mu          sync.Mutex
	options     map[string]string
	adopted     []types.JobID
	completions []completionRec
	submitted   types.JobID
}

type completionRec struct {
	id   types.JobID
	info *types.JobInfo
}

func newAdoptingQueue() *adoptingQueue {
	return &adoptingQueue{options: map[string]string{}}
}

func (q *adoptingQueue) Type() string { return "condor" }
func (q *adoptingQueue) SetOption(k, v string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.options[k] = v
}
func (q *adoptingQueue) Option(k string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.options[k]
}
func (q *adoptingQueue) SetLogfile(string) {}
func (q *adoptingQueue) Submit(cmd, in, out string, env map[string]string, res *types.Resources) (types.JobID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submitted++
	return q.submitted + 100, nil
}
func (q *adoptingQueue) Wait(timeout time.Duration) (types.JobID, *types.JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.completions) == 0 {
		return 0, nil, nil
	}
	c := q.completions[0]
	q.completions = q.completions[1:]
	return c.id, c.info, nil
}
func (q *adoptingQueue) Remove(types.JobID) bool { return true }
func (q *adoptingQueue) FS() batch.Filesystem    { return nil }
func (q *adoptingQueue) Close() error            { return nil }
func (q *adoptingQueue) Adopt(id types.JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.adopted = append(q.adopted, id)
}

func (q *adoptingQueue) completeAll(code int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := types.JobID(101); id <= q.submitted+100; id++ {
		q.completions = append(q.completions, completionRec{
			id:   id,
			info: &types.JobInfo{ExitedNormally: true, ExitCode: code, Finished: time.Now()},
		})
	}
}

func TestRecoveryReadoptsSurvivingJobs(t *testing.T) {
	inTempDir(t)

	// A linear workflow interrupted while b.out's job was running: the
	// journal says node 0 completed and node 1 is still out there.
	require.NoError(t, os.WriteFile("a.out", []byte("a\n"), 0644))
	d := parseWorkflow(t, `
a.out :
	echo a > a.out

b.out : a.out
	sh -c 'echo b > b.out'

c.out : b.out
	cat b.out > c.out
`)

	past := time.Now().Add(time.Hour).Unix()
	journal := fmt.Sprintf(
		"1 0 %d 0 2 1 0 0 0 3\n%d 0 %d 0 2 0 1 0 0 3\n%d 1 %d 77 1 1 1 0 0 3\n",
		int(types.NodeStateRunning), past, int(types.NodeStateComplete), past, int(types.NodeStateRunning))
	require.NoError(t, os.WriteFile("wf.flow.journal", []byte(journal), 0644))

	remote := newAdoptingQueue()
	local, err := batch.Create("local")
	require.NoError(t, err)
	defer local.Close()

	e, err := New(d, local, remote, Config{BackendType: "condor", LocalJobsMax: 1, RemoteJobsMax: 4})
	require.NoError(t, err)

	require.NoError(t, e.Check())
	require.NoError(t, e.Recover())

	assert.Equal(t, []types.JobID{77}, remote.adopted)
	assert.Equal(t, types.NodeStateComplete, d.Nodes[0].State)
	assert.Equal(t, types.NodeStateRunning, d.Nodes[1].State)
	assert.Equal(t, types.NodeStateWaiting, d.Nodes[2].State)

	// When the surviving job reports in, its output appears and the last
	// node dispatches and completes.
	require.NoError(t, os.WriteFile("b.out", []byte("b\n"), 0644))
	remote.mu.Lock()
	remote.completions = append(remote.completions, completionRec{
		id:   77,
		info: &types.JobInfo{ExitedNormally: true, ExitCode: 0, Finished: time.Now()},
	})
	remote.mu.Unlock()

	go func() {
		// The final node submits to the scripted backend; complete it once
		// it shows up.
		for i := 0; i < 100; i++ {
			time.Sleep(50 * time.Millisecond)
			remote.mu.Lock()
			n := remote.submitted
			remote.mu.Unlock()
			if n > 0 {
				require.NoError(t, os.WriteFile("c.out", []byte("c\n"), 0644))
				remote.completeAll(0)
				return
			}
		}
	}()

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, types.NodeStateComplete, d.Nodes[1].State)
	assert.Equal(t, types.NodeStateComplete, d.Nodes[2].State)
}
