package taskqueue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func testPool(t *testing.T) (*Pool, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := NewPool(filepath.Join(dir, "tq"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, dir
}

// reap waits for one completion with a generous deadline.
func reap(t *testing.T, p *Pool) *Completion {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if c := p.Wait(time.Second); c != nil {
			return c
		}
	}
	t.Fatal("no completion before deadline")
	return nil
}

func TestPoolRunsTask(t *testing.T) {
	p, dir := testPool(t)

	out := filepath.Join(dir, "out.txt")
	id, err := p.Submit(&Task{
		Command: "echo finished > out.txt",
		Outputs: []FileSpec{{Outer: out, Inner: "out.txt"}},
	})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	c := reap(t, p)
	assert.Equal(t, id, c.TaskID)
	assert.True(t, c.Info.ExitedNormally)
	assert.Zero(t, c.Info.ExitCode)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "finished\n", string(data))
	assert.True(t, p.Empty())
}

func TestPoolStagesInputsUnderInnerNames(t *testing.T) {
	p, dir := testPool(t)

	in := filepath.Join(dir, "input-data.txt")
	require.NoError(t, os.WriteFile(in, []byte("payload"), 0644))
	out := filepath.Join(dir, "copy.txt")

	_, err := p.Submit(&Task{
		Command: "cp renamed.txt copy.txt",
		Inputs:  []FileSpec{{Outer: in, Inner: "renamed.txt", Cache: true}},
		Outputs: []FileSpec{{Outer: out, Inner: "copy.txt"}},
	})
	require.NoError(t, err)

	c := reap(t, p)
	assert.Zero(t, c.Info.ExitCode)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestPoolCapturesOutput(t *testing.T) {
	p, _ := testPool(t)

	_, err := p.Submit(&Task{Command: "echo oops >&2; exit 4"})
	require.NoError(t, err)

	c := reap(t, p)
	assert.True(t, c.Info.ExitedNormally)
	assert.Equal(t, 4, c.Info.ExitCode)
	assert.Contains(t, c.Output, "oops")
}

func TestPoolForwardsEnvironment(t *testing.T) {
	p, dir := testPool(t)

	out := filepath.Join(dir, "env.txt")
	_, err := p.Submit(&Task{
		Command: "echo $FLAVOR > env.txt",
		Env:     map[string]string{"FLAVOR": "crunchy"},
		Outputs: []FileSpec{{Outer: out, Inner: "env.txt"}},
	})
	require.NoError(t, err)

	c := reap(t, p)
	assert.Zero(t, c.Info.ExitCode)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "crunchy\n", string(data))
}

func TestPoolCancelQueuedTask(t *testing.T) {
	p, _ := testPool(t)

	// Two long sleepers occupy both executors so the third task queues.
	_, err := p.Submit(&Task{Command: "sleep 30"})
	require.NoError(t, err)
	_, err = p.Submit(&Task{Command: "sleep 30"})
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	queued, err := p.Submit(&Task{Command: "echo should-not-run"})
	require.NoError(t, err)
	assert.True(t, p.Cancel(queued))

	// Cancel the sleepers too so one executor frees up and surfaces the
	// queued task's synthetic completion.
	assert.True(t, p.Cancel(1))
	assert.True(t, p.Cancel(2))

	seen := map[int64]*Completion{}
	for i := 0; i < 3; i++ {
		c := reap(t, p)
		seen[c.TaskID] = c
	}

	require.Contains(t, seen, queued)
	assert.False(t, seen[queued].Info.ExitedNormally)
	assert.NotZero(t, seen[queued].Info.ExitSignal)
}

func TestPoolCancelUnknownTask(t *testing.T) {
	p, _ := testPool(t)
	assert.False(t, p.Cancel(12345))
}
