package batch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

// waitFor polls the queue until a completion arrives or the deadline
// passes.
func waitFor(t *testing.T, q Queue, deadline time.Duration) (int64, bool, int) {
	t.Helper()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		id, info, err := q.Wait(time.Second)
		require.NoError(t, err)
		if id > 0 {
			return int64(id), info.ExitedNormally, info.ExitCode
		}
	}
	t.Fatal("no completion before deadline")
	return 0, false, 0
}

func TestLocalSubmitAndWait(t *testing.T) {
	q := newLocalQueue()
	defer q.Close()

	out := filepath.Join(t.TempDir(), "out.txt")
	id, err := q.Submit("echo hello > "+out, "", out, nil, nil)
	require.NoError(t, err)
	assert.Greater(t, int64(id), int64(0))

	doneID, normal, code := waitFor(t, q, 30*time.Second)
	assert.Equal(t, int64(id), doneID)
	assert.True(t, normal)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestLocalNonZeroExit(t *testing.T) {
	q := newLocalQueue()
	defer q.Close()

	_, err := q.Submit("exit 7", "", "", nil, nil)
	require.NoError(t, err)

	_, normal, code := waitFor(t, q, 30*time.Second)
	assert.True(t, normal)
	assert.Equal(t, 7, code)
}

func TestLocalEnvironmentForwarded(t *testing.T) {
	q := newLocalQueue()
	defer q.Close()

	out := filepath.Join(t.TempDir(), "env.txt")
	_, err := q.Submit("echo $GREETING > "+out, "", out, map[string]string{"GREETING": "hi"}, nil)
	require.NoError(t, err)

	_, normal, code := waitFor(t, q, 30*time.Second)
	assert.True(t, normal)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestLocalRemoveSurfacesCompletion(t *testing.T) {
	q := newLocalQueue()
	defer q.Close()

	id, err := q.Submit("sleep 60", "", "", nil, nil)
	require.NoError(t, err)

	assert.True(t, q.Remove(id))
	assert.False(t, q.Remove(types.JobID(999999999)))

	doneID, info, err := q.Wait(30 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, doneID)
	assert.False(t, info.ExitedNormally)
	assert.NotZero(t, info.ExitSignal)
}

func TestLocalWaitEmptyQueue(t *testing.T) {
	q := newLocalQueue()
	defer q.Close()

	id, info, err := q.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Nil(t, info)
}
