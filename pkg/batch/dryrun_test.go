package batch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDryrunQueue(t *testing.T) *dryrunQueue {
	t.Helper()
	q := newDryrunQueue()
	q.SetLogfile(filepath.Join(t.TempDir(), "workflow.sh"))
	return q
}

func TestDryrunRecordsScript(t *testing.T) {
	q := testDryrunQueue(t)

	id, err := q.Submit("sort in.dat > out.dat", "in.dat", "out.dat",
		map[string]string{"MODE": "fast"}, nil)
	require.NoError(t, err)
	assert.Greater(t, int64(id), int64(0))

	data, err := os.ReadFile(q.Logfile())
	require.NoError(t, err)
	script := string(data)
	assert.Contains(t, script, "env 'MODE=fast' sh -c 'sort in.dat > out.dat'")
}

func TestDryrunWaitCompletesInOrder(t *testing.T) {
	q := testDryrunQueue(t)

	first, err := q.Submit("step one", "", "", nil, nil)
	require.NoError(t, err)
	second, err := q.Submit("step two", "", "", nil, nil)
	require.NoError(t, err)

	id, info, err := q.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, id)
	assert.True(t, info.ExitedNormally)
	assert.Zero(t, info.ExitCode)

	id, _, err = q.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, second, id)

	id, _, err = q.Wait(time.Second)
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestDryrunFilesystemShim(t *testing.T) {
	q := testDryrunQueue(t)
	fs := q.FS()

	require.NoError(t, fs.Chdir("/work"))
	cwd, err := fs.Getcwd()
	require.NoError(t, err)
	assert.Equal(t, "/work", cwd)

	require.NoError(t, fs.Mkdir("outdir", 0755, true))
	require.NoError(t, fs.PutFile("a.dat", "b.dat"))
	require.NoError(t, fs.Rename("b.dat", "c.dat"))
	require.NoError(t, fs.Unlink("c.dat"))

	st, err := fs.Stat("result.dat")
	require.NoError(t, err)
	assert.NotNil(t, st)

	data, err := os.ReadFile(q.Logfile())
	require.NoError(t, err)
	script := string(data)
	assert.Contains(t, script, "cd '/work'")
	assert.Contains(t, script, "mkdir -p")
	assert.Contains(t, script, "cp 'a.dat' 'b.dat'")
	assert.Contains(t, script, "mv 'b.dat' 'c.dat'")
	assert.Contains(t, script, "rm -r 'c.dat'")
	assert.Contains(t, script, "test -e 'result.dat'")
}
