package hashcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "hashes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, dir
}

func TestHashFile(t *testing.T) {
	c, dir := testCache(t)

	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	h1, err := c.HashFile(path)
	require.NoError(t, err)
	// sha1("hello")
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", h1)

	// Unchanged file returns the cached hash.
	h2, err := c.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashFileInvalidatedOnChange(t *testing.T) {
	c, dir := testCache(t)

	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0644))
	h1, err := c.HashFile(path)
	require.NoError(t, err)

	// Rewrite with different content and a different mtime.
	require.NoError(t, os.WriteFile(path, []byte("two"), 0644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	h2, err := c.HashFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashFileMissing(t *testing.T) {
	c, dir := testCache(t)
	_, err := c.HashFile(filepath.Join(dir, "absent.txt"))
	assert.Error(t, err)
}

func TestForget(t *testing.T) {
	c, dir := testCache(t)

	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	_, err := c.HashFile(path)
	require.NoError(t, err)

	require.NoError(t, c.Forget(path))
	h, err := c.HashFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, h)
}

func TestTaskIdentity(t *testing.T) {
	c, dir := testCache(t)

	in := filepath.Join(dir, "in.dat")
	require.NoError(t, os.WriteFile(in, []byte("input"), 0644))

	id1, err := c.TaskIdentity("sort in.dat", []string{in}, []string{"out.dat"})
	require.NoError(t, err)

	// Same ingredients, same identity.
	id2, err := c.TaskIdentity("sort in.dat", []string{in}, []string{"out.dat"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// Different command, different identity.
	id3, err := c.TaskIdentity("sort -r in.dat", []string{in}, []string{"out.dat"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	// Different output names, different identity.
	id4, err := c.TaskIdentity("sort in.dat", []string{in}, []string{"other.dat"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id4)
}
