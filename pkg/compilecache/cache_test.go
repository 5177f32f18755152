package compilecache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "ab34567890abcdef34567890abcdef34567890abcdef34567890abcdef345678"

func writeBinary(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "binary-src")
	require.NoError(t, os.WriteFile(path, []byte(content), 0755))
	return path
}

func TestPutGet_RoundTrip(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	src := writeBinary(t, t.TempDir(), "fake binary bytes")
	sum, err := FileChecksum(src)
	require.NoError(t, err)

	require.NoError(t, c.Put(testKey, src, sum, "x86_64-unknown-linux-gnu"))

	path, ok := c.Get(testKey)
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fake binary bytes", string(data))

	meta, ok := c.GetMeta(testKey)
	require.True(t, ok)
	assert.Equal(t, sum, meta.Checksum)
	assert.Equal(t, "x86_64-unknown-linux-gnu", meta.TargetTriple)
	assert.Equal(t, int64(len("fake binary bytes")), meta.Size)
}

func TestGet_MissingKeyIsMiss(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)
	_, ok := c.Get(testKey)
	assert.False(t, ok)
}

func TestGet_CorruptedBinaryIsMiss(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	src := writeBinary(t, t.TempDir(), "original")
	sum, err := FileChecksum(src)
	require.NoError(t, err)
	require.NoError(t, c.Put(testKey, src, sum, "x86_64-unknown-linux-gnu"))

	// Tamper with the stored binary behind the cache's back.
	require.NoError(t, os.WriteFile(c.BinaryPath(testKey), []byte("tampered"), 0755))

	_, ok := c.Get(testKey)
	assert.False(t, ok)
}

func TestGet_CorruptedMetaIsMiss(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	src := writeBinary(t, t.TempDir(), "original")
	sum, err := FileChecksum(src)
	require.NoError(t, err)
	require.NoError(t, c.Put(testKey, src, sum, "x86_64-unknown-linux-gnu"))

	require.NoError(t, os.WriteFile(c.metaPath(testKey), []byte("not json"), 0644))

	_, ok := c.Get(testKey)
	assert.False(t, ok)
}

func TestPut_LayoutUsesKeyPrefix(t *testing.T) {
	root := t.TempDir()
	c, err := New(root)
	require.NoError(t, err)

	src := writeBinary(t, t.TempDir(), "bytes")
	sum, err := FileChecksum(src)
	require.NoError(t, err)
	require.NoError(t, c.Put(testKey, src, sum, "x86_64-unknown-linux-gnu"))

	expected := filepath.Join(root, testKey[:2], testKey[2:], "binary")
	_, statErr := os.Stat(expected)
	assert.NoError(t, statErr)
}

func TestPut_ConcurrentSameKeyLastWriteWins(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	dir := t.TempDir()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			content := "binary-variant"
			path := filepath.Join(dir, "src-"+string(rune('a'+n)))
			if err := os.WriteFile(path, []byte(content), 0755); err != nil {
				t.Error(err)
				return
			}
			sum, err := FileChecksum(path)
			if err != nil {
				t.Error(err)
				return
			}
			if err := c.Put(testKey, path, sum, "x86_64-unknown-linux-gnu"); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	path, ok := c.Get(testKey)
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "binary-variant", string(data))
}

func TestKeys(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	src := writeBinary(t, t.TempDir(), "bytes")
	sum, err := FileChecksum(src)
	require.NoError(t, err)
	require.NoError(t, c.Put(testKey, src, sum, "x86_64-unknown-linux-gnu"))

	keys, err := c.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{testKey}, keys)
}
