package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistentJSONDictMissingFileReadsEmpty(t *testing.T) {
	d := MakePersistentJSONDict(filepath.Join(t.TempDir(), "stats.txt"))
	_, exists := d.Get("CacheHits")
	assert.False(t, exists)
}

func TestPersistentJSONDictBrokenFileReadsEmpty(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "stats.txt")
	require.NoError(t, os.WriteFile(fileName, []byte("{ not json"), 0666))

	d := MakePersistentJSONDict(fileName)
	_, exists := d.Get("CacheHits")
	assert.False(t, exists)
}

func TestPersistentJSONDictRoundTrip(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "stats.txt")

	d := MakePersistentJSONDict(fileName)
	d.Set("CacheHits", 17)
	d.Set("CacheSize", 12345)
	require.NoError(t, d.Save())

	reloaded := MakePersistentJSONDict(fileName)
	assert.Equal(t, int64(17), reloaded.GetOrZero("CacheHits"))
	assert.Equal(t, int64(12345), reloaded.GetOrZero("CacheSize"))
}

func TestPersistentJSONDictSaveSkippedWhenClean(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "config.txt")

	d := MakePersistentJSONDict(fileName)
	require.NoError(t, d.Save())
	_, err := os.Stat(fileName)
	assert.True(t, os.IsNotExist(err), "a clean document must not be written")

	d.Set("MaximumCacheSize", 1)
	require.NoError(t, d.Save())
	_, err = os.Stat(fileName)
	assert.NoError(t, err)

	// reads do not set the dirty flag
	before, err := os.ReadFile(fileName)
	require.NoError(t, err)
	reloaded := MakePersistentJSONDict(fileName)
	_ = reloaded.GetOrZero("MaximumCacheSize")
	require.NoError(t, reloaded.Save())
	after, err := os.ReadFile(fileName)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
