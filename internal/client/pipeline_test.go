package client

import (
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Artalus/clcache/internal/cache"
	"github.com/Artalus/clcache/internal/hashsrv"
)

// The pipeline tests drive the full direct-mode state machine against a stub
// compiler: a shell script that understands just enough of the cl.exe calling
// convention (/c, /Fo, /showIncludes) to compile by concatenation. An
// argument naming an existing file is the source; any other /-argument is a
// switch.
const stubCompilerScript = `#!/bin/sh
obj=""
src=""
show=0
for a in "$@"; do
  case "$a" in
    /showIncludes) show=1 ;;
    /Fo*) obj="${a#/Fo}" ;;
    /*) if [ -f "$a" ]; then src="$a"; fi ;;
    *) src="$a" ;;
  esac
done
case "$obj" in
  */) obj="$obj$(basename "${src%.*}").obj" ;;
esac
if [ -z "$obj" ]; then
  obj="$(basename "${src%.*}").obj"
fi
if [ ! -f "$src" ]; then
  echo "$src: cannot open source file" >&2
  exit 2
fi
if [ -n "$STUB_INCLUDE" ]; then
  if [ ! -f "$STUB_INCLUDE" ]; then
    echo "$src: fatal error: cannot open include file" >&2
    exit 2
  fi
  if [ "$show" = "1" ]; then
    echo "Note: including file:  $STUB_INCLUDE"
  fi
  cat "$src" "$STUB_INCLUDE" > "$obj"
else
  cat "$src" > "$obj"
fi
echo "$(basename "$src")"
exit 0
`

type pipelineEnv struct {
	root     string
	compiler string
	cache    *cache.Cache
}

// setupPipeline builds a lowercase working directory (the canonical-case
// pipeline lower-cases paths, and the test filesystem is case-sensitive),
// the stub compiler, and a fresh cache.
func setupPipeline(t *testing.T) *pipelineEnv {
	t.Helper()
	root, err := os.MkdirTemp("", "clcache-e2e-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(root) })

	compiler := filepath.Join(root, "cl-stub.exe")
	require.NoError(t, os.WriteFile(compiler, []byte(stubCompilerScript), 0755))

	t.Setenv("CLCACHE_DIR", filepath.Join(root, "cache"))
	t.Setenv("CLCACHE_BASEDIR", "")
	t.Setenv("CLCACHE_NODIRECT", "")
	t.Setenv("CLCACHE_HARDLINK", "")
	t.Setenv("CLCACHE_COMPRESS", "")
	t.Setenv("CLCACHE_SERVER", "")
	t.Setenv("CLCACHE_SINGLEFILE", "")
	t.Setenv("CL", "")
	t.Setenv("_CL_", "")
	t.Setenv("STUB_INCLUDE", "")

	c, err := cache.MakeCache("")
	require.NoError(t, err)
	return &pipelineEnv{root: root, compiler: compiler, cache: c}
}

func (env *pipelineEnv) writeFile(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(env.root, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0666))
	return path
}

func (env *pipelineEnv) compile(t *testing.T, args ...string) int {
	t.Helper()
	rc, err := ProcessCompileRequest(env.cache, env.compiler, args)
	require.NoError(t, err)
	return rc
}

type statsSnapshot struct {
	hits    int64
	misses  int64
	entries int64
}

func snapshotStats(t *testing.T, c *cache.Cache) statsSnapshot {
	t.Helper()
	var snap statsSnapshot
	require.NoError(t, c.Statistics().Update(func(stats *cache.Statistics) {
		snap.hits = stats.NumCacheHits()
		snap.misses = stats.NumCacheMisses()
		snap.entries = stats.NumCacheEntries()
	}))
	return snap
}

// ageCachedObjects pushes the access time of every cached object into the
// past, making subsequent insertions strictly newer for eviction ordering.
func ageCachedObjects(t *testing.T, env *pipelineEnv) {
	t.Helper()
	past := time.Now().Add(-time.Hour)
	objectsRoot := filepath.Join(env.root, "cache", "objects")
	err := filepath.WalkDir(objectsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == "object" {
			return os.Chtimes(path, past, past)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestColdThenWarmDirectHit(t *testing.T) {
	env := setupPipeline(t)

	source := env.writeFile(t, "hit.cpp", "int main() {}\n")
	object := filepath.Join(env.root, "hit.obj")

	require.Equal(t, 0, env.compile(t, "/c", "/Fo"+object, source))
	assert.Equal(t, statsSnapshot{hits: 0, misses: 1, entries: 1}, snapshotStats(t, env.cache))

	firstObject, err := os.ReadFile(object)
	require.NoError(t, err)

	require.NoError(t, os.Remove(object))
	require.Equal(t, 0, env.compile(t, "/c", "/Fo"+object, source))
	assert.Equal(t, statsSnapshot{hits: 1, misses: 1, entries: 1}, snapshotStats(t, env.cache))

	secondObject, err := os.ReadFile(object)
	require.NoError(t, err)
	assert.Equal(t, firstObject, secondObject, "cached object must match the compiled one byte for byte")
}

func TestAlternatingHeader(t *testing.T) {
	env := setupPipeline(t)

	header := env.writeFile(t, "version.h", "#define V 1\n")
	t.Setenv("STUB_INCLUDE", header)
	source := env.writeFile(t, "main.cpp", "#include \"version.h\"\nint main() {}\n")
	object := filepath.Join(env.root, "main.obj")

	expected := []statsSnapshot{
		{hits: 0, misses: 1, entries: 1},
		{hits: 0, misses: 2, entries: 2},
		{hits: 1, misses: 2, entries: 2},
		{hits: 2, misses: 2, entries: 2},
	}
	contents := []string{"#define V 1\n", "#define V 2\n", "#define V 1\n", "#define V 2\n"}

	for i, headerContents := range contents {
		require.NoError(t, os.WriteFile(header, []byte(headerContents), 0666))
		require.Equal(t, 0, env.compile(t, "/c", "/Fo"+object, source))
		assert.Equal(t, expected[i], snapshotStats(t, env.cache), "iteration %d", i)
	}
}

func TestHeaderDisappears(t *testing.T) {
	env := setupPipeline(t)

	header := env.writeFile(t, "info.h", "#define INFO\n")
	t.Setenv("STUB_INCLUDE", header)
	source := env.writeFile(t, "main.cpp", "#include \"info.h\"\nint main() {}\n")
	object := filepath.Join(env.root, "main.obj")

	require.Equal(t, 0, env.compile(t, "/c", "/Fo"+object, source))
	assert.Equal(t, statsSnapshot{hits: 0, misses: 1, entries: 1}, snapshotStats(t, env.cache))

	require.NoError(t, os.Remove(header))
	require.NoError(t, os.Remove(object))

	rc := env.compile(t, "/c", "/Fo"+object, source)
	assert.NotEqual(t, 0, rc, "compiler must fail with its own diagnostic")

	snap := snapshotStats(t, env.cache)
	assert.Equal(t, int64(2), snap.misses)
	assert.Equal(t, int64(1), snap.entries, "failed compile must not add an entry")
}

func TestManifestHitWithEvictedObjectRecompiles(t *testing.T) {
	env := setupPipeline(t)

	source := env.writeFile(t, "evicted.cpp", "int main() {}\n")
	object := filepath.Join(env.root, "evicted.obj")

	require.Equal(t, 0, env.compile(t, "/c", "/Fo"+object, source))

	// drop the object entry behind the manifest's back
	objectsRoot := filepath.Join(env.root, "cache", "objects")
	sections, err := os.ReadDir(objectsRoot)
	require.NoError(t, err)
	for _, section := range sections {
		entries, err := os.ReadDir(filepath.Join(objectsRoot, section.Name()))
		require.NoError(t, err)
		for _, entry := range entries {
			require.NoError(t, os.RemoveAll(filepath.Join(objectsRoot, section.Name(), entry.Name())))
		}
	}

	require.NoError(t, os.Remove(object))
	require.Equal(t, 0, env.compile(t, "/c", "/Fo"+object, source))
	assert.FileExists(t, object)

	require.NoError(t, env.cache.Statistics().Update(func(stats *cache.Statistics) {
		assert.Equal(t, int64(0), stats.NumCacheHits())
		assert.Equal(t, int64(1), stats.NumHeaderChangedMisses(),
			"a manifest hit with a missing object records the header-changed variant")
	}))
}

func TestParallelBatchCompile(t *testing.T) {
	env := setupPipeline(t)

	outDir := filepath.Join(env.root, "out")
	require.NoError(t, os.MkdirAll(outDir, 0777))

	var sources []string
	for _, name := range []string{"one.cpp", "two.cpp", "three.cpp", "four.cpp", "five.cpp"} {
		sources = append(sources, env.writeFile(t, name, "// "+name+"\nint x;\n"))
	}

	// the /Fo shape must match between the two phases, it takes part in the
	// fingerprint
	for _, source := range sources {
		require.Equal(t, 0, env.compile(t, "/c", "/Fo"+outDir+"/", source))
	}
	assert.Equal(t, statsSnapshot{hits: 0, misses: 5, entries: 5}, snapshotStats(t, env.cache))

	args := []string{"/c", "/MP5", "/Fo" + outDir + "/"}
	args = append(args, sources...)
	require.Equal(t, 0, env.compile(t, args...))
	assert.Equal(t, statsSnapshot{hits: 5, misses: 5, entries: 5}, snapshotStats(t, env.cache))
}

func TestBasedirSharesEntriesAcrossWorkingCopies(t *testing.T) {
	env := setupPipeline(t)

	for _, copyName := range []string{"wc-a", "wc-b"} {
		require.NoError(t, os.MkdirAll(filepath.Join(env.root, copyName), 0777))
		env.writeFile(t, filepath.Join(copyName, "main.cpp"), "int main() {}\n")
	}
	copyA := filepath.Join(env.root, "wc-a")
	copyB := filepath.Join(env.root, "wc-b")

	prevCwd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(prevCwd) })

	// /Fo is absent so only the basedir-collapsed source path feeds the
	// fingerprint; objects land in the working copy
	require.NoError(t, os.Chdir(copyA))
	t.Setenv("CLCACHE_BASEDIR", copyA)
	require.Equal(t, 0, env.compile(t, "/c", "main.cpp"))
	assert.Equal(t, statsSnapshot{hits: 0, misses: 1, entries: 1}, snapshotStats(t, env.cache))

	require.NoError(t, os.Chdir(copyB))
	t.Setenv("CLCACHE_BASEDIR", copyB)
	require.Equal(t, 0, env.compile(t, "/c", "main.cpp"))
	assert.Equal(t, statsSnapshot{hits: 1, misses: 1, entries: 1}, snapshotStats(t, env.cache))

	// without the basedir the per-copy paths leak into the fingerprint
	t.Setenv("CLCACHE_BASEDIR", "")
	require.NoError(t, os.Remove(filepath.Join(copyB, "main.obj")))
	require.Equal(t, 0, env.compile(t, "/c", "main.cpp"))
	assert.Equal(t, statsSnapshot{hits: 1, misses: 2, entries: 2}, snapshotStats(t, env.cache))
}

func TestEvictionAfterExceedingMaximumSize(t *testing.T) {
	env := setupPipeline(t)

	// cap the cache just below the combined size of the two objects, so the
	// second insertion triggers eviction
	release, err := env.cache.LockAll()
	require.NoError(t, err)
	cfg := env.cache.Configuration()
	cfg.Open()
	cfg.SetMaximumCacheSize(600)
	require.NoError(t, cfg.Save())
	release()

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte('a' + i%16)
	}

	sourceX := env.writeFile(t, "x.cpp", string(payload))
	require.Equal(t, 0, env.compile(t, "/c", "/Fo"+filepath.Join(env.root, "x.obj"), sourceX))
	ageCachedObjects(t, env)

	sourceY := env.writeFile(t, "y.cpp", string(payload)+"// y\n")
	require.Equal(t, 0, env.compile(t, "/c", "/Fo"+filepath.Join(env.root, "y.obj"), sourceY))

	require.NoError(t, env.cache.Statistics().Update(func(stats *cache.Statistics) {
		assert.Equal(t, int64(1), stats.NumCacheEntries(), "eviction must leave a single object behind")
		assert.Less(t, stats.CurrentCacheSize(), int64(600))
	}))
}

func TestNoDirectModeHitsWithoutManifests(t *testing.T) {
	env := setupPipeline(t)
	t.Setenv("CLCACHE_NODIRECT", "1")

	source := env.writeFile(t, "plain.cpp", "int main() {}\n")
	object := filepath.Join(env.root, "plain.obj")

	require.Equal(t, 0, env.compile(t, "/c", "/Fo"+object, source))
	assert.Equal(t, statsSnapshot{hits: 0, misses: 1, entries: 1}, snapshotStats(t, env.cache))

	require.NoError(t, os.Remove(object))
	require.Equal(t, 0, env.compile(t, "/c", "/Fo"+object, source))
	assert.Equal(t, statsSnapshot{hits: 1, misses: 1, entries: 1}, snapshotStats(t, env.cache))
	assert.FileExists(t, object)

	manifestDirs, err := os.ReadDir(filepath.Join(env.root, "cache", "manifests"))
	require.NoError(t, err)
	assert.Empty(t, manifestDirs, "no-direct mode must not touch the manifest store")
}

func TestDirectHitThroughHashServerWithNoIncludes(t *testing.T) {
	env := setupPipeline(t)

	// a translation unit with zero includes still round-trips through the
	// out-of-process hasher: the empty include set must hash, not error
	serverID := fmt.Sprintf("pipe-%d-%d", os.Getpid(), time.Now().UnixNano())
	listener, err := net.Listen("unix", hashsrv.SocketPath(serverID))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = listener.Close()
		_ = os.Remove(hashsrv.SocketPath(serverID))
	})
	go func() { _ = hashsrv.MakeServer().Serve(listener) }()
	t.Setenv("CLCACHE_SERVER", serverID)

	source := env.writeFile(t, "noinc.cpp", "int main() {}\n")
	object := filepath.Join(env.root, "noinc.obj")

	require.Equal(t, 0, env.compile(t, "/c", "/Fo"+object, source))
	assert.Equal(t, statsSnapshot{hits: 0, misses: 1, entries: 1}, snapshotStats(t, env.cache))

	require.NoError(t, os.Remove(object))
	require.Equal(t, 0, env.compile(t, "/c", "/Fo"+object, source))
	assert.Equal(t, statsSnapshot{hits: 1, misses: 1, entries: 1}, snapshotStats(t, env.cache))
}

func TestSingleFileModeRunsInline(t *testing.T) {
	env := setupPipeline(t)
	t.Setenv("CLCACHE_SINGLEFILE", "1")

	source := env.writeFile(t, "only.cpp", "int main() {}\n")
	object := filepath.Join(env.root, "only.obj")

	require.Equal(t, 0, env.compile(t, "/c", "/Fo"+object, source))
	assert.Equal(t, statsSnapshot{hits: 0, misses: 1, entries: 1}, snapshotStats(t, env.cache))
}

func TestUncacheableInvocationFallsThrough(t *testing.T) {
	env := setupPipeline(t)

	source := env.writeFile(t, "linkme.cpp", "int main() {}\n")

	// no /c: counted as a link invocation, the real compiler still runs
	rc := env.compile(t, "/Fo"+filepath.Join(env.root, "linkme.obj"), source)
	assert.Equal(t, 0, rc)

	require.NoError(t, env.cache.Statistics().Update(func(stats *cache.Statistics) {
		assert.Equal(t, int64(1), stats.NumCallsForLinking())
		assert.Equal(t, int64(0), stats.NumCacheMisses())
	}))
}
