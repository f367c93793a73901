package client

import (
	"errors"
	"os"

	"github.com/Artalus/clcache/internal/cache"
	"github.com/Artalus/clcache/internal/common"
)

// StatisticsUpdate records one reason on the statistics document; the document
// is open and its lock held when the function runs.
type StatisticsUpdate func(*cache.Statistics)

// CompileResult is what one per-source job reports back to the scheduler.
type CompileResult struct {
	ExitCode        int
	Stdout          []byte
	Stderr          []byte
	CleanupRequired bool
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ProcessSingleSource drives the full state machine for one translation unit:
// fingerprint, cache probe, real compilation if needed, store update.
func ProcessSingleSource(c *cache.Cache, hashCache *common.HashCache, compiler string,
	cmdLine []string, sourceFile string, objectFile string, environment map[string]string) (CompileResult, error) {

	var result CompileResult
	var err error
	if os.Getenv("CLCACHE_NODIRECT") != "" {
		result, err = processNoDirect(c, hashCache, objectFile, compiler, cmdLine, environment)
	} else {
		result, err = processDirect(c, hashCache, objectFile, compiler, cmdLine, sourceFile, environment)
	}
	if err == nil {
		return result, nil
	}

	if errors.Is(err, common.ErrIncludeNotFound) {
		// a header recorded earlier is gone; let the real compiler produce
		// its own diagnostic
		rc, stdout, stderr := InvokeRealCompiler(compiler, cmdLine, InvokeOptions{Environment: environment})
		return CompileResult{ExitCode: rc, Stdout: stdout, Stderr: stderr}, nil
	}
	var compilerFailed *CompilerFailedError
	if errors.As(err, &compilerFailed) {
		return CompileResult{
			ExitCode: compilerFailed.ExitCode,
			Stdout:   compilerFailed.MsgErr,
			Stderr:   compilerFailed.MsgOut,
		}, nil
	}
	return CompileResult{ExitCode: 1}, err
}

func processDirect(c *cache.Cache, hashCache *common.HashCache, objectFile string,
	compiler string, cmdLine []string, sourceFile string, environment map[string]string) (CompileResult, error) {

	manifestHash, err := GetManifestHash(compiler, cmdLine, sourceFile)
	if err != nil {
		return CompileResult{}, err
	}

	manifestHit := false
	cachekey := ""
	var missReason StatisticsUpdate

	manifestLock := c.ManifestLockFor(manifestHash)
	if err := manifestLock.Acquire(); err != nil {
		return CompileResult{}, err
	}
	manifest := c.GetManifest(manifestHash)
	if manifest != nil {
		for entryIndex, entry := range manifest.Entries() {
			// command line options are already part of the manifest hash
			expandedIncludes := make([]string, 0, len(entry.IncludeFiles))
			for _, path := range entry.IncludeFiles {
				expanded, err := ExpandBasedirPlaceholder(path)
				if err != nil {
					manifestLock.Release()
					return CompileResult{}, err
				}
				expandedIncludes = append(expandedIncludes, expanded)
			}

			includesContentHash, err := GetIncludesContentHashForFiles(hashCache, expandedIncludes)
			if err != nil {
				if errors.Is(err, common.ErrIncludeNotFound) {
					// a stored header list references a file that no longer
					// exists; the entry simply cannot match
					continue
				}
				manifestLock.Release()
				return CompileResult{}, err
			}

			if entry.IncludesContentHash == includesContentHash {
				cachekey = entry.ObjectHash
				if entryIndex > 0 {
					manifest.TouchEntry(cachekey)
					if err := c.SetManifest(manifestHash, manifest); err != nil {
						manifestLock.Release()
						return CompileResult{}, err
					}
				}
				manifestHit = true

				objectLock := c.LockFor(cachekey)
				if err := objectLock.Acquire(); err != nil {
					manifestLock.Release()
					return CompileResult{}, err
				}
				if c.HasEntry(cachekey) {
					result, err := processCacheHitLocked(c, objectFile, cachekey)
					objectLock.Release()
					manifestLock.Release()
					return result, err
				}
				objectLock.Release()
				break
			}
		}
		missReason = (*cache.Statistics).RegisterHeaderChangedMiss
	} else {
		missReason = (*cache.Statistics).RegisterSourceChangedMiss
	}
	manifestLock.Release()

	stripIncludes := false
	invocation := cmdLine
	if !manifestHit {
		if !containsArg(cmdLine, "/showIncludes") {
			invocation = append([]string{"/showIncludes"}, cmdLine...)
			stripIncludes = true
		}
	}

	rc, compilerOutput, compilerStderr := InvokeRealCompiler(compiler, invocation, InvokeOptions{
		CaptureOutput: true,
		Environment:   environment,
	})

	var includePaths []string
	if !manifestHit {
		includePaths, compilerOutput = ParseIncludes(compilerOutput, sourceFile, stripIncludes)
	}

	if err := manifestLock.Acquire(); err != nil {
		return CompileResult{}, err
	}
	defer manifestLock.Release()

	if manifestHit {
		return ensureArtifactsExist(c, cachekey, missReason, objectFile, rc, compilerOutput, compilerStderr, nil)
	}

	entry, err := CreateManifestEntry(hashCache, manifestHash, includePaths)
	if err != nil {
		return CompileResult{}, err
	}
	cachekey = entry.ObjectHash

	addManifest := func() error {
		manifest := c.GetManifest(manifestHash)
		if manifest == nil {
			manifest = cache.MakeManifest()
		}
		manifest.AddEntry(entry)
		return c.SetManifest(manifestHash, manifest)
	}

	return ensureArtifactsExist(c, cachekey, missReason, objectFile, rc, compilerOutput, compilerStderr, addManifest)
}

func processNoDirect(c *cache.Cache, hashCache *common.HashCache, objectFile string,
	compiler string, cmdLine []string, environment map[string]string) (CompileResult, error) {

	cachekey, err := ComputeKeyNodirect(compiler, cmdLine, environment)
	if err != nil {
		return CompileResult{}, err
	}

	objectLock := c.LockFor(cachekey)
	if err := objectLock.Acquire(); err != nil {
		return CompileResult{}, err
	}
	if c.HasEntry(cachekey) {
		result, err := processCacheHitLocked(c, objectFile, cachekey)
		objectLock.Release()
		return result, err
	}
	objectLock.Release()

	rc, compilerOutput, compilerStderr := InvokeRealCompiler(compiler, cmdLine, InvokeOptions{
		CaptureOutput: true,
		Environment:   environment,
	})

	return ensureArtifactsExist(c, cachekey, (*cache.Statistics).RegisterCacheMiss,
		objectFile, rc, compilerOutput, compilerStderr, nil)
}

// processCacheHitLocked serves objectFile from the cache entry. The caller
// holds the object lock for cachekey and guarantees the entry exists.
func processCacheHitLocked(c *cache.Cache, objectFile string, cachekey string) (CompileResult, error) {
	common.Trace("reusing cached object for key %s for object file %s", cachekey, objectFile)

	if err := c.Statistics().Update(func(stats *cache.Statistics) {
		stats.RegisterCacheHit()
	}); err != nil {
		return CompileResult{}, err
	}

	if fileExists(objectFile) {
		if err := os.Remove(objectFile); err != nil {
			return CompileResult{}, err
		}
	}

	cachedArtifacts := c.GetEntry(cachekey)
	if err := cache.CopyOrLink(cachedArtifacts.ObjectFilePath, objectFile, false); err != nil {
		return CompileResult{}, err
	}

	common.Trace("finished, exit code 0")
	return CompileResult{ExitCode: 0, Stdout: cachedArtifacts.Stdout, Stderr: cachedArtifacts.Stderr}, nil
}

// ensureArtifactsExist records the miss and publishes the artifacts produced
// by a successful compile, unless a concurrent job already did. The manifest
// update runs only after a successful build, under the object lock the caller
// ordering establishes.
func ensureArtifactsExist(c *cache.Cache, cachekey string, reason StatisticsUpdate,
	objectFile string, returnCode int, compilerOutput []byte, compilerStderr []byte,
	extra func() error) (CompileResult, error) {

	cleanupRequired := false
	correctCompilation := returnCode == 0 && fileExists(objectFile)

	objectLock := c.LockFor(cachekey)
	if err := objectLock.Acquire(); err != nil {
		return CompileResult{}, err
	}
	defer objectLock.Release()

	if !c.HasEntry(cachekey) {
		stats := c.Statistics()
		if err := stats.Lock.Acquire(); err != nil {
			return CompileResult{}, err
		}
		stats.Open()
		reason(stats)
		if correctCompilation {
			common.Trace("adding file %s to cache using key %s", objectFile, cachekey)
			size, err := c.SetEntry(cachekey, cache.CompilerArtifacts{
				ObjectFilePath: objectFile,
				Stdout:         compilerOutput,
				Stderr:         compilerStderr,
			})
			if err != nil {
				_ = stats.Save()
				stats.Lock.Release()
				return CompileResult{}, err
			}
			stats.RegisterCacheEntry(size)

			cfg := c.Configuration()
			cfg.Open()
			cleanupRequired = stats.CurrentCacheSize() >= cfg.MaximumCacheSize()
			if err := cfg.Save(); err != nil {
				_ = stats.Save()
				stats.Lock.Release()
				return CompileResult{}, err
			}
		}
		if err := stats.Save(); err != nil {
			stats.Lock.Release()
			return CompileResult{}, err
		}
		stats.Lock.Release()

		if extra != nil && correctCompilation {
			if err := extra(); err != nil {
				return CompileResult{}, err
			}
		}
	}

	return CompileResult{
		ExitCode:        returnCode,
		Stdout:          compilerOutput,
		Stderr:          compilerStderr,
		CleanupRequired: cleanupRequired,
	}, nil
}

func containsArg(cmdLine []string, arg string) bool {
	for _, a := range cmdLine {
		if a == arg {
			return true
		}
	}
	return false
}
