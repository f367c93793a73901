package cache

import (
	"fmt"
	"os"
	"path/filepath"
)

// Strategy is the storage back end behind a Cache. The disk strategy is the
// only one shipped; a remote (memcache-style) tier plugs in behind the same
// interface.
type Strategy interface {
	fmt.Stringer

	LockFor(key string) *CacheLock
	ManifestLockFor(manifestHash string) *CacheLock

	HasEntry(key string) bool
	GetEntry(key string) CompilerArtifacts
	SetEntry(key string, artifacts CompilerArtifacts) (int64, error)

	GetManifest(manifestHash string) *Manifest
	SetManifest(manifestHash string, manifest *Manifest) error

	Statistics() *Statistics
	Configuration() *Configuration

	// LockAll acquires the global cache lock: every manifest section lock,
	// then every artifacts section lock, then the statistics lock. Only size
	// maintenance and full-cache queries use it.
	LockAll() (release func(), err error)

	Clean(stats *Statistics, maximumSize int64) error
}

// DiskStrategy keeps all state in a cache directory on the local disk.
// Concurrent invocations coordinate solely through named locks and atomic
// renames inside that directory.
type DiskStrategy struct {
	dir string

	manifestRepository  *ManifestRepository
	artifactsRepository *ArtifactsRepository
	configuration       *Configuration
	statistics          *Statistics
}

func MakeDiskStrategy(cacheDirectory string) (*DiskStrategy, error) {
	dir := cacheDirectory
	if dir == "" {
		dir = os.Getenv("CLCACHE_DIR")
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, "clcache")
	}

	manifestsRootDir := filepath.Join(dir, "manifests")
	if err := os.MkdirAll(manifestsRootDir, os.ModePerm); err != nil {
		return nil, err
	}
	artifactsRootDir := filepath.Join(dir, "objects")
	if err := os.MkdirAll(artifactsRootDir, os.ModePerm); err != nil {
		return nil, err
	}

	return &DiskStrategy{
		dir:                 dir,
		manifestRepository:  MakeManifestRepository(manifestsRootDir),
		artifactsRepository: MakeArtifactsRepository(artifactsRootDir),
		configuration:       MakeConfiguration(filepath.Join(dir, "config.txt")),
		statistics:          MakeStatistics(filepath.Join(dir, "stats.txt")),
	}, nil
}

func (s *DiskStrategy) String() string {
	return fmt.Sprintf("Disk cache at %s", s.dir)
}

func (s *DiskStrategy) LockFor(key string) *CacheLock {
	return s.artifactsRepository.Section(key).Lock
}

func (s *DiskStrategy) ManifestLockFor(manifestHash string) *CacheLock {
	return s.manifestRepository.Section(manifestHash).Lock
}

func (s *DiskStrategy) HasEntry(key string) bool {
	return s.artifactsRepository.Section(key).HasEntry(key)
}

func (s *DiskStrategy) GetEntry(key string) CompilerArtifacts {
	return s.artifactsRepository.Section(key).GetEntry(key)
}

func (s *DiskStrategy) SetEntry(key string, artifacts CompilerArtifacts) (int64, error) {
	return s.artifactsRepository.Section(key).SetEntry(key, artifacts)
}

func (s *DiskStrategy) GetManifest(manifestHash string) *Manifest {
	return s.manifestRepository.Section(manifestHash).GetManifest(manifestHash)
}

func (s *DiskStrategy) SetManifest(manifestHash string, manifest *Manifest) error {
	return s.manifestRepository.Section(manifestHash).SetManifest(manifestHash, manifest)
}

func (s *DiskStrategy) Statistics() *Statistics {
	return s.statistics
}

func (s *DiskStrategy) Configuration() *Configuration {
	return s.configuration
}

func (s *DiskStrategy) LockAll() (func(), error) {
	var held []*CacheLock
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release()
		}
	}

	manifestSections, err := s.manifestRepository.Sections()
	if err != nil {
		return nil, err
	}
	for _, section := range manifestSections {
		if err := section.Lock.Acquire(); err != nil {
			release()
			return nil, err
		}
		held = append(held, section.Lock)
	}

	artifactsSections, err := s.artifactsRepository.Sections()
	if err != nil {
		release()
		return nil, err
	}
	for _, section := range artifactsSections {
		if err := section.Lock.Acquire(); err != nil {
			release()
			return nil, err
		}
		held = append(held, section.Lock)
	}

	if err := s.statistics.Lock.Acquire(); err != nil {
		release()
		return nil, err
	}
	held = append(held, s.statistics.Lock)

	return release, nil
}

// Clean frees space down to 90% of maximumSize, splitting the budget 10/90
// between manifests and objects, then reconciles the size and entry gauges
// with what actually survived. The headroom throttles repeated cleans on
// large caches.
func (s *DiskStrategy) Clean(stats *Statistics, maximumSize int64) error {
	currentSize := stats.CurrentCacheSize()
	if currentSize < maximumSize {
		return nil
	}

	effectiveMaximumSizeOverall := float64(maximumSize) * 0.9
	effectiveMaximumSizeManifests := effectiveMaximumSizeOverall * 0.1
	effectiveMaximumSizeObjects := effectiveMaximumSizeOverall - effectiveMaximumSizeManifests

	currentSizeManifests, err := s.manifestRepository.Clean(int64(effectiveMaximumSizeManifests))
	if err != nil {
		return err
	}

	currentArtifactsCount, currentArtifactsSize, err := s.artifactsRepository.Clean(int64(effectiveMaximumSizeObjects))
	if err != nil {
		return err
	}

	stats.SetCacheSize(currentArtifactsSize + currentSizeManifests)
	stats.SetNumCacheEntries(currentArtifactsCount)
	return nil
}

// Cache delegates every operation to its strategy; the strategy is picked
// from the environment at construction.
type Cache struct {
	Strategy
}

func MakeCache(cacheDirectory string) (*Cache, error) {
	if memcached := os.Getenv("CLCACHE_MEMCACHED"); memcached != "" {
		return nil, fmt.Errorf("memcached strategy %q is not supported by this build", memcached)
	}
	strategy, err := MakeDiskStrategy(cacheDirectory)
	if err != nil {
		return nil, err
	}
	return &Cache{Strategy: strategy}, nil
}

// CleanCache frees space down to the configured maximum, under the global lock.
func CleanCache(c *Cache) error {
	return cleanToSize(c, -1)
}

// ClearCache removes everything, under the global lock.
func ClearCache(c *Cache) error {
	return cleanToSize(c, 0)
}

func cleanToSize(c *Cache, maximumSize int64) error {
	release, err := c.LockAll()
	if err != nil {
		return err
	}
	defer release()

	stats := c.Statistics()
	stats.Open()
	defer func() { _ = stats.Save() }()

	if maximumSize < 0 {
		cfg := c.Configuration()
		cfg.Open()
		maximumSize = cfg.MaximumCacheSize()
		if err := cfg.Save(); err != nil {
			return err
		}
	}
	return c.Clean(stats, maximumSize)
}

// ResetStatistics zeroes all counters but preserves the size and entry gauges.
func ResetStatistics(c *Cache) error {
	return c.Statistics().Update(func(stats *Statistics) {
		stats.ResetCounters()
	})
}
