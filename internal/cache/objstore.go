package cache

import (
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/Artalus/clcache/internal/common"
)

// On-disk names inside one cache entry directory.
const (
	objectFileName = "object"
	stdoutFileName = "output.txt"
	stderrFileName = "stderr.txt"
)

// CompilerArtifacts is what one compile of one source produced: the object
// file plus the captured console output. ObjectFilePath may be empty when the
// compiler emitted diagnostics but no object.
type CompilerArtifacts struct {
	ObjectFilePath string
	Stdout         []byte
	Stderr         []byte
}

// ArtifactsSection is one <hh> shard of the object store. All operations on a
// key happen under the section's lock; SetEntry must be the only writer to the
// shard while running.
type ArtifactsSection struct {
	sectionDir string
	Lock       *CacheLock
}

func MakeArtifactsSection(sectionDir string) *ArtifactsSection {
	return &ArtifactsSection{
		sectionDir: sectionDir,
		Lock:       MakeLockForPath(sectionDir),
	}
}

func (s *ArtifactsSection) CacheEntryDir(key string) string {
	return filepath.Join(s.sectionDir, key)
}

func (s *ArtifactsSection) CachedObjectName(key string) string {
	return filepath.Join(s.CacheEntryDir(key), objectFileName)
}

// HasEntry treats the existence of the entry directory as the authoritative
// "entry present" predicate.
func (s *ArtifactsSection) HasEntry(key string) bool {
	_, err := os.Stat(s.CacheEntryDir(key))
	return err == nil
}

func (s *ArtifactsSection) CacheEntries() ([]string, error) {
	return common.ChildDirectories(s.sectionDir)
}

// SetEntry publishes the artifacts atomically: everything is written into a
// sibling <key>.new directory which is then renamed into place. Returns the
// number of bytes the stored object occupies.
func (s *ArtifactsSection) SetEntry(key string, artifacts CompilerArtifacts) (int64, error) {
	cacheEntryDir := s.CacheEntryDir(key)
	tempEntryDir := cacheEntryDir + ".new"

	// left-over from a previous crashed execution
	_ = os.RemoveAll(tempEntryDir)
	if err := common.EnsureDirectoryExists(tempEntryDir); err != nil {
		return 0, err
	}

	var size int64 = 0
	if artifacts.ObjectFilePath != "" {
		dstFilePath := filepath.Join(tempEntryDir, objectFileName)
		if err := CopyOrLink(artifacts.ObjectFilePath, dstFilePath, true); err != nil {
			return 0, err
		}
		stat, err := os.Stat(dstFilePath)
		if err != nil {
			return 0, err
		}
		size = stat.Size()
	}
	if err := os.WriteFile(filepath.Join(tempEntryDir, stdoutFileName), artifacts.Stdout, 0666); err != nil {
		return 0, err
	}
	if len(artifacts.Stderr) > 0 {
		if err := os.WriteFile(filepath.Join(tempEntryDir, stderrFileName), artifacts.Stderr, 0666); err != nil {
			return 0, err
		}
	}

	_ = os.RemoveAll(cacheEntryDir)
	if err := os.Rename(tempEntryDir, cacheEntryDir); err != nil {
		return 0, err
	}
	return size, nil
}

// GetEntry requires HasEntry(key). A missing stderr.txt reads as empty output.
func (s *ArtifactsSection) GetEntry(key string) CompilerArtifacts {
	cacheEntryDir := s.CacheEntryDir(key)
	return CompilerArtifacts{
		ObjectFilePath: filepath.Join(cacheEntryDir, objectFileName),
		Stdout:         readConsoleOutput(filepath.Join(cacheEntryDir, stdoutFileName)),
		Stderr:         readConsoleOutput(filepath.Join(cacheEntryDir, stderrFileName)),
	}
}

func (s *ArtifactsSection) RemoveEntry(key string) {
	_ = os.RemoveAll(s.CacheEntryDir(key))
}

func readConsoleOutput(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}

// ArtifactsRepository is the two-level sharded object store: <root>/<hh>/<key>/
// where <hh> is the first two hex characters of the key.
type ArtifactsRepository struct {
	artifactsRootDir string
}

func MakeArtifactsRepository(artifactsRootDir string) *ArtifactsRepository {
	return &ArtifactsRepository{artifactsRootDir: artifactsRootDir}
}

func (r *ArtifactsRepository) Section(key string) *ArtifactsSection {
	return MakeArtifactsSection(filepath.Join(r.artifactsRootDir, key[:2]))
}

// Sections enumerates the shards that exist on disk, in deterministic order.
func (r *ArtifactsRepository) Sections() ([]*ArtifactsSection, error) {
	names, err := common.ChildDirectories(r.artifactsRootDir)
	if err != nil {
		return nil, err
	}
	sections := make([]*ArtifactsSection, 0, len(names))
	for _, name := range names {
		sections = append(sections, MakeArtifactsSection(filepath.Join(r.artifactsRootDir, name)))
	}
	return sections, nil
}

type objectInfo struct {
	atime int64
	size  int64
	dir   string
}

// Clean removes entries in ascending access-time order until the remaining
// cumulative size drops below maximumSize. Returns the remaining entry count
// and cumulative size. Caller holds the global cache lock.
func (r *ArtifactsRepository) Clean(maximumSize int64) (int64, int64, error) {
	sections, err := r.Sections()
	if err != nil {
		return 0, 0, err
	}

	var currentSizeObjects int64
	var objectInfos []objectInfo
	for _, section := range sections {
		entries, err := section.CacheEntries()
		if err != nil {
			return 0, 0, err
		}
		for _, key := range entries {
			atime, size, err := statAccess(section.CachedObjectName(key))
			if err != nil {
				continue
			}
			objectInfos = append(objectInfos, objectInfo{atime, size, section.CacheEntryDir(key)})
			currentSizeObjects += size
		}
	}

	sort.SliceStable(objectInfos, func(i, j int) bool {
		return objectInfos[i].atime < objectInfos[j].atime
	})

	removedItems := 0
	for _, info := range objectInfos {
		if currentSizeObjects < maximumSize {
			break
		}
		_ = os.RemoveAll(info.dir)
		removedItems++
		currentSizeObjects -= info.size
	}

	return int64(len(objectInfos) - removedItems), currentSizeObjects, nil
}

// statAccess reports a file's access time in nanoseconds along with its size.
func statAccess(path string) (int64, int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, err
	}
	return st.Atim.Nano(), st.Size, nil
}
