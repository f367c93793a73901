package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Artalus/clcache/internal/common"
)

// MaxManifestEntries caps how many (include-set, object) combinations one
// manifest keeps; the least recently used entry drops out first.
const MaxManifestEntries = 100

// ManifestFileFormatVersion is mixed into every manifest hash. Bumping it
// makes all previously stored manifests unreachable, so a format change
// invalidates by construction instead of by migration.
const ManifestFileFormatVersion = 6

// ManifestEntry ties one observed set of include files to the cache entry that
// was produced when exactly these include contents were in effect.
//
// IncludeFiles holds absolute header paths in canonical case, with the basedir
// placeholder substituted for the project root when CLCACHE_BASEDIR was set at
// write time.
type ManifestEntry struct {
	IncludeFiles        []string `json:"includeFiles"`
	IncludesContentHash string   `json:"includesContentHash"`
	ObjectHash          string   `json:"objectHash"`
}

// Manifest is the index from one (compiler, flags, source) tuple to all
// include-set combinations observed for it, most recently used first.
type Manifest struct {
	entries []ManifestEntry
}

func MakeManifest(entries ...ManifestEntry) *Manifest {
	return &Manifest{entries: entries}
}

func (m *Manifest) Entries() []ManifestEntry {
	return m.entries
}

// AddEntry inserts at the MRU position. An entry with an already-present
// objectHash replaces the old one instead of duplicating it, so objectHash
// stays unique within a manifest.
func (m *Manifest) AddEntry(entry ManifestEntry) {
	kept := make([]ManifestEntry, 0, len(m.entries)+1)
	kept = append(kept, entry)
	for _, e := range m.entries {
		if e.ObjectHash != entry.ObjectHash {
			kept = append(kept, e)
		}
	}
	if len(kept) > MaxManifestEntries {
		kept = kept[:MaxManifestEntries]
	}
	m.entries = kept
}

// TouchEntry moves the entry with the given objectHash to the MRU position,
// keeping the relative order of all other entries.
func (m *Manifest) TouchEntry(objectHash string) {
	entryIndex := 0
	for i, e := range m.entries {
		if e.ObjectHash == objectHash {
			entryIndex = i
			break
		}
	}
	touched := m.entries[entryIndex]
	m.entries = append(m.entries[:entryIndex], m.entries[entryIndex+1:]...)
	m.entries = append([]ManifestEntry{touched}, m.entries...)
}

// manifestFile is the serialized shape of a manifest.
type manifestFile struct {
	Entries []ManifestEntry `json:"entries"`
}

func SerializeManifest(manifest *Manifest) ([]byte, error) {
	return json.MarshalIndent(manifestFile{Entries: manifest.Entries()}, "", "  ")
}

func ParseManifest(data []byte) (*Manifest, error) {
	var parsed manifestFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return MakeManifest(parsed.Entries...), nil
}

// ManifestSection is one <hh> shard of the manifest store. Reads and writes of
// a manifest happen under the section's lock.
type ManifestSection struct {
	manifestSectionDir string
	Lock               *CacheLock
}

func MakeManifestSection(sectionDir string) *ManifestSection {
	return &ManifestSection{
		manifestSectionDir: sectionDir,
		Lock:               MakeLockForPath(sectionDir),
	}
}

func (s *ManifestSection) manifestPath(manifestHash string) string {
	return filepath.Join(s.manifestSectionDir, manifestHash+".json")
}

func (s *ManifestSection) manifestFiles() ([]string, error) {
	entries, err := os.ReadDir(s.manifestSectionDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, filepath.Join(s.manifestSectionDir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (s *ManifestSection) SetManifest(manifestHash string, manifest *Manifest) error {
	serialized, err := SerializeManifest(manifest)
	if err != nil {
		return err
	}
	fileName := s.manifestPath(manifestHash)
	if err := common.MkdirForFile(fileName); err != nil {
		return err
	}
	return common.AtomicWriteFile(fileName, serialized)
}

// GetManifest returns nil for a missing manifest; a malformed one also reads
// as nil with a warning, since a broken index only costs a cache miss.
func (s *ManifestSection) GetManifest(manifestHash string) *Manifest {
	fileName := s.manifestPath(manifestHash)
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		common.PrintErr(fmt.Sprintf("clcache: manifest file %s was broken", fileName))
		return nil
	}
	return manifest
}

// ManifestRepository is the two-level sharded manifest store:
// <root>/<hh>/<manifestHash>.json.
type ManifestRepository struct {
	manifestsRootDir string
}

func MakeManifestRepository(manifestsRootDir string) *ManifestRepository {
	return &ManifestRepository{manifestsRootDir: manifestsRootDir}
}

func (r *ManifestRepository) Section(manifestHash string) *ManifestSection {
	return MakeManifestSection(filepath.Join(r.manifestsRootDir, manifestHash[:2]))
}

func (r *ManifestRepository) Sections() ([]*ManifestSection, error) {
	names, err := common.ChildDirectories(r.manifestsRootDir)
	if err != nil {
		return nil, err
	}
	sections := make([]*ManifestSection, 0, len(names))
	for _, name := range names {
		sections = append(sections, MakeManifestSection(filepath.Join(r.manifestsRootDir, name)))
	}
	return sections, nil
}

type manifestInfo struct {
	atime int64
	size  int64
	path  string
}

// Clean keeps the most recently used manifests whose cumulative size fits into
// maxManifestsSize and deletes the rest. Returns the surviving cumulative
// size. Caller holds the global cache lock.
func (r *ManifestRepository) Clean(maxManifestsSize int64) (int64, error) {
	sections, err := r.Sections()
	if err != nil {
		return 0, err
	}

	var manifestInfos []manifestInfo
	for _, section := range sections {
		files, err := section.manifestFiles()
		if err != nil {
			return 0, err
		}
		for _, filePath := range files {
			atime, size, err := statAccess(filePath)
			if err != nil {
				continue
			}
			manifestInfos = append(manifestInfos, manifestInfo{atime, size, filePath})
		}
	}

	// most recently used first
	sort.SliceStable(manifestInfos, func(i, j int) bool {
		return manifestInfos[i].atime > manifestInfos[j].atime
	})

	// a strict prefix cut: once one manifest does not fit, everything less
	// recently used goes as well, never re-admitting a smaller stale file
	var remainingManifestsSize int64
	keeping := true
	for _, info := range manifestInfos {
		if keeping && remainingManifestsSize+info.size <= maxManifestsSize {
			remainingManifestsSize += info.size
		} else {
			keeping = false
			_ = os.Remove(info.path)
		}
	}
	return remainingManifestsSize, nil
}
