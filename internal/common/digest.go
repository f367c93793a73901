package common

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// ErrIncludeNotFound is returned when a file the cache was asked to hash no longer exists.
// Callers treat the corresponding manifest entry as non-matching and fall through
// to a real compilation.
var ErrIncludeNotFound = errors.New("include file not found")

// HashString returns the hex digest of a string.
// Every fingerprint in the cache (manifest hashes, object keys) is such a digest;
// the first two hex characters are used for sharding the on-disk stores.
func HashString(dataString string) string {
	sum := sha256.Sum256([]byte(dataString))
	return hex.EncodeToString(sum[:])
}

// HashFile returns the hex digest of a file's contents with additionalData
// appended before finalization. additionalData must fit into ASCII; the encoding
// only has to stay fixed, otherwise stored hashes change.
func HashFile(filePath string, additionalData string) (string, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrIncludeNotFound, filePath)
		}
		return "", err
	}
	hasher := sha256.New()
	hasher.Write(contents)
	if additionalData != "" {
		hasher.Write([]byte(additionalData))
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// GetCompilerHash fingerprints the compiler binary by mtime, size and the clcache
// version, without reading the binary itself.
func GetCompilerHash(compilerBinary string) (string, error) {
	stat, err := os.Stat(compilerBinary)
	if err != nil {
		return "", err
	}
	data := strconv.FormatInt(stat.ModTime().UnixNano(), 10) +
		"|" + strconv.FormatInt(stat.Size(), 10) +
		"|" + GetVersion()
	return HashString(data), nil
}

// HashCache memoizes absolute path -> digest for the duration of one invocation.
// The caller guarantees the files are not modified mid-run, so entries never
// have to be invalidated. It is shared between the per-source workers.
type HashCache struct {
	knownHashes map[string]string
	mu          sync.Mutex
}

func MakeHashCache() *HashCache {
	return &HashCache{
		knownHashes: make(map[string]string, 512),
	}
}

func (hc *HashCache) GetFileHash(filePath string) (string, error) {
	hc.mu.Lock()
	digest, exists := hc.knownHashes[filePath]
	hc.mu.Unlock()
	if exists {
		return digest, nil
	}

	digest, err := HashFile(filePath, "")
	if err != nil {
		return "", err
	}

	hc.mu.Lock()
	hc.knownHashes[filePath] = digest
	hc.mu.Unlock()
	return digest, nil
}

func (hc *HashCache) Count() int {
	hc.mu.Lock()
	count := len(hc.knownHashes)
	hc.mu.Unlock()
	return count
}
