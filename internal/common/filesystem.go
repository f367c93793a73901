package common

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

func EnsureDirectoryExists(path string) error {
	return os.MkdirAll(path, os.ModePerm)
}

func MkdirForFile(fileName string) error {
	return os.MkdirAll(filepath.Dir(fileName), os.ModePerm)
}

// OpenTempFile creates a unique sibling of fullPath meant to be renamed over it
// once fully written.
func OpenTempFile(fullPath string) (f *os.File, err error) {
	fileNameTmp := fullPath + "." + strconv.Itoa(rand.Int()) + ".tmp"
	return os.OpenFile(fileNameTmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, os.ModePerm)
}

// AtomicWriteFile publishes data at fileName via a temporary sibling and rename,
// so concurrent readers observe either the old or the new contents, never a mix.
func AtomicWriteFile(fileName string, data []byte) error {
	f, err := OpenTempFile(fileName)
	if err != nil {
		return err
	}
	tmpName := f.Name()
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, fileName)
}

// ChildDirectories returns the names of path's immediate subdirectories in
// lexicographic order. Deterministic enumeration matters to eviction.
func ChildDirectories(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
