package cache

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Artalus/clcache/internal/common"
)

// PersistentJSONDict is a JSON object on disk holding integer-valued settings
// and counters. A missing file reads as empty; a malformed one reads as empty
// with a warning, so a corrupted document can never take the cache down.
// Save writes through a temporary sibling and is skipped while not dirty.
//
// The document must only be accessed under the lock of its owning subsystem
// (statistics or the global cache lock).
type PersistentJSONDict struct {
	fileName string
	dirty    bool
	values   map[string]int64
}

func MakePersistentJSONDict(fileName string) *PersistentJSONDict {
	d := &PersistentJSONDict{
		fileName: fileName,
		values:   make(map[string]int64),
	}
	raw, err := os.ReadFile(fileName)
	if err != nil {
		return d
	}
	if err := json.Unmarshal(raw, &d.values); err != nil {
		common.PrintErr(fmt.Sprintf("clcache: persistent json file %s was broken", fileName))
		d.values = make(map[string]int64)
	}
	return d
}

func (d *PersistentJSONDict) Get(key string) (int64, bool) {
	value, exists := d.values[key]
	return value, exists
}

func (d *PersistentJSONDict) GetOrZero(key string) int64 {
	return d.values[key]
}

func (d *PersistentJSONDict) Set(key string, value int64) {
	d.values[key] = value
	d.dirty = true
}

func (d *PersistentJSONDict) Contains(key string) bool {
	_, exists := d.values[key]
	return exists
}

func (d *PersistentJSONDict) Save() error {
	if !d.dirty {
		return nil
	}
	// json.Marshal emits map keys sorted, which keeps the documents diffable
	serialized, err := json.MarshalIndent(d.values, "", "    ")
	if err != nil {
		return err
	}
	if err := common.AtomicWriteFile(d.fileName, serialized); err != nil {
		return err
	}
	d.dirty = false
	return nil
}
