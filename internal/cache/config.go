package cache

// DefaultMaximumCacheSize is 1 GiB.
const DefaultMaximumCacheSize = int64(1073741824)

const maximumCacheSizeKey = "MaximumCacheSize"

// Configuration is a typed view over the config.txt document. It takes no lock
// of its own; callers access it inside the statistics lock or the global lock.
type Configuration struct {
	configurationFile string
	cfg               *PersistentJSONDict
}

func MakeConfiguration(configurationFile string) *Configuration {
	return &Configuration{configurationFile: configurationFile}
}

// Open loads the document and fills in defaults for missing settings.
func (c *Configuration) Open() {
	c.cfg = MakePersistentJSONDict(c.configurationFile)
	if !c.cfg.Contains(maximumCacheSizeKey) {
		c.cfg.Set(maximumCacheSizeKey, DefaultMaximumCacheSize)
	}
}

// Save does not write to disk when unchanged.
func (c *Configuration) Save() error {
	return c.cfg.Save()
}

func (c *Configuration) MaximumCacheSize() int64 {
	return c.cfg.GetOrZero(maximumCacheSizeKey)
}

func (c *Configuration) SetMaximumCacheSize(size int64) {
	c.cfg.Set(maximumCacheSizeKey, size)
}
