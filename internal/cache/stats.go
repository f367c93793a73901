package cache

// Statistics keys as stored in stats.txt. The names are a compatibility
// surface shared with other clcache implementations.
const (
	CallsWithInvalidArgument     = "CallsWithInvalidArgument"
	CallsWithoutSourceFile       = "CallsWithoutSourceFile"
	CallsWithMultipleSourceFiles = "CallsWithMultipleSourceFiles"
	CallsWithPch                 = "CallsWithPch"
	CallsForLinking              = "CallsForLinking"
	CallsForExternalDebugInfo    = "CallsForExternalDebugInfo"
	CallsForPreprocessing        = "CallsForPreprocessing"
	CacheHits                    = "CacheHits"
	CacheMisses                  = "CacheMisses"
	EvictedMisses                = "EvictedMisses"
	HeaderChangedMisses          = "HeaderChangedMisses"
	SourceChangedMisses          = "SourceChangedMisses"
	CacheEntries                 = "CacheEntries"
	CacheSize                    = "CacheSize"
)

var resettableKeys = []string{
	CallsWithInvalidArgument,
	CallsWithoutSourceFile,
	CallsWithMultipleSourceFiles,
	CallsWithPch,
	CallsForLinking,
	CallsForExternalDebugInfo,
	CallsForPreprocessing,
	CacheHits,
	CacheMisses,
	EvictedMisses,
	HeaderChangedMisses,
	SourceChangedMisses,
}

// CacheEntries and CacheSize are gauges reflecting on-disk state; resetting
// counters must not touch them.
var nonResettableKeys = []string{
	CacheEntries,
	CacheSize,
}

// Statistics is a typed view over the stats.txt document. The Lock guards the
// document against concurrent invocations; every Open..Save span must hold it.
type Statistics struct {
	statsFile string
	stats     *PersistentJSONDict

	Lock *CacheLock
}

func MakeStatistics(statsFile string) *Statistics {
	return &Statistics{
		statsFile: statsFile,
		Lock:      MakeLockForPath(statsFile),
	}
}

func (s *Statistics) Open() {
	s.stats = MakePersistentJSONDict(s.statsFile)
	for _, k := range resettableKeys {
		if !s.stats.Contains(k) {
			s.stats.Set(k, 0)
		}
	}
	for _, k := range nonResettableKeys {
		if !s.stats.Contains(k) {
			s.stats.Set(k, 0)
		}
	}
}

// Save does not write to disk when unchanged.
func (s *Statistics) Save() error {
	return s.stats.Save()
}

// Update runs fn with the statistics lock held and the document open, and
// persists any change before releasing the lock.
func (s *Statistics) Update(fn func(*Statistics)) error {
	if err := s.Lock.Acquire(); err != nil {
		return err
	}
	defer s.Lock.Release()
	s.Open()
	fn(s)
	return s.Save()
}

func (s *Statistics) increment(key string) {
	s.stats.Set(key, s.stats.GetOrZero(key)+1)
}

func (s *Statistics) NumCallsWithInvalidArgument() int64 { return s.stats.GetOrZero(CallsWithInvalidArgument) }
func (s *Statistics) RegisterCallWithInvalidArgument()   { s.increment(CallsWithInvalidArgument) }

func (s *Statistics) NumCallsWithoutSourceFile() int64 { return s.stats.GetOrZero(CallsWithoutSourceFile) }
func (s *Statistics) RegisterCallWithoutSourceFile()   { s.increment(CallsWithoutSourceFile) }

func (s *Statistics) NumCallsWithMultipleSourceFiles() int64 {
	return s.stats.GetOrZero(CallsWithMultipleSourceFiles)
}
func (s *Statistics) RegisterCallWithMultipleSourceFiles() { s.increment(CallsWithMultipleSourceFiles) }

func (s *Statistics) NumCallsWithPch() int64 { return s.stats.GetOrZero(CallsWithPch) }
func (s *Statistics) RegisterCallWithPch()   { s.increment(CallsWithPch) }

func (s *Statistics) NumCallsForLinking() int64 { return s.stats.GetOrZero(CallsForLinking) }
func (s *Statistics) RegisterCallForLinking()   { s.increment(CallsForLinking) }

func (s *Statistics) NumCallsForExternalDebugInfo() int64 {
	return s.stats.GetOrZero(CallsForExternalDebugInfo)
}
func (s *Statistics) RegisterCallForExternalDebugInfo() { s.increment(CallsForExternalDebugInfo) }

func (s *Statistics) NumCallsForPreprocessing() int64 { return s.stats.GetOrZero(CallsForPreprocessing) }
func (s *Statistics) RegisterCallForPreprocessing()   { s.increment(CallsForPreprocessing) }

func (s *Statistics) NumCacheHits() int64 { return s.stats.GetOrZero(CacheHits) }
func (s *Statistics) RegisterCacheHit()   { s.increment(CacheHits) }

func (s *Statistics) NumCacheMisses() int64 { return s.stats.GetOrZero(CacheMisses) }

// RegisterCacheMiss records a plain miss with no more specific reason.
func (s *Statistics) RegisterCacheMiss() { s.increment(CacheMisses) }

// The specific miss variants below also count into the overall miss counter,
// keeping CacheMisses == Evicted + HeaderChanged + SourceChanged + plain.

func (s *Statistics) NumEvictedMisses() int64 { return s.stats.GetOrZero(EvictedMisses) }
func (s *Statistics) RegisterEvictedMiss() {
	s.RegisterCacheMiss()
	s.increment(EvictedMisses)
}

func (s *Statistics) NumHeaderChangedMisses() int64 { return s.stats.GetOrZero(HeaderChangedMisses) }
func (s *Statistics) RegisterHeaderChangedMiss() {
	s.RegisterCacheMiss()
	s.increment(HeaderChangedMisses)
}

func (s *Statistics) NumSourceChangedMisses() int64 { return s.stats.GetOrZero(SourceChangedMisses) }
func (s *Statistics) RegisterSourceChangedMiss() {
	s.RegisterCacheMiss()
	s.increment(SourceChangedMisses)
}

func (s *Statistics) NumCacheEntries() int64 { return s.stats.GetOrZero(CacheEntries) }
func (s *Statistics) SetNumCacheEntries(number int64) {
	s.stats.Set(CacheEntries, number)
}

func (s *Statistics) RegisterCacheEntry(size int64) {
	s.increment(CacheEntries)
	s.stats.Set(CacheSize, s.stats.GetOrZero(CacheSize)+size)
}

func (s *Statistics) UnregisterCacheEntry(size int64) {
	s.stats.Set(CacheEntries, s.stats.GetOrZero(CacheEntries)-1)
	s.stats.Set(CacheSize, s.stats.GetOrZero(CacheSize)-size)
}

func (s *Statistics) CurrentCacheSize() int64 { return s.stats.GetOrZero(CacheSize) }
func (s *Statistics) SetCacheSize(size int64) {
	s.stats.Set(CacheSize, size)
}

func (s *Statistics) ResetCounters() {
	for _, k := range resettableKeys {
		s.stats.Set(k, 0)
	}
}
