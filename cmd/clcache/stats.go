package main

import (
	"fmt"

	"github.com/Artalus/clcache/internal/cache"
)

const statisticsTemplate = `clcache statistics:
  current cache dir         : %s
  cache size                : %d bytes
  maximum cache size        : %d bytes
  cache entries             : %d
  cache hits                : %d
  cache misses
    total                      : %d
    evicted                    : %d
    header changed             : %d
    source changed             : %d
  passed to real compiler
    called w/ invalid argument : %d
    called for preprocessing   : %d
    called for linking         : %d
    called for external debug  : %d
    called w/o source          : %d
    called w/ multiple sources : %d
    called w/ PCH              : %d
`

func printStatistics(c *cache.Cache) error {
	stats := c.Statistics()
	if err := stats.Lock.Acquire(); err != nil {
		return err
	}
	defer stats.Lock.Release()
	stats.Open()

	cfg := c.Configuration()
	cfg.Open()

	fmt.Printf(statisticsTemplate,
		c,
		stats.CurrentCacheSize(),
		cfg.MaximumCacheSize(),
		stats.NumCacheEntries(),
		stats.NumCacheHits(),
		stats.NumCacheMisses(),
		stats.NumEvictedMisses(),
		stats.NumHeaderChangedMisses(),
		stats.NumSourceChangedMisses(),
		stats.NumCallsWithInvalidArgument(),
		stats.NumCallsForPreprocessing(),
		stats.NumCallsForLinking(),
		stats.NumCallsForExternalDebugInfo(),
		stats.NumCallsWithoutSourceFile(),
		stats.NumCallsWithMultipleSourceFiles(),
		stats.NumCallsWithPch(),
	)
	if err := cfg.Save(); err != nil {
		return err
	}
	return stats.Save()
}
