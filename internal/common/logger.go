package common

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// LoggerWrapper writes trace statements describing what the cache decided
// for an invocation. It stays silent unless CLCACHE_LOG is set, since the
// wrapper runs once per compiled source and build logs get noisy fast.
type LoggerWrapper struct {
	impl *log.Logger
}

var (
	traceLogger *LoggerWrapper
	loggerOnce  sync.Once

	// outputMu serializes whole-block writes of captured compiler output, so
	// concurrent jobs' messages never interleave mid-line.
	outputMu sync.Mutex
)

func getTraceLogger() *LoggerWrapper {
	loggerOnce.Do(func() {
		traceLogger = &LoggerWrapper{}
		if os.Getenv("CLCACHE_LOG") != "" {
			traceLogger.impl = log.New(os.Stdout, "clcache: ", 0)
		}
	})
	return traceLogger
}

func Trace(format string, v ...interface{}) {
	logger := getTraceLogger()
	if logger.impl != nil {
		outputMu.Lock()
		_ = logger.impl.Output(0, fmt.Sprintf(format, v...))
		outputMu.Unlock()
	}
}

// PrintBinary forwards a captured output block to the given stream as raw bytes.
func PrintBinary(stream *os.File, rawData []byte) {
	outputMu.Lock()
	_, _ = stream.Write(rawData)
	outputMu.Unlock()
}

func PrintErr(message string) {
	outputMu.Lock()
	_, _ = fmt.Fprintln(os.Stderr, message)
	outputMu.Unlock()
}
