package client

import (
	"errors"
	"fmt"
)

// Classifier rejections. Each one increments its corresponding statistic and
// makes the invocation fall through to the real compiler unchanged.
var (
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrNoSourceFile           = errors.New("no source file found")
	ErrMultipleSourceFiles    = errors.New("multiple source files found")
	ErrCalledForLink          = errors.New("called for linking")
	ErrCalledWithPch          = errors.New("precompiled headers in use")
	ErrExternalDebugInfo      = errors.New("external debug information (/Zi) is not supported")
	ErrCalledForPreprocessing = errors.New("called for preprocessing")
)

// CompilerFailedError reports a non-zero exit from the real compiler where the
// cache needed it to succeed (the no-direct preprocessor run). Message resides
// in MsgErr and is emitted in the stdout position of the returned tuple, the
// way the compiler's own diagnostics would be.
type CompilerFailedError struct {
	ExitCode int
	MsgErr   []byte
	MsgOut   []byte
}

func (e *CompilerFailedError) Error() string {
	return fmt.Sprintf("compiler failed with exit code %d", e.ExitCode)
}
