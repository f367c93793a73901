package client

import (
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/Artalus/clcache/internal/common"
)

// InvokeOptions selects how the real compiler is run.
type InvokeOptions struct {
	// CaptureOutput routes stdout/stderr through temporary files instead of
	// inheriting the parent's streams.
	CaptureOutput bool
	// Environment replaces the inherited environment when non-nil.
	Environment map[string]string
}

// EnvironMap returns the process environment as a map.
func EnvironMap() map[string]string {
	environ := os.Environ()
	environment := make(map[string]string, len(environ))
	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				environment[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return environment
}

func flattenEnvironment(environment map[string]string) []string {
	keys := make([]string, 0, len(environment))
	for k := range environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	flat := make([]string, 0, len(keys))
	for _, k := range keys {
		flat = append(flat, k+"="+environment[k])
	}
	return flat
}

// InvokeRealCompiler runs the real compiler and returns its exit code and the
// captured stdout/stderr. Output capture goes through temporary files, never
// through an in-process pipe with a pumping goroutine. The VS_UNICODE_OUTPUT
// variable is removed so the compiler writes plain console output.
func InvokeRealCompiler(compilerBinary string, cmdLine []string, options InvokeOptions) (int, []byte, []byte) {
	environment := options.Environment
	if environment == nil {
		environment = EnvironMap()
	} else {
		copied := make(map[string]string, len(environment))
		for k, v := range environment {
			copied[k] = v
		}
		environment = copied
	}
	// Set externally, and groks up output from the compiler
	delete(environment, "VS_UNICODE_OUTPUT")

	common.Trace("invoking real compiler as %s %v", compilerBinary, cmdLine)

	compilerCommand := exec.Command(compilerBinary, cmdLine...)
	compilerCommand.Env = flattenEnvironment(environment)

	var stdout, stderr []byte
	if options.CaptureOutput {
		stdoutFile, err := os.CreateTemp("", "clcache-stdout-*.txt")
		if err != nil {
			return -1, nil, []byte(fmt.Sprintln(err))
		}
		stderrFile, err := os.CreateTemp("", "clcache-stderr-*.txt")
		if err != nil {
			_ = stdoutFile.Close()
			_ = os.Remove(stdoutFile.Name())
			return -1, nil, []byte(fmt.Sprintln(err))
		}
		defer func() {
			_ = stdoutFile.Close()
			_ = stderrFile.Close()
			_ = os.Remove(stdoutFile.Name())
			_ = os.Remove(stderrFile.Name())
		}()

		compilerCommand.Stdout = stdoutFile
		compilerCommand.Stderr = stderrFile

		runErr := compilerCommand.Run()
		stdout, _ = os.ReadFile(stdoutFile.Name())
		stderr, _ = os.ReadFile(stderrFile.Name())
		if len(stderr) == 0 && runErr != nil && compilerCommand.ProcessState == nil {
			stderr = []byte(fmt.Sprintln(runErr))
		}
	} else {
		compilerCommand.Stdout = os.Stdout
		compilerCommand.Stderr = os.Stderr
		runErr := compilerCommand.Run()
		if runErr != nil && compilerCommand.ProcessState == nil {
			stderr = []byte(fmt.Sprintln(runErr))
		}
	}

	exitCode := -1
	if compilerCommand.ProcessState != nil {
		exitCode = compilerCommand.ProcessState.ExitCode()
	}
	return exitCode, stdout, stderr
}
