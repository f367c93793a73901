package client

import (
	"errors"
	"os"
	"strings"

	"github.com/Artalus/clcache/internal/cache"
	"github.com/Artalus/clcache/internal/common"
)

// ProcessCompileRequest is the entry point for one intercepted compiler
// invocation: it expands the command line, classifies it, and either schedules
// cacheable jobs or falls through to the real compiler.
func ProcessCompileRequest(c *cache.Cache, compiler string, args []string) (int, error) {
	common.Trace("parsing given commandline %v", args)

	cmdLine, environment := ExtendCommandLineFromEnvironment(args, EnvironMap())
	cmdLine, err := ExpandCommandLine(cmdLine)
	if err != nil {
		common.PrintErr("clcache: " + err.Error())
		rc, stdout, stderr := InvokeRealCompiler(compiler, args, InvokeOptions{})
		printOutAndErr(stdout, stderr)
		return rc, nil
	}
	common.Trace("expanded commandline %v", cmdLine)

	sourceFiles, objectFiles, err := Analyze(cmdLine)
	if err == nil {
		return scheduleJobs(c, compiler, cmdLine, environment, sourceFiles, objectFiles)
	}

	var reason StatisticsUpdate
	switch {
	case errors.Is(err, ErrInvalidArgument):
		common.Trace("cannot cache invocation as %v: invalid argument", cmdLine)
		reason = (*cache.Statistics).RegisterCallWithInvalidArgument
	case errors.Is(err, ErrNoSourceFile):
		common.Trace("cannot cache invocation as %v: no source file found", cmdLine)
		reason = (*cache.Statistics).RegisterCallWithoutSourceFile
	case errors.Is(err, ErrMultipleSourceFiles):
		common.Trace("cannot cache invocation as %v: multiple source files found", cmdLine)
		reason = (*cache.Statistics).RegisterCallWithMultipleSourceFiles
	case errors.Is(err, ErrCalledWithPch):
		common.Trace("cannot cache invocation as %v: precompiled headers in use", cmdLine)
		reason = (*cache.Statistics).RegisterCallWithPch
	case errors.Is(err, ErrCalledForLink):
		common.Trace("cannot cache invocation as %v: called for linking", cmdLine)
		reason = (*cache.Statistics).RegisterCallForLinking
	case errors.Is(err, ErrExternalDebugInfo):
		common.Trace("cannot cache invocation as %v: external debug information (/Zi) is not supported", cmdLine)
		reason = (*cache.Statistics).RegisterCallForExternalDebugInfo
	case errors.Is(err, ErrCalledForPreprocessing):
		common.Trace("cannot cache invocation as %v: called for preprocessing", cmdLine)
		reason = (*cache.Statistics).RegisterCallForPreprocessing
	default:
		return 1, err
	}
	if err := c.Statistics().Update(reason); err != nil {
		return 1, err
	}

	rc, stdout, stderr := InvokeRealCompiler(compiler, args, InvokeOptions{})
	printOutAndErr(stdout, stderr)
	return rc, nil
}

// filterSourceFiles removes every token that is a source path or a
// forced-language switch from the command line.
func filterSourceFiles(cmdLine []string, sourceFiles []SourceFile) []string {
	setOfSources := make(map[string]bool, len(sourceFiles))
	for _, source := range sourceFiles {
		setOfSources[source.Path] = true
	}
	filtered := make([]string, 0, len(cmdLine))
	for _, arg := range cmdLine {
		if setOfSources[arg] {
			continue
		}
		if strings.HasPrefix(arg, "/Tc") || strings.HasPrefix(arg, "/Tp") ||
			strings.HasPrefix(arg, "-Tc") || strings.HasPrefix(arg, "-Tp") {
			continue
		}
		filtered = append(filtered, arg)
	}
	return filtered
}

type jobResult struct {
	result CompileResult
	err    error
}

// scheduleJobs fans the invocation's source files out to a pool of workers
// sized by /MP and aggregates their results in completion order.
func scheduleJobs(c *cache.Cache, compiler string, cmdLine []string, environment map[string]string,
	sourceFiles []SourceFile, objectFiles []string) (int, error) {

	baseCmdLine := make([]string, 0, len(cmdLine))
	for _, arg := range filterSourceFiles(cmdLine, sourceFiles) {
		if !strings.HasPrefix(arg, "/MP") {
			baseCmdLine = append(baseCmdLine, arg)
		}
	}

	hashCache := common.MakeHashCache()

	exitCode := 0
	cleanupRequired := false

	if os.Getenv("CLCACHE_SINGLEFILE") != "" {
		if len(sourceFiles) != 1 || len(objectFiles) != 1 {
			return 1, &cache.LogicError{Message: "CLCACHE_SINGLEFILE set but invocation has several sources"}
		}
		source := sourceFiles[0]
		jobCmdLine := append(append([]string{}, baseCmdLine...), source.Language+source.Path)
		result, err := ProcessSingleSource(c, hashCache, compiler, jobCmdLine, source.Path, objectFiles[0], environment)
		if err != nil {
			return 1, err
		}
		common.Trace("finished, exit code %d", result.ExitCode)
		exitCode = result.ExitCode
		cleanupRequired = result.CleanupRequired
		printOutAndErr(result.Stdout, result.Stderr)
	} else {
		type job struct {
			source     SourceFile
			objectFile string
		}
		jobs := make(chan job, len(sourceFiles))
		results := make(chan jobResult, len(sourceFiles))

		workerCount := JobCount(cmdLine)
		if workerCount > len(sourceFiles) {
			workerCount = len(sourceFiles)
		}
		for w := 0; w < workerCount; w++ {
			go func() {
				for j := range jobs {
					jobCmdLine := append(append([]string{}, baseCmdLine...), j.source.Language+j.source.Path)
					result, err := ProcessSingleSource(c, hashCache, compiler, jobCmdLine, j.source.Path, j.objectFile, environment)
					results <- jobResult{result: result, err: err}
				}
			}()
		}
		for i, source := range sourceFiles {
			jobs <- job{source: source, objectFile: objectFiles[i]}
		}
		close(jobs)

		// results are consumed as they complete; after the first failure the
		// remaining workers finish naturally and their results are discarded
		for i := 0; i < len(sourceFiles); i++ {
			r := <-results
			if r.err != nil {
				common.PrintErr("clcache: " + r.err.Error())
				exitCode = 1
				break
			}
			common.Trace("finished, exit code %d", r.result.ExitCode)
			exitCode = r.result.ExitCode
			cleanupRequired = cleanupRequired || r.result.CleanupRequired
			printOutAndErr(r.result.Stdout, r.result.Stderr)

			if exitCode != 0 {
				break
			}
		}
	}

	if cleanupRequired {
		if err := cache.CleanCache(c); err != nil {
			return 1, err
		}
	}

	return exitCode, nil
}

// printOutAndErr forwards one job's captured output as whole blocks, so
// concurrent jobs' messages never interleave mid-line.
func printOutAndErr(stdout []byte, stderr []byte) {
	common.PrintBinary(os.Stdout, stdout)
	common.PrintBinary(os.Stderr, stderr)
}
