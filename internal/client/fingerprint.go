package client

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Artalus/clcache/internal/cache"
	"github.com/Artalus/clcache/internal/common"
	"github.com/Artalus/clcache/internal/hashsrv"
)

// BasedirReplacement substitutes the CLCACHE_BASEDIR prefix in every stored
// path, so builds in different working copies share cache entries.
const BasedirReplacement = "?"

// switches whose parameter is a path and therefore goes through the
// absolute/lower-case/basedir pipeline before hashing
var argumentsWithPathParameter = map[string]bool{
	"AI": true,
	"I":  true,
	"FU": true,
}

func normalizeBaseDir(baseDir string) string {
	if baseDir == "" {
		return ""
	}
	baseDir = strings.ToLower(baseDir)
	return strings.TrimRight(baseDir, "/\\")
}

func configuredBaseDir() string {
	return normalizeBaseDir(os.Getenv("CLCACHE_BASEDIR"))
}

// normCasePath makes a path absolute and canonical-case. The cache treats the
// filesystem as case-insensitive, matching the platform compiler.
func normCasePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return strings.ToLower(abs)
}

// CollapseBasedirInPath replaces a configured basedir prefix with the
// placeholder. The input must already be absolute and canonical-case.
func CollapseBasedirInPath(path string) string {
	baseDir := configuredBaseDir()
	if baseDir != "" && strings.HasPrefix(path, baseDir) {
		return BasedirReplacement + path[len(baseDir):]
	}
	return path
}

// ExpandBasedirPlaceholder is the inverse, applied when probing stored
// manifest entries against the current working copy.
func ExpandBasedirPlaceholder(path string) (string, error) {
	if !strings.HasPrefix(path, BasedirReplacement) {
		return path, nil
	}
	baseDir := configuredBaseDir()
	if baseDir == "" {
		return "", &cache.LogicError{Message: "No CLCACHE_BASEDIR set, but found relative path " + path}
	}
	return baseDir + path[len(BasedirReplacement):], nil
}

// CanonicalizeCommandLine reconstructs a command line in a deterministic shape:
// switches sorted by name, path-bearing parameters absolute, lower-cased and
// basedir-collapsed, input files appended last through the same pipeline.
func CanonicalizeCommandLine(arguments map[string][]string, inputFiles []string) []string {
	keys := make([]string, 0, len(arguments))
	for k := range arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var commandLine []string
	for _, k := range keys {
		for _, value := range arguments[k] {
			if argumentsWithPathParameter[k] {
				value = CollapseBasedirInPath(normCasePath(value))
			}
			commandLine = append(commandLine, "/"+k+value)
		}
	}
	for _, inputFile := range inputFiles {
		commandLine = append(commandLine, CollapseBasedirInPath(normCasePath(inputFile)))
	}
	return commandLine
}

// GetManifestHash fingerprints one (compiler, flags, source) tuple. The source
// file's content takes part in the hash; header contents do not — those are
// captured per manifest entry.
func GetManifestHash(compilerBinary string, cmdLine []string, sourceFile string) (string, error) {
	compilerHash, err := common.GetCompilerHash(compilerBinary)
	if err != nil {
		return "", err
	}

	arguments, inputFiles, err := ParseArgumentsAndInputFiles(cmdLine)
	if err != nil {
		return "", err
	}
	canonical := CanonicalizeCommandLine(arguments, inputFiles)

	additionalData := fmt.Sprintf("%s|%s|%d",
		compilerHash, strings.Join(canonical, " "), cache.ManifestFileFormatVersion)
	return common.HashFile(sourceFile, additionalData)
}

// GetFileHashes hashes many files at once, through the out-of-process hash
// server when CLCACHE_SERVER is set, otherwise through the in-process memo.
func GetFileHashes(hashCache *common.HashCache, filePaths []string) ([]string, error) {
	if serverID := os.Getenv("CLCACHE_SERVER"); serverID != "" {
		return hashsrv.GetFileHashes(serverID, filePaths)
	}
	hashes := make([]string, 0, len(filePaths))
	for _, filePath := range filePaths {
		digest, err := hashCache.GetFileHash(filePath)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, digest)
	}
	return hashes, nil
}

func getIncludesContentHashForHashes(listOfHashes []string) string {
	return common.HashString(strings.Join(listOfHashes, ","))
}

// GetIncludesContentHashForFiles hashes the current contents of an include
// set, in the order given.
func GetIncludesContentHashForFiles(hashCache *common.HashCache, includes []string) (string, error) {
	listOfHashes, err := GetFileHashes(hashCache, includes)
	if err != nil {
		return "", err
	}
	return getIncludesContentHashForHashes(listOfHashes), nil
}

// ComputeKeyDirect derives the object-store key for a direct-mode compile. The
// manifest hash is mixed in so that two source files with identical include
// sets cannot collide.
func ComputeKeyDirect(manifestHash string, includesContentHash string) string {
	return common.HashString(manifestHash + includesContentHash)
}

// CreateManifestEntry builds the entry recording that compiling under
// manifestHash with the given include files produced the entry's object.
// The include list is sorted and de-duplicated, so the same set of headers
// always yields the same entry regardless of notification order.
func CreateManifestEntry(hashCache *common.HashCache, manifestHash string, includePaths []string) (cache.ManifestEntry, error) {
	unique := make(map[string]bool, len(includePaths))
	for _, path := range includePaths {
		unique[path] = true
	}
	sortedIncludePaths := make([]string, 0, len(unique))
	for path := range unique {
		sortedIncludePaths = append(sortedIncludePaths, path)
	}
	sort.Strings(sortedIncludePaths)

	includeHashes, err := GetFileHashes(hashCache, sortedIncludePaths)
	if err != nil {
		return cache.ManifestEntry{}, err
	}

	safeIncludes := make([]string, 0, len(sortedIncludePaths))
	for _, path := range sortedIncludePaths {
		safeIncludes = append(safeIncludes, CollapseBasedirInPath(path))
	}

	includesContentHash := getIncludesContentHashForHashes(includeHashes)
	return cache.ManifestEntry{
		IncludeFiles:        safeIncludes,
		IncludesContentHash: includesContentHash,
		ObjectHash:          ComputeKeyDirect(manifestHash, includesContentHash),
	}, nil
}

// switches that only influence the preprocessor; the preprocessed output
// already bears their combined effect, so they are stripped from the
// no-direct key, together with the output file and parallelism switches
var nodirectArgsToStrip = []string{
	"AI", "C", "E", "P", "FI", "u", "X", "FU", "D", "EP", "Fx", "U", "I",
	"Fo",
	"MP",
}

func normalizedCommandLine(cmdLine []string) []string {
	normalized := make([]string, 0, len(cmdLine))
	for _, arg := range cmdLine {
		stripped := false
		if len(arg) > 1 && (arg[0] == '/' || arg[0] == '-') {
			for _, prefix := range nodirectArgsToStrip {
				if strings.HasPrefix(arg[1:], prefix) {
					stripped = true
					break
				}
			}
		}
		if !stripped {
			normalized = append(normalized, arg)
		}
	}
	return normalized
}

// ComputeKeyNodirect derives the object-store key by running the preprocessor
// and hashing its output together with the compiler identity and the
// normalized command line.
func ComputeKeyNodirect(compilerBinary string, cmdLine []string, environment map[string]string) (string, error) {
	ppCmd := []string{"/EP"}
	for _, arg := range cmdLine {
		if arg != "/c" && arg != "-c" {
			ppCmd = append(ppCmd, arg)
		}
	}

	returnCode, preprocessedSourceCode, ppStderr := InvokeRealCompiler(compilerBinary, ppCmd, InvokeOptions{
		CaptureOutput: true,
		Environment:   environment,
	})
	if returnCode != 0 {
		msgErr := append(append([]byte{}, ppStderr...), []byte("\nclcache: preprocessor failed\n")...)
		return "", &CompilerFailedError{ExitCode: returnCode, MsgErr: msgErr}
	}

	compilerHash, err := common.GetCompilerHash(compilerBinary)
	if err != nil {
		return "", err
	}

	hasher := sha256.New()
	hasher.Write([]byte(compilerHash))
	hasher.Write([]byte(" "))
	hasher.Write([]byte(strings.Join(normalizedCommandLine(cmdLine), " ")))
	hasher.Write(preprocessedSourceCode)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
