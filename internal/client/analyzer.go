package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// cl.exe switch families, distinguished by how their parameter attaches.
const (
	// /NAMEparameter, no space, parameter required
	argT1 = iota
	// /NAME[parameter], no space, parameter optional
	argT2
	// /NAME[ ]parameter, optional space
	argT3
	// /NAME parameter, required space
	argT4
)

type argumentSpec struct {
	name string
	kind int
}

var argumentsWithParameter = []argumentSpec{
	{"Ob", argT1}, {"Yl", argT1}, {"Zm", argT1},
	{"doc", argT2}, {"FA", argT2}, {"FR", argT2}, {"Fr", argT2},
	{"Gs", argT2}, {"MP", argT2}, {"Yc", argT2}, {"Yu", argT2},
	{"Zp", argT2}, {"Fa", argT2}, {"Fd", argT2}, {"Fe", argT2},
	{"Fi", argT2}, {"Fm", argT2}, {"Fo", argT2}, {"Fp", argT2},
	{"Wv", argT2},
	{"AI", argT3}, {"D", argT3}, {"Tc", argT3}, {"Tp", argT3},
	{"FI", argT3}, {"U", argT3}, {"I", argT3}, {"F", argT3},
	{"FU", argT3}, {"w1", argT3}, {"w2", argT3}, {"w3", argT3},
	{"w4", argT3}, {"wd", argT3}, {"we", argT3}, {"wo", argT3},
	{"V", argT3},
	{"imsvc", argT3},
	{"Xclang", argT4},
}

var argumentsWithParameterSorted []argumentSpec

func init() {
	argumentsWithParameterSorted = append(argumentsWithParameterSorted, argumentsWithParameter...)
	// longest first, so e.g. /FU is not mistaken for /F
	sort.SliceStable(argumentsWithParameterSorted, func(i, j int) bool {
		return len(argumentsWithParameterSorted[i].name) > len(argumentsWithParameterSorted[j].name)
	})
}

func getParameterizedArgumentType(cmdLineArgument string) *argumentSpec {
	for i := range argumentsWithParameterSorted {
		arg := &argumentsWithParameterSorted[i]
		if strings.HasPrefix(cmdLineArgument[1:], arg.name) {
			return arg
		}
	}
	return nil
}

// SourceFile is one translation unit of an invocation together with the
// forced-language prefix (/Tc or /Tp) it was given, if any.
type SourceFile struct {
	Path     string
	Language string
}

// ParseArgumentsAndInputFiles splits a command line into switches, keyed by
// switch name with one value per occurrence, and bare input files.
func ParseArgumentsAndInputFiles(cmdline []string) (map[string][]string, []string, error) {
	arguments := make(map[string][]string)
	var inputFiles []string
	for i := 0; i < len(cmdline); i++ {
		cmdLineArgument := cmdline[i]

		if strings.HasPrefix(cmdLineArgument, "/") {
			if info, statErr := os.Stat(cmdLineArgument); statErr == nil && info.Mode().IsRegular() {
				// an absolute path naming an existing file is an input file,
				// not a switch
				inputFiles = append(inputFiles, cmdLineArgument)
				continue
			}
		}

		if strings.HasPrefix(cmdLineArgument, "/") || strings.HasPrefix(cmdLineArgument, "-") {
			arg := getParameterizedArgumentType(cmdLineArgument)
			if arg != nil {
				var value string
				switch arg.kind {
				case argT1:
					value = cmdLineArgument[len(arg.name)+1:]
					if value == "" {
						return nil, nil, fmt.Errorf("%w: parameter for /%s must not be empty", ErrInvalidArgument, arg.name)
					}
				case argT2:
					value = cmdLineArgument[len(arg.name)+1:]
				case argT3:
					value = cmdLineArgument[len(arg.name)+1:]
					if value == "" {
						if i+1 >= len(cmdline) {
							return nil, nil, fmt.Errorf("%w: missing parameter for /%s", ErrInvalidArgument, arg.name)
						}
						i++
						value = cmdline[i]
					}
				case argT4:
					if i+1 >= len(cmdline) {
						return nil, nil, fmt.Errorf("%w: missing parameter for /%s", ErrInvalidArgument, arg.name)
					}
					i++
					value = cmdline[i]
				}
				arguments[arg.name] = append(arguments[arg.name], value)
			} else {
				// name not followed by a parameter in this case
				argumentName := cmdLineArgument[1:]
				arguments[argumentName] = append(arguments[argumentName], "")
			}
		} else if strings.HasPrefix(cmdLineArgument, "@") {
			return nil, nil, fmt.Errorf("%w: response file argument %s was not expanded", ErrInvalidArgument, cmdLineArgument)
		} else {
			inputFiles = append(inputFiles, cmdLineArgument)
		}
	}
	return arguments, inputFiles, nil
}

func basenameWithoutExtension(path string) string {
	basename := filepath.Base(path)
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

// Analyze decides whether an invocation is cacheable and, if so, which source
// files it compiles and which object files it produces. The returned slices
// have equal length.
func Analyze(cmdline []string) ([]SourceFile, []string, error) {
	options, inputFiles, err := ParseArgumentsAndInputFiles(cmdline)
	if err != nil {
		return nil, nil, err
	}

	// forced-language switches shadow input files already seen as bare
	// arguments; order of first appearance is kept
	var inputOrder []string
	inputLanguage := make(map[string]string)
	addInput := func(inputFile string, language string) {
		if _, seen := inputLanguage[inputFile]; !seen {
			inputOrder = append(inputOrder, inputFile)
		}
		inputLanguage[inputFile] = language
	}
	for _, inputFile := range inputFiles {
		addInput(inputFile, "")
	}
	forcedLanguage := false
	for _, inputFile := range options["Tp"] {
		addInput(inputFile, "/Tp")
		forcedLanguage = true
	}
	for _, inputFile := range options["Tc"] {
		addInput(inputFile, "/Tc")
		forcedLanguage = true
	}

	if len(inputOrder) == 0 {
		return nil, nil, ErrNoSourceFile
	}

	for _, opt := range []string{"E", "EP", "P"} {
		if _, present := options[opt]; present {
			return nil, nil, ErrCalledForPreprocessing
		}
	}

	// Technically, it would be possible to support /Zi: we'd just need to
	// copy the generated .pdb files into/out of the cache.
	if _, present := options["Zi"]; present {
		return nil, nil, ErrExternalDebugInfo
	}

	if _, present := options["Yc"]; present {
		return nil, nil, ErrCalledWithPch
	}
	if _, present := options["Yu"]; present {
		return nil, nil, ErrCalledWithPch
	}

	if _, present := options["link"]; present {
		return nil, nil, ErrCalledForLink
	}
	if _, present := options["c"]; !present {
		return nil, nil, ErrCalledForLink
	}

	if len(inputOrder) > 1 && forcedLanguage {
		return nil, nil, ErrMultipleSourceFiles
	}

	sources := make([]SourceFile, 0, len(inputOrder))
	for _, inputFile := range inputOrder {
		sources = append(sources, SourceFile{Path: inputFile, Language: inputLanguage[inputFile]})
	}

	var objectFiles []string
	prefix := ""
	if fo := options["Fo"]; len(fo) > 0 && fo[0] != "" {
		tmp := filepath.Clean(fo[0])
		if stat, err := os.Stat(tmp); err == nil && stat.IsDir() {
			prefix = tmp
		} else if len(sources) == 1 {
			objectFiles = []string{tmp}
		}
	}
	if objectFiles == nil {
		for _, source := range sources {
			objectFiles = append(objectFiles, filepath.Join(prefix, basenameWithoutExtension(source.Path))+".obj")
		}
	}

	return sources, objectFiles, nil
}
