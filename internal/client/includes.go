package client

import (
	"regexp"
	"sort"
	"strings"
)

// Include-notification lines look like
//
//	Note: including file:         C:\Program Files (x86)\...\limits.h
//	Hinweis: Einlesen der Datei:   C:\...\iterator
//
// so the match is one word (the localized "note"), a colon and space, a phrase
// of words and spaces (the localized "including file"), a colon, spaces, and
// the path starting with a non-whitespace character.
var includeLineRe = regexp.MustCompile(`^(\w+): ([ \w]+):( +)(\S.*)$`)

// ParseIncludes extracts the set of include files named by /showIncludes
// notification lines in compilerOutput. The source file itself is dropped.
// With strip set, matching lines are removed from the returned output; it is
// set exactly when the cache injected /showIncludes itself.
func ParseIncludes(compilerOutput []byte, sourceFile string, strip bool) ([]string, []byte) {
	absSourceFile := normCasePath(sourceFile)
	includes := make(map[string]bool)
	var newOutput strings.Builder

	output := string(compilerOutput)
	for len(output) > 0 {
		line := output
		rest := ""
		if idx := strings.IndexByte(output, '\n'); idx >= 0 {
			line = output[:idx+1]
			rest = output[idx+1:]
		}
		output = rest

		match := includeLineRe.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
		if match != nil {
			filePath := normCasePath(match[4])
			if filePath != absSourceFile {
				includes[filePath] = true
			}
		} else if strip {
			newOutput.WriteString(line)
		}
	}

	includePaths := make([]string, 0, len(includes))
	for filePath := range includes {
		includePaths = append(includePaths, filePath)
	}
	sort.Strings(includePaths)

	if strip {
		return includePaths, []byte(newOutput.String())
	}
	return includePaths, compilerOutput
}
