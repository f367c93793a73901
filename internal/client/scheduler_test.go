package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterSourceFilesDropsSourcesAndForcedLanguage(t *testing.T) {
	cmdLine := []string{"/c", "/W4", "a.cpp", "/Tcb.c", "-Tpc.cpp", "/MP4", "d.cpp"}
	sources := []SourceFile{
		{Path: "a.cpp"},
		{Path: "b.c", Language: "/Tc"},
		{Path: "c.cpp", Language: "/Tp"},
		{Path: "d.cpp"},
	}

	filtered := filterSourceFiles(cmdLine, sources)
	assert.Equal(t, []string{"/c", "/W4", "/MP4"}, filtered)
}

func TestFilterSourceFilesKeepsUnrelatedArguments(t *testing.T) {
	cmdLine := []string{"/c", "/DSOME=1", "main.cpp"}
	filtered := filterSourceFiles(cmdLine, []SourceFile{{Path: "main.cpp"}})
	assert.Equal(t, []string{"/c", "/DSOME=1"}, filtered)
}
