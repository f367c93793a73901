package client

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCommandsFileBasics(t *testing.T) {
	cases := []struct {
		content  string
		expected []string
	}{
		{"", nil},
		{"/c /EHsc main.cpp", []string{"/c", "/EHsc", "main.cpp"}},
		{"  /c\t/nologo   main.cpp ", []string{"/c", "/nologo", "main.cpp"}},
		{`"a b c" d e`, []string{"a b c", "d", "e"}},
		{`"ab\"c" "\\" d`, []string{`ab"c`, `\`, "d"}},
		{`a\\\b d"e f"g h`, []string{`a\\\b`, "de fg", "h"}},
		{`a\\\"b c d`, []string{`a\"b`, "c", "d"}},
		{`a\\\\"b c" d e`, []string{`a\\b c`, "d", "e"}},
		{`/Fo"build dir\obj\main.obj" /c main.cpp`, []string{`/Fobuild dir\obj\main.obj`, "/c", "main.cpp"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.expected, SplitCommandsFile(tc.content), "content: %q", tc.content)
	}
}

func TestExpandCommandLinePassesThroughPlainArgs(t *testing.T) {
	expanded, err := ExpandCommandLine([]string{"/c", "/nologo", "main.cpp"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/c", "/nologo", "main.cpp"}, expanded)
}

func TestExpandCommandLineReadsResponseFile(t *testing.T) {
	dir := t.TempDir()
	rsp := filepath.Join(dir, "args.rsp")
	require.NoError(t, os.WriteFile(rsp, []byte("/c /W4\nmain.cpp"), 0666))

	expanded, err := ExpandCommandLine([]string{"/nologo", "@" + rsp})
	require.NoError(t, err)
	assert.Equal(t, []string{"/nologo", "/c", "/W4", "main.cpp"}, expanded)
}

func TestExpandCommandLineRecursesIntoNestedResponseFiles(t *testing.T) {
	dir := t.TempDir()
	inner := filepath.Join(dir, "inner.rsp")
	require.NoError(t, os.WriteFile(inner, []byte("/O2"), 0666))
	outer := filepath.Join(dir, "outer.rsp")
	require.NoError(t, os.WriteFile(outer, []byte("/c @"+inner+" main.cpp"), 0666))

	expanded, err := ExpandCommandLine([]string{"@" + outer})
	require.NoError(t, err)
	assert.Equal(t, []string{"/c", "/O2", "main.cpp"}, expanded)
}

func TestExpandCommandLineDecodesUTF16ResponseFile(t *testing.T) {
	dir := t.TempDir()
	rsp := filepath.Join(dir, "wide.rsp")
	// "/c ab" in UTF-16 LE with BOM
	raw := []byte{0xFF, 0xFE, '/', 0, 'c', 0, ' ', 0, 'a', 0, 'b', 0}
	require.NoError(t, os.WriteFile(rsp, raw, 0666))

	expanded, err := ExpandCommandLine([]string{"@" + rsp})
	require.NoError(t, err)
	assert.Equal(t, []string{"/c", "ab"}, expanded)
}

func TestExpandCommandLineMissingResponseFile(t *testing.T) {
	_, err := ExpandCommandLine([]string{"@" + filepath.Join(t.TempDir(), "gone.rsp")})
	assert.Error(t, err)
}

func TestExtendCommandLineFromEnvironment(t *testing.T) {
	cmdLine, env := ExtendCommandLineFromEnvironment(
		[]string{"/c", "main.cpp"},
		map[string]string{
			"CL":   "/DPREPEND",
			"_CL_": "/DAPPEND trailing.cpp",
			"PATH": "/usr/bin",
		})

	assert.Equal(t, []string{"/DPREPEND", "/c", "main.cpp", "/DAPPEND", "trailing.cpp"}, cmdLine)
	assert.NotContains(t, env, "CL")
	assert.NotContains(t, env, "_CL_")
	assert.Equal(t, "/usr/bin", env["PATH"])
}

func TestExtendCommandLineLeavesEnvironmentAloneWithoutVariables(t *testing.T) {
	cmdLine, env := ExtendCommandLineFromEnvironment(
		[]string{"/c", "main.cpp"},
		map[string]string{"PATH": "/usr/bin"})
	assert.Equal(t, []string{"/c", "main.cpp"}, cmdLine)
	assert.Equal(t, "/usr/bin", env["PATH"])
}

func TestJobCount(t *testing.T) {
	assert.Equal(t, 1, JobCount([]string{"/c", "main.cpp"}))
	assert.Equal(t, 4, JobCount([]string{"/MP4", "/c", "main.cpp"}))
	// the last /MP takes precedence
	assert.Equal(t, 2, JobCount([]string{"/MP4", "/MP2", "/c"}))
	// malformed trailing characters are not a job count
	assert.Equal(t, 1, JobCount([]string{"/MPfoo"}))
	assert.Equal(t, 1, JobCount([]string{"/MP4x"}))
	// bare /MP means one job per CPU
	assert.Equal(t, runtime.NumCPU(), JobCount([]string{"/MP"}))
	assert.Equal(t, runtime.NumCPU(), JobCount([]string{"/MP1", "/MP"}))
}
