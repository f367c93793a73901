package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Artalus/clcache/internal/cache"
	"github.com/Artalus/clcache/internal/client"
	"github.com/Artalus/clcache/internal/common"
)

var (
	flagShowStats bool
	flagClean     bool
	flagClear     bool
	flagReset     bool
	flagCacheSize int64

	// the real compiler's exit code must become ours, bypassing cobra's
	// error-based reporting
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "clcache [flags] [compiler] [compiler arguments...]",
	Short: "clcache v" + common.GetVersion(),
	Long: `clcache is a compiler cache wrapping the cl.exe family of compiler drivers.

Invoked with compiler arguments, it serves cached object files when an
identical compile was seen before and runs the real compiler otherwise.
The compiler path is optional; if not present, clcache looks at the
CLCACHE_CL environment variable or searches PATH for cl.exe.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func declareMaintenanceFlags(flags *pflag.FlagSet) {
	// everything from the compiler path onward belongs to the compiler
	flags.SetInterspersed(false)
	flags.BoolVarP(&flagShowStats, "stats", "s", false, "print cache statistics")
	flags.BoolVarP(&flagClean, "clean", "c", false, "clean cache")
	flags.BoolVarP(&flagClear, "clear", "C", false, "clear cache")
	flags.BoolVarP(&flagReset, "reset", "z", false, "reset cache statistics")
	flags.Int64VarP(&flagCacheSize, "set-size", "M", 0, "set maximum cache size (in bytes)")
}

func init() {
	declareMaintenanceFlags(rootCmd.Flags())
	rootCmd.MarkFlagsMutuallyExclusive("stats", "clean", "clear", "reset", "set-size")
}

func run(cmd *cobra.Command, args []string) error {
	c, err := cache.MakeCache("")
	if err != nil {
		return err
	}

	switch {
	case flagShowStats:
		return printStatistics(c)

	case flagClean:
		if err := cache.CleanCache(c); err != nil {
			return err
		}
		fmt.Println("Cache cleaned")
		return nil

	case flagClear:
		if err := cache.ClearCache(c); err != nil {
			return err
		}
		fmt.Println("Cache cleared")
		return nil

	case flagReset:
		if err := cache.ResetStatistics(c); err != nil {
			return err
		}
		fmt.Println("Statistics reset")
		return nil

	case cmd.Flags().Changed("set-size"):
		if flagCacheSize < 1 {
			fmt.Fprintln(os.Stderr, "Max size argument must be greater than 0.")
			exitCode = 1
			return nil
		}
		return setMaximumCacheSize(c, flagCacheSize)
	}

	compiler, compilerArgs := findCompilerBinary(args)
	if compiler == "" {
		fmt.Println("Failed to locate specified compiler, or cl.exe on PATH (and CLCACHE_CL is not set), aborting.")
		exitCode = 1
		return nil
	}
	common.Trace("found real compiler binary at %s", compiler)

	if os.Getenv("CLCACHE_DISABLE") != "" {
		rc, _, _ := client.InvokeRealCompiler(compiler, compilerArgs, client.InvokeOptions{})
		exitCode = rc
		return nil
	}

	rc, err := client.ProcessCompileRequest(c, compiler, compilerArgs)
	if err != nil {
		var logicErr *cache.LogicError
		if errors.As(err, &logicErr) {
			fmt.Println(logicErr.Message)
			exitCode = 1
			return nil
		}
		return err
	}
	exitCode = rc
	return nil
}

// findCompilerBinary splits args into the compiler and its arguments. An
// explicit compiler is recognized by its .exe suffix; otherwise CLCACHE_CL
// or a PATH search supplies it.
func findCompilerBinary(args []string) (string, []string) {
	compilerArgs := args
	compiler := ""
	if len(args) > 0 && strings.HasSuffix(strings.ToLower(args[0]), ".exe") {
		compiler = args[0]
		compilerArgs = args[1:]
	}

	if compiler == "" {
		if envCompiler := os.Getenv("CLCACHE_CL"); envCompiler != "" {
			if _, err := os.Stat(envCompiler); err == nil {
				compiler = envCompiler
			} else if resolved, err := exec.LookPath(envCompiler); err == nil {
				compiler = resolved
			}
		} else if resolved, err := exec.LookPath("cl.exe"); err == nil {
			compiler = resolved
		}
	}

	if compiler != "" {
		if _, err := os.Stat(compiler); err != nil {
			return "", compilerArgs
		}
	}
	return compiler, compilerArgs
}

func setMaximumCacheSize(c *cache.Cache, size int64) error {
	release, err := c.LockAll()
	if err != nil {
		return err
	}
	defer release()

	cfg := c.Configuration()
	cfg.Open()
	cfg.SetMaximumCacheSize(size)
	return cfg.Save()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		common.PrintErr("clcache: " + err.Error())
		os.Exit(1)
	}
	os.Exit(exitCode)
}
