// This module provides integration of the flag package with environment variables.
// The purpose is to launch either `clcache-server -server-id 1` or
// `CLCACHE_SERVER=1 clcache-server`. See usages of CmdEnvString and others.

package common

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

type cmdLineArg interface {
	flag.Value
	isFlagSet() bool
	getCmdName() string
	getEnvName() string
	getDescription() string
}

var allCmdLineArgs []cmdLineArg

type cmdLineArgString struct {
	cmdName string
	envName string
	usage   string

	isSet bool
	value string
}

func (s *cmdLineArgString) String() string { return s.value }

func (s *cmdLineArgString) Set(v string) error {
	s.isSet = true
	s.value = v
	return nil
}

func (s *cmdLineArgString) getCmdName() string     { return s.cmdName }
func (s *cmdLineArgString) getEnvName() string     { return s.envName }
func (s *cmdLineArgString) getDescription() string { return s.usage }
func (s *cmdLineArgString) isFlagSet() bool        { return s.isSet }

type cmdLineArgDuration struct {
	cmdName string
	envName string
	usage   string

	isSet bool
	value time.Duration
}

func (s *cmdLineArgDuration) String() string { return s.value.String() }

func (s *cmdLineArgDuration) Set(v string) error {
	s.isSet = true
	t, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	s.value = t
	return nil
}

func (s *cmdLineArgDuration) getCmdName() string     { return s.cmdName }
func (s *cmdLineArgDuration) getEnvName() string     { return s.envName }
func (s *cmdLineArgDuration) getDescription() string { return s.usage }
func (s *cmdLineArgDuration) isFlagSet() bool        { return s.isSet }

func initCmdFlag(s cmdLineArg, cmdName string, usage string) {
	if cmdName != "" { // only env var makes sense
		flag.Var(s, cmdName, usage)
	}
}

func customPrintUsage() {
	fmt.Printf("Usage of %s:\n\n", os.Args[0])
	for _, f := range allCmdLineArgs {
		if f.getCmdName() != "" {
			fmt.Printf("  -%s\n", f.getCmdName())
		}
		if f.getEnvName() != "" {
			fmt.Printf("  %s=\n", f.getEnvName())
		}
		fmt.Print("    \t")
		fmt.Print(strings.ReplaceAll(f.getDescription(), "\n", "\n    \t"))
		fmt.Print("\n\n")
	}
}

func CmdEnvString(usage string, defaultValue string, cmdFlagName string, envName string) *string {
	sf := &cmdLineArgString{cmdFlagName, envName, usage, false, defaultValue}
	allCmdLineArgs = append(allCmdLineArgs, sf)
	initCmdFlag(sf, cmdFlagName, usage)
	return &sf.value
}

func CmdEnvDuration(usage string, defaultValue time.Duration, cmdFlagName string, envName string) *time.Duration {
	sf := &cmdLineArgDuration{cmdFlagName, envName, usage, false, defaultValue}
	allCmdLineArgs = append(allCmdLineArgs, sf)
	initCmdFlag(sf, cmdFlagName, usage)
	return &sf.value
}

func ParseCmdFlagsCombiningWithEnv() {
	flag.Usage = customPrintUsage
	flag.Parse()
	for _, f := range allCmdLineArgs {
		// override by a corresponding ENV_NAME if a command-line -flag not provided
		if !f.isFlagSet() && f.getEnvName() != "" {
			if envVal := os.Getenv(f.getEnvName()); envVal != "" {
				if err := f.Set(envVal); err != nil {
					fmt.Printf("error parsing %s env var: %v", f.getEnvName(), err)
					flag.Usage()
					os.Exit(2)
				}
			}
		}
	}
}
