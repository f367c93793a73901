package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/Artalus/clcache/internal/common"
	"github.com/Artalus/clcache/internal/hashsrv"
)

func failedStart(message string, err error) {
	_, _ = fmt.Fprintln(os.Stderr, fmt.Sprint("failed to start clcache-server: ", message, ": ", err))
	os.Exit(1)
}

func main() {
	serverID := common.CmdEnvString("Identifier of this hash server; clients find it via the same value in CLCACHE_SERVER.", "1",
		"server-id", "CLCACHE_SERVER")
	idleTimeout := common.CmdEnvDuration("Exit after this long without a single hash request.\nA finished build should not leave a resident server behind.", 3*time.Minute,
		"idle-timeout", "")

	common.ParseCmdFlagsCombiningWithEnv()

	socketPath := hashsrv.SocketPath(*serverID)
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		failedStart("can't listen on "+socketPath, err)
	}

	server := hashsrv.MakeServer()

	go func() {
		for range time.Tick(5 * time.Second) {
			if server.IdleSince() > *idleTimeout {
				_ = listener.Close()
				_ = os.Remove(socketPath)
				os.Exit(0)
			}
		}
	}()

	fmt.Println("clcache-server", common.GetVersion(), "listening on", socketPath)
	if err := server.Serve(listener); err != nil {
		failedStart("serve", err)
	}
}
