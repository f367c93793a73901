// Package hashsrv implements the out-of-process file-hash service. A large
// build spawns many sibling clcache invocations that hash the same headers
// over and over; a resident server amortizes that work across all of them.
//
// Requests and responses are simple C-style frames over a unix socket:
// the client writes newline-separated paths terminated by a zero byte, the
// server replies with the newline-separated hex digests terminated by a zero
// byte, or with an error frame starting with '!'.
package hashsrv

import (
	"os"
	"path/filepath"
)

const (
	frameTerminator  = byte(0)
	errorFramePrefix = byte('!')
)

// SocketPath maps the CLCACHE_SERVER identifier to the socket the server
// listens on.
func SocketPath(serverID string) string {
	return filepath.Join(os.TempDir(), "clcache-srv-"+serverID+".sock")
}
