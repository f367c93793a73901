package hashsrv

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Artalus/clcache/internal/common"
)

const (
	// a busy endpoint is retried with a bounded back-off
	connectAttempts     = 10
	connectRetryDelayMs = 50
)

// GetFileHashes asks the resident hash server for the digests of filePaths,
// returned in the same order.
func GetFileHashes(serverID string, filePaths []string) ([]string, error) {
	// an empty request frame and an empty response frame are indistinguishable
	// from the framing alone, so the empty include set never goes on the wire
	if len(filePaths) == 0 {
		return nil, nil
	}

	conn, err := dialWithBackoff(SocketPath(serverID))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	request := strings.Join(filePaths, "\n")
	if _, err := conn.Write(append([]byte(request), frameTerminator)); err != nil {
		return nil, err
	}

	response, err := bufio.NewReader(conn).ReadBytes(frameTerminator)
	if err != nil {
		return nil, err
	}
	response = response[:len(response)-1]

	if len(response) > 0 && response[0] == errorFramePrefix {
		message := string(response[1:])
		if strings.Contains(message, "include file not found") {
			return nil, fmt.Errorf("%w: %s", common.ErrIncludeNotFound, message)
		}
		return nil, errors.New("hash server: " + message)
	}

	// strings.Split of an empty string yields one empty element, not none
	var hashes []string
	if len(response) > 0 {
		hashes = strings.Split(string(response), "\n")
	}
	if len(hashes) != len(filePaths) {
		return nil, fmt.Errorf("hash server returned %d hashes for %d paths", len(hashes), len(filePaths))
	}
	return hashes, nil
}

func dialWithBackoff(socketPath string) (net.Conn, error) {
	var lastErr error
	delay := connectRetryDelayMs * time.Millisecond
	for attempt := 0; attempt < connectAttempts; attempt++ {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(delay)
		delay *= 2
	}
	return nil, lastErr
}
