package cache

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const defaultLockTimeoutMs = 10 * 1000

// lockRetryInterval bounds how stale a timed-out acquisition can be; flock
// itself has no timed wait.
const lockRetryInterval = 5 * time.Millisecond

// CacheLock is a host-wide named mutual exclusion primitive. The name is
// derived from the path of the resource it guards, so every process on the
// machine that works on the same cache directory contends on the same lock.
//
// Cross-process exclusion comes from flock(2) on a well-known file; the kernel
// drops the lock when the owning process dies, which gives the required
// abandonment semantics: a crashed builder never wedges the cache. The
// in-process semaphore serializes workers of one invocation that share a lock
// instance, since the instance keeps a single file handle for its current
// holder.
type CacheLock struct {
	lockName string
	timeout  time.Duration
	sem      chan struct{}
	file     *os.File
}

func MakeCacheLock(lockName string, timeout time.Duration) *CacheLock {
	return &CacheLock{
		lockName: lockName,
		timeout:  timeout,
		sem:      make(chan struct{}, 1),
	}
}

// MakeLockForPath derives a lock from the path of the protected resource,
// replacing path separators and drive colons so the name is a valid file name.
func MakeLockForPath(path string) *CacheLock {
	timeoutMs := defaultLockTimeoutMs
	if env := os.Getenv("CLCACHE_OBJECT_CACHE_TIMEOUT_MS"); env != "" {
		if parsed, err := strconv.Atoi(env); err == nil {
			timeoutMs = parsed
		}
	}
	lockName := strings.NewReplacer("/", "-", "\\", "-", ":", "-").Replace(path)
	return MakeCacheLock(lockName, time.Duration(timeoutMs)*time.Millisecond)
}

func (lock *CacheLock) lockFilePath() string {
	return filepath.Join(os.TempDir(), "clcache-"+lock.lockName+".lock")
}

// Acquire blocks up to the configured timeout. The lock file itself is never
// removed: deleting it would let a concurrent opener lock a dead inode.
func (lock *CacheLock) Acquire() error {
	deadline := time.NewTimer(lock.timeout)
	defer deadline.Stop()

	select {
	case lock.sem <- struct{}{}:
	case <-deadline.C:
		return &LockTimeoutError{LockName: lock.lockName, Timeout: lock.timeout}
	}

	f, err := os.OpenFile(lock.lockFilePath(), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		<-lock.sem
		return err
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			lock.file = f
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			_ = f.Close()
			<-lock.sem
			return err
		}
		select {
		case <-deadline.C:
			_ = f.Close()
			<-lock.sem
			return &LockTimeoutError{LockName: lock.lockName, Timeout: lock.timeout}
		case <-time.After(lockRetryInterval):
		}
	}
}

// Release is safe to call on every exit path, including after a failed Acquire.
func (lock *CacheLock) Release() {
	if lock.file == nil {
		return
	}
	_ = unix.Flock(int(lock.file.Fd()), unix.LOCK_UN)
	_ = lock.file.Close()
	lock.file = nil
	<-lock.sem
}
