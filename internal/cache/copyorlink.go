package cache

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Artalus/clcache/internal/common"
)

const defaultCompressLevel = 6

func compressLevel() int {
	if env := os.Getenv("CLCACHE_COMPRESSLEVEL"); env != "" {
		if level, err := strconv.Atoi(env); err == nil {
			return level
		}
	}
	return defaultCompressLevel
}

// CopyOrLink transfers a file into (writeToCache) or out of the cache.
// With CLCACHE_HARDLINK set, a hard link is preferred over a byte copy; on
// success the destination's mtime is touched so downstream build tools see a
// fresh timestamp. With CLCACHE_COMPRESS set, cached bytes are gzip'd; the same
// flag must be in effect for both writing and reading or decompression fails.
func CopyOrLink(srcFilePath string, dstFilePath string, writeToCache bool) error {
	if err := common.MkdirForFile(dstFilePath); err != nil {
		return err
	}

	if os.Getenv("CLCACHE_COMPRESS") != "" {
		if writeToCache {
			return compressFile(srcFilePath, dstFilePath)
		}
		return decompressFile(srcFilePath, dstFilePath)
	}

	if os.Getenv("CLCACHE_HARDLINK") != "" {
		if err := os.Link(srcFilePath, dstFilePath); err == nil {
			now := time.Now()
			_ = os.Chtimes(dstFilePath, now, now)
			return nil
		}
		// fall through to a plain copy, e.g. when src and dst are on
		// different filesystems
	}

	return copyFile(srcFilePath, dstFilePath)
}

func copyFile(srcFilePath string, dstFilePath string) error {
	src, err := os.Open(srcFilePath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstFilePath)
	if err != nil {
		return err
	}
	if _, err = io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func compressFile(srcFilePath string, dstFilePath string) error {
	src, err := os.Open(srcFilePath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstFilePath)
	if err != nil {
		return err
	}
	gz, err := gzip.NewWriterLevel(dst, compressLevel())
	if err != nil {
		_ = dst.Close()
		return err
	}
	if _, err = io.Copy(gz, src); err != nil {
		_ = gz.Close()
		_ = dst.Close()
		return err
	}
	if err = gz.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func decompressFile(srcFilePath string, dstFilePath string) error {
	src, err := os.Open(srcFilePath)
	if err != nil {
		return err
	}
	defer src.Close()

	gz, err := gzip.NewReader(src)
	if err != nil {
		return err
	}
	defer gz.Close()

	dst, err := os.Create(dstFilePath)
	if err != nil {
		return err
	}
	if _, err = io.Copy(dst, gz); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}
