// Package atomicfile provides crash-safe file replacement and the small
// file primitives the trust log and state stores share.
package atomicfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces path with data: the bytes are written to a
// temporary file in the same directory, fsynced, then renamed over path,
// and the parent directory is fsynced. Readers observe either the old
// contents or the new, never a partial write.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomicfile: create temp: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("atomicfile: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("atomicfile: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("atomicfile: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("atomicfile: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("atomicfile: rename: %w", err)
	}
	return SyncDir(dir)
}

// SyncDir fsyncs a directory so a prior rename or create within it is
// durable across a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("atomicfile: open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("atomicfile: sync dir: %w", err)
	}
	return nil
}

// readLastLineBlock is the backward-scan block size used by ReadLastLine.
const readLastLineBlock = 4096

// ReadLastLine returns the final non-empty line of the file at path
// without reading the whole file: it seeks backward from EOF in fixed
// blocks until a newline boundary is found. Returns ("", nil) for an
// empty file.
func ReadLastLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("atomicfile: open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("atomicfile: stat: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return "", nil
	}

	var tail []byte
	offset := size
	for offset > 0 {
		blockSize := int64(readLastLineBlock)
		if offset < blockSize {
			blockSize = offset
		}
		offset -= blockSize

		block := make([]byte, blockSize)
		if _, err := f.ReadAt(block, offset); err != nil {
			return "", fmt.Errorf("atomicfile: read at %d: %w", offset, err)
		}
		tail = append(block, tail...)

		// Trim the trailing newline(s) of the file itself before looking
		// for the boundary of the last line.
		trimmed := bytes.TrimRight(tail, "\n")
		if len(trimmed) == 0 {
			tail = nil
			continue
		}
		if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
			return string(trimmed[idx+1:]), nil
		}
		if offset == 0 {
			return string(trimmed), nil
		}
	}
	return "", nil
}
