// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package osutil contains file system helpers shared by the engine and
// its tools.
package osutil

import (
	"fmt"
	"os"
)

const (
	DefaultDirPerm  = 0755
	DefaultFilePerm = 0644
)

// IsExist returns true if the file name exists.
func IsExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func MkdirAll(dir string) error {
	return os.MkdirAll(dir, DefaultDirPerm)
}

func WriteFile(filename string, data []byte) error {
	return os.WriteFile(filename, data, DefaultFilePerm)
}

func Rename(src, dst string) error {
	return os.Rename(src, dst)
}

// WriteFileAtomic writes data to a temp file next to filename and
// renames it into place, so a crash mid-write can never leave a
// half-written file behind.
func WriteFileAtomic(filename string, data []byte) error {
	tmp := filename + ".tmp"
	if err := WriteFile(tmp, data); err != nil {
		return err
	}
	if err := Rename(tmp, filename); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// TempFile creates a unique temp filename.
// Note: the file already exists when the function returns.
func TempFile(prefix string) (string, error) {
	f, err := os.CreateTemp("", prefix)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	f.Close()
	return f.Name(), nil
}
