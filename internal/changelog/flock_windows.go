//go:build windows

package changelog

import "os"

// lockFile is a no-op on Windows; the store mutex serializes writers
// within one process.
func lockFile(_ *os.File) error   { return nil }
func unlockFile(_ *os.File) error { return nil }
