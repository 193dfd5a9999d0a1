//go:build linux

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// execSelf replaces the process with a fresh copy of the running binary,
// marked as a restart.
func execSelf() error {
	return unix.Exec("/proc/self/exe", os.Args, append(os.Environ(), restartEnv+"=1"))
}
