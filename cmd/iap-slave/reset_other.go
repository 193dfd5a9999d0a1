//go:build !linux

package main

import "errors"

func execSelf() error {
	return errors.New("self re-exec not supported on this platform")
}
