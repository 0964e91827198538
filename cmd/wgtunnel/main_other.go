//go:build !windows

package main

import (
	"errors"

	"wgtunnel/internal/platform"
)

var errUnsupported = errors.New("the tunnel service runs on Windows only")

func newPlatform() *platform.Platform { return nil }

func runHost(string, *platform.Platform) error { return errUnsupported }

func scmCommand(string, string) (bool, error) { return false, nil }
