//go:build !linux

package dispatch

import "errors"

var errNoPoller = errors.New("dispatch: readiness polling requires linux")

func newPoller(fd int) (poller, error) { return nil, errNoPoller }

func isWouldBlock(err error) bool { return false }

func isInterrupted(err error) bool { return false }
