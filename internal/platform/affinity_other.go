//go:build !linux

package platform

import (
	"errors"
	"runtime"
)

// ErrUnsupported is returned by Pin where thread affinity is not available.
var ErrUnsupported = errors.New("cpu affinity not supported on " + runtime.GOOS)

func Pin(cpu int) error { return ErrUnsupported }

func OnlineCPUs() (int, error) { return runtime.NumCPU(), nil }
