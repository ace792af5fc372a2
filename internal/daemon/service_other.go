//go:build !darwin && !linux && !windows

package daemon

import "errors"

var errNoServiceManager = errors.New("no supported service manager on this platform")

func renderService(exe, configSource string) ([]byte, error) {
	return nil, errNoServiceManager
}

// EnableService is not supported on this platform.
func EnableService(configSource string) error { return errNoServiceManager }

// DisableService is not supported on this platform.
func DisableService() error { return errNoServiceManager }

// ServicePid is a no-op on unsupported platforms.
func ServicePid() (int, bool) {
	return 0, false
}
