package host

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrHostInstalled is returned when another host already owns the process runtime
	ErrHostInstalled = errors.New("a host is already installed in this process")
	// ErrHostDisposed is returned by operations on an uninstalled host
	ErrHostDisposed  = errors.New("host has been disposed")
	ErrCommandExists = errors.New("command already registered")
	ErrNoCommand     = errors.New("command not found")
	// ErrUnsupportedAPI is returned when an API is disabled for this host
	ErrUnsupportedAPI = errors.New("api not available")
)

// ActivationError reports that an extension could not be activated: its
// bundle failed to load, it requires runtime APIs the host does not emulate,
// or its activation hook failed. It is fatal to the owning service.
type ActivationError struct {
	Extension string
	Missing   []string
	Cause     error
}

func (e *ActivationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "activation of %s failed", e.Extension)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing host APIs [%s]", strings.Join(e.Missing, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *ActivationError) Unwrap() error { return e.Cause }
