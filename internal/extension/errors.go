package extension

import "errors"

var (
	// ErrAlreadyActive is returned when another service already holds the
	// process. The wrapped extension keeps process-wide singletons, so only
	// one may be active at a time.
	ErrAlreadyActive = errors.New("an extension service is already active in this process")
	// ErrNotActive is returned by operations that need an activated service
	ErrNotActive = errors.New("extension service is not active")
	// ErrServiceDisposed is the cause carried by DisposedErrors from Dispose
	ErrServiceDisposed = errors.New("extension service disposed")
	// ErrExtensionExited is the cause used when an extension stops on its own
	ErrExtensionExited = errors.New("extension exited")
)

// RemoteError is an error the extension reported in a response message
type RemoteError struct {
	Flow    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Flow + " failed in extension: " + e.Message
}
