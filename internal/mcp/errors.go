package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/agentbridge/internal/extension"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/pending"
)

// sensitivePatterns contains substrings that indicate sensitive error details
var sensitivePatterns = []string{
	"api_key",
	"token",
	"password",
	"secret",
	"credential",
}

// SanitizeError returns a client-safe error message. Typed bridge errors
// keep their meaning so callers can tell "no answer yet" from "broken
// channel"; anything that may leak configuration is logged and masked.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var timeout *pending.TimeoutError
	var remote *extension.RemoteError
	switch {
	case errors.As(err, &timeout):
		return fmt.Errorf("%s timed out after %s", operation, timeout.Budget)
	case errors.Is(err, pending.ErrDisposed), errors.Is(err, extension.ErrServiceDisposed):
		return fmt.Errorf("%s failed: session closed", operation)
	case errors.Is(err, extension.ErrNotActive):
		return fmt.Errorf("%s failed: extension not active", operation)
	case errors.As(err, &remote):
		return fmt.Errorf("%s failed: %s", operation, remote.Message)
	}

	errStr := err.Error()
	lower := strings.ToLower(errStr)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			logger.Error("%s failed (sensitive): %v", operation, err)
			return fmt.Errorf("%s failed: internal configuration error", operation)
		}
	}

	if isUserFacingError(lower) {
		return fmt.Errorf("%s failed: %w", operation, err)
	}

	logger.Error("%s failed: %v", operation, err)
	return fmt.Errorf("%s failed: %s", operation, genericErrorMessage(errStr))
}

// isUserFacingError returns true if the error message is safe to show to users
func isUserFacingError(lower string) bool {
	userFacingPatterns := []string{
		"not found",
		"invalid",
		"required",
		"must be",
		"no open question",
		"empty task",
	}
	for _, pattern := range userFacingPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// genericErrorMessage extracts a safe portion of the error or returns generic text
func genericErrorMessage(errStr string) string {
	if len(errStr) < 50 {
		return errStr
	}
	return "an unexpected error occurred"
}
