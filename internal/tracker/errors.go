package tracker

import (
	"errors"
	"fmt"
)

// Scrape and storage failure kinds. Callers match them with errors.Is.
var (
	// ErrEngineUnavailable means no browser could be launched for a refresh cycle.
	ErrEngineUnavailable = errors.New("browser engine unavailable")
	// ErrSessionInit means a tab could not be allocated or instrumented.
	ErrSessionInit = errors.New("session init failed")
	// ErrNavigation means the page load could not be initiated.
	ErrNavigation = errors.New("navigation failed")
	// ErrTargetRequestNotFound means no profile API call was seen in time.
	ErrTargetRequestNotFound = errors.New("profile request not found")
	// ErrTargetRequestTimeout means the profile API call never finished in time.
	ErrTargetRequestTimeout = errors.New("timed out waiting for profile request to finish")
	// ErrBodyUnavailable means the browser no longer holds the response body.
	ErrBodyUnavailable = errors.New("response body unavailable")
	// ErrPayloadMalformed means the response body does not have the profile shape.
	ErrPayloadMalformed = errors.New("profile payload malformed")
	// ErrPersistWrite means the store file could not be written.
	ErrPersistWrite = errors.New("persist write failed")
	// ErrPersistRead means the store file could not be read or decoded.
	ErrPersistRead = errors.New("persist read failed")
)

// InvalidURLError is returned when a registration URL is not a profile URL.
// Message is meant to be shown to the user as-is.
type InvalidURLError struct {
	URL     string
	Message string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid profile url %q: %s", e.URL, e.Message)
}
