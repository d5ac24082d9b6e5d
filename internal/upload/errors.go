package upload

import (
	"fmt"
)

// Fallback messages shown to the user.
const (
	MsgUploadFailed = "Upload failed"
	MsgUnknownError = "An unknown error occurred"
)

// NetworkError is a transport-level failure such as a refused connection.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil || e.Err.Error() == "" {
		return MsgUnknownError
	}
	return e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response from the search endpoint.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP error! status: %d", e.Status)
}

// ParseError is a malformed body on an otherwise successful response.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	if e.Err == nil || e.Err.Error() == "" {
		return MsgUnknownError
	}
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Message returns the user-facing text for an executor error.
func Message(err error) string {
	if err == nil || err.Error() == "" {
		return MsgUnknownError
	}
	return err.Error()
}
