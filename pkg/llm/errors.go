package llm

import "fmt"

// UpstreamError indicates the inference endpoint answered with a non-2xx
// status or a response body the client could not use.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream error: %s", e.Message)
}

// TimeoutError indicates the inference endpoint did not respond within the
// configured budget.
type TimeoutError struct {
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream timeout: %v", e.Cause)
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// StreamParseError indicates an entirely unparseable event stream: the
// upstream closed the stream without producing a single usable event.
type StreamParseError struct {
	Lines int // event lines seen and discarded
}

func (e *StreamParseError) Error() string {
	return fmt.Sprintf("stream contained no parseable events (%d lines discarded)", e.Lines)
}

// TransportError indicates a connection-level failure while reading an
// in-progress stream.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream transport failure: %v", e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}
