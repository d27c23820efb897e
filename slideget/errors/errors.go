package errors

import "fmt"

// Error types for slideget operations
var (
	// ErrLevelOutOfRange is returned when a level number is outside [0, baselevel]
	ErrLevelOutOfRange = &SlideError{Code: "LEVEL_OUT_OF_RANGE", Message: "level out of range"}

	// ErrTileOutOfRange is returned when a tile column or row is outside the level's grid
	ErrTileOutOfRange = &SlideError{Code: "TILE_OUT_OF_RANGE", Message: "tile out of range"}

	// ErrInvalidArgument is returned when a requested value is impossible for the slide,
	// e.g. a magnification above the slide's native maximum
	ErrInvalidArgument = &SlideError{Code: "INVALID_ARGUMENT", Message: "invalid argument"}

	// ErrCalibrationMissing is returned when a magnification or resolution based
	// operation is invoked on a descriptor that lacks that calibration
	ErrCalibrationMissing = &SlideError{Code: "CALIBRATION_MISSING", Message: "calibration not set on this descriptor"}

	// ErrProtocolViolation is returned when a multipart stream does not conform to
	// the expected grammar
	ErrProtocolViolation = &SlideError{Code: "PROTOCOL_VIOLATION", Message: "malformed multipart stream"}

	// ErrFilenameMissing is returned when a part header carries no filename parameter
	ErrFilenameMissing = &SlideError{Code: "FILENAME_MISSING", Message: "filename not found in part header"}

	// ErrUnexpectedEOF is returned when the chunk source ends before a well-formed
	// construct could be completed
	ErrUnexpectedEOF = &SlideError{Code: "UNEXPECTED_END_OF_STREAM", Message: "unexpected end of stream"}

	// ErrSlideInfoFetch is returned when slide metadata fetching fails
	ErrSlideInfoFetch = &SlideError{Code: "SLIDE_INFO_FETCH_FAILED", Message: "failed to fetch slide info"}

	// ErrTileFetch is returned when a tile download fails
	ErrTileFetch = &SlideError{Code: "TILE_FETCH_FAILED", Message: "failed to fetch tile"}

	// ErrAuthFailed is returned when the server rejects the bearer token
	ErrAuthFailed = &SlideError{Code: "AUTH_FAILED", Message: "authentication failed"}
)

// SlideError represents a structured error in slideget operations
type SlideError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable error message
	Cause   error                  // Underlying error, if any
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *SlideError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("[%s] %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *SlideError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SlideError with the same code, so that
// errors.Is matches the sentinel even after WithCause/WithDetail copies.
func (e *SlideError) Is(target error) bool {
	t, ok := target.(*SlideError)
	return ok && t.Code == e.Code
}

// WithCause adds a cause to the error
func (e *SlideError) WithCause(cause error) *SlideError {
	return &SlideError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   cause,
		Details: e.Details,
	}
}

// WithDetail adds a detail key-value pair to the error
func (e *SlideError) WithDetail(key string, value interface{}) *SlideError {
	details := make(map[string]interface{})
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &SlideError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// WithMessage overrides the error message
func (e *SlideError) WithMessage(message string) *SlideError {
	return &SlideError{
		Code:    e.Code,
		Message: message,
		Cause:   e.Cause,
		Details: e.Details,
	}
}

// IsSlideError checks if an error is a SlideError
func IsSlideError(err error) bool {
	_, ok := err.(*SlideError)
	return ok
}

// GetErrorCode extracts the error code from a SlideError
func GetErrorCode(err error) string {
	if slideErr, ok := err.(*SlideError); ok {
		return slideErr.Code
	}
	return ""
}
