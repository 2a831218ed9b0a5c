package broker

import "errors"

var (
	// ErrClosed is returned when subscribing to a closed broker
	ErrClosed = errors.New("broker: closed")
	// ErrNilHandler is returned when subscribing with a nil handler
	ErrNilHandler = errors.New("broker: nil handler")
	// ErrEmptyPattern is returned for empty patterns or empty segments
	ErrEmptyPattern = errors.New("broker: empty pattern segment")
	// ErrInvalidPattern is returned when "#" is used before the last segment
	ErrInvalidPattern = errors.New("broker: '#' must be the final segment")
)
