package reliability

import "errors"

var (
	// Retry errors
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
)
