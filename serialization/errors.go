package serialization

import "errors"

var (
	ErrEncode = errors.New("serialization: failed to encode message")
	ErrDecode = errors.New("serialization: failed to decode message")
)
