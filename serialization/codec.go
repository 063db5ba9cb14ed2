package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ContentTypeJSON tags payloads that were JSON-encoded
	ContentTypeJSON = "application/json"

	// HeaderContentLength carries the body size; backfilled by Decode when missing
	HeaderContentLength = "content-length"

	errorField = "error"
)

// Payload is an encoded message body with its content type tag
type Payload struct {
	Body        []byte
	ContentType string
}

// ContentLength returns the size of the encoded body
func (p Payload) ContentLength() int64 {
	return int64(len(p.Body))
}

// Apply copies the body, content type and content length onto a publishing
func (p Payload) Apply(msg *amqp.Publishing) {
	msg.Body = p.Body
	msg.ContentType = p.ContentType
	if msg.Headers == nil {
		msg.Headers = amqp.Table{}
	}
	msg.Headers[HeaderContentLength] = p.ContentLength()
}

// SerializedError is the wire shape of an error value
type SerializedError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// RemoteError is an error value restored from its wire shape
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// SerializeError converts an error into its wire shape
func SerializeError(err error) SerializedError {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return SerializedError{Name: remote.Name, Message: remote.Message}
	}
	return SerializedError{Name: errorName(err), Message: err.Error()}
}

func errorName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "Error"
	}
	return t.Name()
}

// Encode converts an application value into a payload.
//
// nil encodes to an empty body. Strings and byte slices pass through
// untagged. Errors, and error-valued fields of a map, are converted to
// SerializedError before everything else is JSON-encoded and tagged.
func Encode(value any) (Payload, error) {
	switch v := value.(type) {
	case nil:
		return Payload{Body: []byte{}}, nil
	case string:
		return Payload{Body: []byte(v)}, nil
	case []byte:
		return Payload{Body: v}, nil
	case error:
		value = map[string]any{errorField: SerializeError(v)}
	case map[string]any:
		value = serializeErrorFields(v)
	}

	body, err := json.Marshal(value)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return Payload{Body: body, ContentType: ContentTypeJSON}, nil
}

func serializeErrorFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if err, ok := v.(error); ok && err != nil {
			out[k] = SerializeError(err)
			continue
		}
		out[k] = v
	}
	return out
}

// Decode converts a delivery body back into an application value.
//
// JSON-tagged bodies are parsed, restoring a nested serialized error into a
// *RemoteError. Untagged bodies are returned as a string and an empty body
// decodes to nil. The content-length header is backfilled when missing.
func Decode(d *amqp.Delivery) any {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}
	if _, ok := d.Headers[HeaderContentLength]; !ok {
		d.Headers[HeaderContentLength] = int64(len(d.Body))
	}

	if len(d.Body) == 0 {
		return nil
	}

	if d.ContentType != ContentTypeJSON {
		return string(d.Body)
	}

	var value any
	if err := json.Unmarshal(d.Body, &value); err != nil {
		return string(d.Body)
	}
	return restoreError(value)
}

func restoreError(value any) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}
	shape, ok := m[errorField].(map[string]any)
	if !ok {
		return value
	}
	message, ok := shape["message"].(string)
	if !ok {
		return value
	}
	name, _ := shape["name"].(string)
	m[errorField] = &RemoteError{Name: name, Message: message}
	return m
}

// DecodeInto decodes a delivery body into v. Untagged bodies can be decoded
// into *string or *[]byte; anything else is treated as JSON.
func DecodeInto(d *amqp.Delivery, v any) error {
	if len(d.Body) == 0 {
		return nil
	}

	if d.ContentType != ContentTypeJSON {
		switch target := v.(type) {
		case *string:
			*target = string(d.Body)
			return nil
		case *[]byte:
			*target = append((*target)[:0], d.Body...)
			return nil
		}
	}

	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}
