package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrDecode matches every DecodeError via errors.Is.
var ErrDecode = errors.New("decode error")

// DecodeError reports a payload that could not be turned into a snapshot.
type DecodeError struct {
	Codec string
	Field string // required field that failed validation, empty for syntax errors
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: field %q: %v", e.Codec, e.Field, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrDecode) match any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Codec turns a raw frame into a key/value document.
type Codec interface {
	Name() string
	Unmarshal(payload []byte) (map[string]any, error)
}

// Codec names accepted by NewCodec.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecCBOR:
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec decodes UTF-8 JSON objects.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return CodecJSON }

// Unmarshal decodes a JSON object.
func (JSONCodec) Unmarshal(payload []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("payload is not an object")
	}
	return doc, nil
}

// CBORCodec decodes CBOR maps with text keys.
type CBORCodec struct {
	dm cbor.DecMode
}

// NewCBORCodec builds a CBOR codec that yields map[string]any for nested maps.
func NewCBORCodec() (*CBORCodec, error) {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decode mode: %w", err)
	}
	return &CBORCodec{dm: dm}, nil
}

// Name returns "cbor".
func (c *CBORCodec) Name() string { return CodecCBOR }

// Unmarshal decodes a CBOR map.
func (c *CBORCodec) Unmarshal(payload []byte) (map[string]any, error) {
	var doc map[string]any
	if err := c.dm.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("payload is not a map")
	}
	return doc, nil
}

// Decoder validates decoded documents against a list of required numeric fields.
type Decoder struct {
	codec    Codec
	required []string
}

// NewDecoder creates a Decoder. Each required path must resolve to a number.
func NewDecoder(codec Codec, required ...string) *Decoder {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Decoder{codec: codec, required: required}
}

// Decode parses and validates payload. It never has side effects; on error the
// caller's current snapshot stays authoritative.
func (d *Decoder) Decode(payload []byte) (map[string]any, error) {
	doc, err := d.codec.Unmarshal(payload)
	if err != nil {
		return nil, &DecodeError{Codec: d.codec.Name(), Err: err}
	}
	for _, path := range d.required {
		v, ok := lookup(doc, path)
		if !ok {
			return nil, &DecodeError{Codec: d.codec.Name(), Field: path, Err: errors.New("missing")}
		}
		if _, ok := toFloat(v); !ok {
			return nil, &DecodeError{Codec: d.codec.Name(), Field: path, Err: fmt.Errorf("not a number: %T", v)}
		}
	}
	return doc, nil
}
