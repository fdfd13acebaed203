// Package codec encodes response bodies and decodes request bodies.
package codec

import (
	"encoding/json"
	"errors"
	"mime"
	"strings"

	"google.golang.org/protobuf/proto"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Content types understood by the built-in codecs.
const (
	MIMEJSON     = "application/json"
	MIMEProtobuf = "application/x-protobuf"
)

// Codec defines the interface for encoding/decoding message bodies
type Codec interface {
	// Encode encodes a value to bytes
	Encode(v any) ([]byte, error)

	// Decode decodes bytes to a value
	Decode(data []byte, v any) error

	// Name returns the codec name
	Name() string

	// ContentType is the Content-Type header value written with encoded bodies
	ContentType() string
}

var (
	jsonCodec      Codec = &JSONCodec{}
	protobufCodec  Codec = &ProtobufCodec{}
	protoJSONCodec Codec = &ProtoJSONCodec{}
)

// JSON returns the JSON codec.
func JSON() Codec { return jsonCodec }

// Protobuf returns the binary protobuf codec.
func Protobuf() Codec { return protobufCodec }

// ProtoJSON returns the codec rendering proto messages with canonical JSON.
func ProtoJSON() Codec { return protoJSONCodec }

// ForValue picks the codec used when a handler sends v without naming a
// content type: proto messages go out as binary protobuf, everything else
// as JSON.
func ForValue(v any) Codec {
	if _, ok := v.(proto.Message); ok {
		return protobufCodec
	}
	return jsonCodec
}

// ForJSON picks the JSON flavour for v: protojson for proto messages,
// encoding/json otherwise.
func ForJSON(v any) Codec {
	if _, ok := v.(proto.Message); ok {
		return protoJSONCodec
	}
	return jsonCodec
}

// ForContentType returns the codec for a Content-Type header value.
// Parameters such as charset are ignored.
func ForContentType(contentType string) (Codec, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mt == MIMEJSON, strings.HasSuffix(mt, "+json"):
		return jsonCodec, nil
	case mt == MIMEProtobuf, mt == "application/protobuf":
		return protobufCodec, nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// JSONCodec implements JSON encoding/decoding
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string {
	return "json"
}

func (c *JSONCodec) ContentType() string {
	return "application/json; charset=utf-8"
}
