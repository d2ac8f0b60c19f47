package tap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Format selects how traces are serialized for output.
type Format string

// Supported formats. JSON formats produce one JSON object per line.
const (
	FormatJSONBodyAsBytes            Format = "json_body_as_bytes"
	FormatJSONBodyAsString           Format = "json_body_as_string"
	FormatProtoBinary                Format = "proto_binary"
	FormatProtoBinaryLengthDelimited Format = "proto_binary_length_delimited"
	FormatProtoText                  Format = "proto_text"
)

// DefaultFormat is used when no format is specified.
const DefaultFormat = FormatJSONBodyAsBytes

// Formats lists every supported format.
var Formats = []Format{
	FormatJSONBodyAsBytes,
	FormatJSONBodyAsString,
	FormatProtoBinary,
	FormatProtoBinaryLengthDelimited,
	FormatProtoText,
}

// ParseFormat parses a format name. The empty string yields the default.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return DefaultFormat, nil
	}
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, candidate := range Formats {
		if f == candidate {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: unknown format %q", ErrMalformedRequest, s)
}

func (f Format) String() string { return string(f) }

// IsText returns true if the format produces valid UTF-8 text, which is
// required by e.g. server-sent events.
func (f Format) IsText() bool {
	switch f {
	case FormatProtoBinary, FormatProtoBinaryLengthDelimited:
		return false
	default:
		return true
	}
}

// Extension returns the file extension, including the leading dot, for files
// written in this format.
func (f Format) Extension() string {
	switch f {
	case FormatProtoBinary:
		return ".pb"
	case FormatProtoBinaryLengthDelimited:
		return ".pb_length_delimited"
	case FormatProtoText:
		return ".pb_text"
	default:
		return ".json"
	}
}

// ContentType returns the HTTP content type for a stream of traces in this
// format.
func (f Format) ContentType() string {
	switch f {
	case FormatProtoBinary, FormatProtoBinaryLengthDelimited:
		return "application/x-protobuf"
	case FormatProtoText:
		return "text/plain; charset=utf-8"
	default:
		return "application/x-ndjson"
	}
}

// Marshal the trace to its serialized form.
func (f Format) Marshal(tr *Trace) ([]byte, error) {
	switch f {
	case FormatJSONBodyAsBytes, "":
		return marshalJSON(tr.render(false))

	case FormatJSONBodyAsString:
		return marshalJSON(tr.render(true))

	case FormatProtoBinary:
		s, err := structpb.NewStruct(tr.render(false))
		if err != nil {
			return nil, fmt.Errorf("convert trace: %w", err)
		}
		return proto.Marshal(s)

	case FormatProtoBinaryLengthDelimited:
		s, err := structpb.NewStruct(tr.render(false))
		if err != nil {
			return nil, fmt.Errorf("convert trace: %w", err)
		}
		var buf bytes.Buffer
		if _, err := protodelim.MarshalTo(&buf, s); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case FormatProtoText:
		s, err := structpb.NewStruct(tr.render(false))
		if err != nil {
			return nil, fmt.Errorf("convert trace: %w", err)
		}
		text, err := prototext.MarshalOptions{Multiline: true}.Marshal(s)
		if err != nil {
			return nil, err
		}
		return append(text, '\n'), nil

	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrMalformedRequest, string(f))
	}
}

// Encode the trace to w, returning the number of bytes written.
func (f Format) Encode(w io.Writer, tr *Trace) (int, error) {
	data, err := f.Marshal(tr)
	if err != nil {
		return 0, err
	}
	return w.Write(data)
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
