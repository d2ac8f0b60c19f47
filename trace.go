package tap

import (
	"encoding/base64"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Trace is a single captured event, e.g. one HTTP request/response exchange,
// or the lifetime of one connection. Exactly one of HTTP or Socket is set.
//
// Admins route traces by ConfigID, and otherwise treat them as opaque.
type Trace struct {
	ID       string       `json:"id"`
	ConfigID string       `json:"config_id,omitempty"`
	Start    time.Time    `json:"start"`
	HTTP     *HTTPTrace   `json:"http,omitempty"`
	Socket   *SocketTrace `json:"socket,omitempty"`
}

// NewTrace returns a trace with a new unique ID, for the given config ID.
// Trace IDs are ULIDs, so they sort by creation time.
func NewTrace(configID string, start time.Time) *Trace {
	return &Trace{
		ID:       ulid.MustNew(ulid.Timestamp(start), traceIDEntropy).String(),
		ConfigID: configID,
		Start:    start.UTC(),
	}
}

var traceIDEntropy = ulid.DefaultEntropy()

// HTTPTrace is a buffered HTTP request and response.
type HTTPTrace struct {
	Request  Message `json:"request"`
	Response Message `json:"response"`
}

// Message is one side of an HTTP exchange.
type Message struct {
	Method   string   `json:"method,omitempty"`
	Path     string   `json:"path,omitempty"`
	Status   int      `json:"status,omitempty"`
	Headers  []Header `json:"headers,omitempty"`
	Body     Body     `json:"body"`
	Trailers []Header `json:"trailers,omitempty"`
}

// Header is a single key/value pair. Multi-valued headers produce multiple
// Header values with the same key.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// HeadersFrom flattens h into a slice of headers, sorted by key.
func HeadersFrom(h http.Header) []Header {
	if len(h) <= 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var headers []Header
	for _, k := range keys {
		for _, v := range h[k] {
			headers = append(headers, Header{Key: k, Value: v})
		}
	}
	return headers
}

// Body is captured payload data, bounded by some max size.
type Body struct {
	Data      []byte `json:"data,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Append as much of p to the body as fits within max total bytes, and mark the
// body truncated if any of p didn't fit. A max of zero or less captures
// nothing, but still marks truncation for non-empty p.
func (b *Body) Append(p []byte, max int) {
	room := max - len(b.Data)
	if room <= 0 {
		if len(p) > 0 {
			b.Truncated = true
		}
		return
	}
	if len(p) > room {
		p, b.Truncated = p[:room], true
	}
	b.Data = append(b.Data, p...)
}

// SocketTrace is the buffered lifetime of a single connection.
type SocketTrace struct {
	Connection     Connection    `json:"connection"`
	Events         []SocketEvent `json:"events,omitempty"`
	ReadTruncated  bool          `json:"read_truncated,omitempty"`
	WriteTruncated bool          `json:"write_truncated,omitempty"`
}

// Connection describes the endpoints of a tapped connection.
type Connection struct {
	LocalAddress  string `json:"local_address,omitempty"`
	RemoteAddress string `json:"remote_address,omitempty"`
}

// Socket event types.
const (
	SocketEventRead   = "read"
	SocketEventWrite  = "write"
	SocketEventClosed = "closed"
)

// SocketEvent is a single observed I/O operation on a connection.
type SocketEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Data      []byte    `json:"data,omitempty"`
	EndStream bool      `json:"end_stream,omitempty"`
}

//
//
//

// render converts the trace to a tree of plain JSON-compatible values, i.e.
// maps, slices, strings, numbers, and bools. The same tree feeds both the JSON
// and protobuf Struct encodings, so every format agrees on field names.
func (tr *Trace) render(bodyAsString bool) map[string]any {
	data := func(p []byte) any {
		if bodyAsString {
			return string(p)
		}
		return base64.StdEncoding.EncodeToString(p)
	}

	m := map[string]any{
		"id":    tr.ID,
		"start": tr.Start.Format(time.RFC3339Nano),
	}
	if tr.ConfigID != "" {
		m["config_id"] = validUTF8(tr.ConfigID)
	}

	if tr.HTTP != nil {
		m["http"] = map[string]any{
			"request":  tr.HTTP.Request.render(data),
			"response": tr.HTTP.Response.render(data),
		}
	}

	if tr.Socket != nil {
		events := make([]any, 0, len(tr.Socket.Events))
		for _, ev := range tr.Socket.Events {
			e := map[string]any{
				"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
				"type":      ev.Type,
			}
			if len(ev.Data) > 0 {
				e["data"] = data(ev.Data)
			}
			if ev.EndStream {
				e["end_stream"] = true
			}
			events = append(events, e)
		}
		sm := map[string]any{
			"connection": map[string]any{
				"local_address":  validUTF8(tr.Socket.Connection.LocalAddress),
				"remote_address": validUTF8(tr.Socket.Connection.RemoteAddress),
			},
			"events": events,
		}
		if tr.Socket.ReadTruncated {
			sm["read_truncated"] = true
		}
		if tr.Socket.WriteTruncated {
			sm["write_truncated"] = true
		}
		m["socket"] = sm
	}

	return m
}

func (msg Message) render(data func([]byte) any) map[string]any {
	m := map[string]any{}
	if msg.Method != "" {
		m["method"] = validUTF8(msg.Method)
	}
	if msg.Path != "" {
		m["path"] = validUTF8(msg.Path)
	}
	if msg.Status != 0 {
		m["status"] = msg.Status
	}
	if hs := renderHeaders(msg.Headers); hs != nil {
		m["headers"] = hs
	}
	body := map[string]any{}
	if len(msg.Body.Data) > 0 {
		body["data"] = data(msg.Body.Data)
	}
	if msg.Body.Truncated {
		body["truncated"] = true
	}
	m["body"] = body
	if hs := renderHeaders(msg.Trailers); hs != nil {
		m["trailers"] = hs
	}
	return m
}

func renderHeaders(headers []Header) []any {
	if len(headers) <= 0 {
		return nil
	}
	res := make([]any, len(headers))
	for i, h := range headers {
		res[i] = map[string]any{"key": validUTF8(h.Key), "value": validUTF8(h.Value)}
	}
	return res
}

// validUTF8 replaces invalid UTF-8 in s, e.g. obs-text bytes in a header
// value, with the replacement character. Protobuf strings must be valid UTF-8,
// and encoding/json makes the same substitution.
func validUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}
