package tapadmin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/peterbourgon/tap"
	"github.com/peterbourgon/tap/internal/taputil"
)

// Attach request limits.
const (
	DefaultSendBuffer    = 100
	MaxSendBuffer        = 100000
	DefaultStatsInterval = 10 * time.Second
	MinStatsInterval     = time.Second
	MaxStatsInterval     = 60 * time.Second
)

// AttachRequest describes an operator's request to stream traces.
type AttachRequest struct {
	// ConfigID to attach to. Required.
	ConfigID string

	// Format of emitted traces. Default [tap.DefaultFormat].
	Format tap.Format

	// Timeout ends the stream after the given duration. Zero means no limit.
	Timeout time.Duration

	// MaxBytes ends the stream once at least this many bytes of encoded
	// traces have been written. Zero means no limit.
	MaxBytes int

	// SendBuffer is the number of traces buffered between the registry and
	// the response. Traces that don't fit are dropped.
	SendBuffer int

	// StatsInterval between stats events, for event streams.
	StatsInterval time.Duration
}

// Normalize validates the request and fills in defaults.
func (req *AttachRequest) Normalize() []error {
	var errs []error

	req.ConfigID = strings.TrimSpace(req.ConfigID)
	if req.ConfigID == "" {
		errs = append(errs, errors.New("config_id: required"))
	}

	f, err := tap.ParseFormat(string(req.Format))
	if err != nil {
		errs = append(errs, fmt.Errorf("format: %w", err))
	}
	req.Format = f

	if req.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout: must be non-negative (%s)", req.Timeout))
	}

	if req.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("max_bytes: must be non-negative (%d)", req.MaxBytes))
	}

	if req.SendBuffer < 0 || req.SendBuffer > MaxSendBuffer {
		errs = append(errs, fmt.Errorf("sendbuf: must be between 0 and %d (%d)", MaxSendBuffer, req.SendBuffer))
	}

	req.StatsInterval = taputil.Clamp(req.StatsInterval, MinStatsInterval, DefaultStatsInterval, MaxStatsInterval)

	return errs
}

// String returns an operator-readable representation of the request.
func (req AttachRequest) String() string {
	elems := []string{fmt.Sprintf("ConfigID=%q", req.ConfigID)}
	if req.Format != "" {
		elems = append(elems, fmt.Sprintf("Format=%s", req.Format))
	}
	if req.Timeout > 0 {
		elems = append(elems, fmt.Sprintf("Timeout=%s", req.Timeout))
	}
	if req.MaxBytes > 0 {
		elems = append(elems, fmt.Sprintf("MaxBytes=%d", req.MaxBytes))
	}
	elems = append(elems, fmt.Sprintf("SendBuffer=%d", req.SendBuffer))
	return strings.Join(elems, " ")
}

// Values encodes the request as URL query parameters. A zero SendBuffer is
// omitted, so the server applies its default.
func (req AttachRequest) Values() url.Values {
	v := url.Values{}
	v.Set("config_id", req.ConfigID)
	if req.Format != "" {
		v.Set("format", string(req.Format))
	}
	if req.Timeout > 0 {
		v.Set("timeout", req.Timeout.String())
	}
	if req.MaxBytes > 0 {
		v.Set("max_bytes", strconv.Itoa(req.MaxBytes))
	}
	if req.SendBuffer > 0 {
		v.Set("sendbuf", strconv.Itoa(req.SendBuffer))
	}
	if req.StatsInterval > 0 {
		v.Set("stats", req.StatsInterval.String())
	}
	return v
}

type attachRequestJSON struct {
	ConfigID      string `json:"config_id,omitempty"`
	ID            string `json:"id,omitempty"`
	Format        string `json:"format,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	MaxBytes      int    `json:"max_bytes,omitempty"`
	SendBuffer    *int   `json:"sendbuf,omitempty"`
	StatsInterval string `json:"stats,omitempty"`
}

// MarshalJSON implements json.Marshaler, encoding durations as strings.
func (req AttachRequest) MarshalJSON() ([]byte, error) {
	x := attachRequestJSON{
		ConfigID: req.ConfigID,
		Format:   string(req.Format),
		MaxBytes: req.MaxBytes,
	}
	if req.Timeout > 0 {
		x.Timeout = req.Timeout.String()
	}
	if req.SendBuffer > 0 {
		x.SendBuffer = &req.SendBuffer
	}
	if req.StatsInterval > 0 {
		x.StatsInterval = req.StatsInterval.String()
	}
	return json.Marshal(x)
}

// UnmarshalJSON implements json.Unmarshaler. The config ID may be given as
// either config_id or id.
func (req *AttachRequest) UnmarshalJSON(data []byte) error {
	var x attachRequestJSON
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}

	var errs []error
	parseDuration := func(name, s string) time.Duration {
		if s == "" {
			return 0
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return d
	}

	*req = AttachRequest{
		ConfigID:      firstNonEmpty(x.ConfigID, x.ID),
		Format:        tap.Format(x.Format),
		Timeout:       parseDuration("timeout", x.Timeout),
		MaxBytes:      x.MaxBytes,
		SendBuffer:    DefaultSendBuffer,
		StatsInterval: parseDuration("stats", x.StatsInterval),
	}
	if x.SendBuffer != nil {
		req.SendBuffer = *x.SendBuffer
	}

	return errors.Join(errs...)
}

// ParseAttachRequest reads an attach request from r. A JSON body is used if
// the request has a JSON content type; otherwise the URL query is used. Both
// are validated the same way: values that don't parse, and a sendbuf outside
// [0, MaxSendBuffer], are errors wrapping [tap.ErrMalformedRequest]. The stats
// interval is clamped to [MinStatsInterval, MaxStatsInterval].
func ParseAttachRequest(w http.ResponseWriter, r *http.Request) (AttachRequest, error) {
	var (
		req  AttachRequest
		errs []error
	)

	switch {
	case RequestHasContentType(r, "application/json"):
		body := http.MaxBytesReader(w, r.Body, maxRequestBodySizeBytes)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			errs = append(errs, fmt.Errorf("decode body: %w", err))
		}

	default:
		query := r.URL.Query()
		req = AttachRequest{
			ConfigID: firstNonEmpty(query.Get("config_id"), query.Get("id")),
			Format:   tap.Format(query.Get("format")),
		}

		var err error
		if req.Timeout, err = taputil.ParseOptional(query.Get("timeout"), time.ParseDuration, 0); err != nil {
			errs = append(errs, fmt.Errorf("timeout: %w", err))
		}
		if req.MaxBytes, err = taputil.ParseOptional(query.Get("max_bytes"), strconv.Atoi, 0); err != nil {
			errs = append(errs, fmt.Errorf("max_bytes: %w", err))
		}
		if req.SendBuffer, err = taputil.ParseOptional(query.Get("sendbuf"), strconv.Atoi, DefaultSendBuffer); err != nil {
			errs = append(errs, fmt.Errorf("sendbuf: %w", err))
		}
		if req.StatsInterval, err = taputil.ParseOptional(query.Get("stats"), time.ParseDuration, 0); err != nil {
			errs = append(errs, fmt.Errorf("stats: %w", err))
		}
	}

	errs = append(errs, req.Normalize()...)
	if len(errs) > 0 {
		return req, fmt.Errorf("%w: %s", tap.ErrMalformedRequest, strings.Join(taputil.FlattenErrors(errs...), "; "))
	}

	return req, nil
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
