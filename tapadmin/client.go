package tapadmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bernerdschaefer/eventsource"
	"github.com/peterbourgon/tap"
)

// HTTPClient models a concrete http.Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Client attaches to a remote [Handler].
type Client struct {
	// HTTPClient used to make requests. Optional.
	HTTPClient HTTPClient

	// URI of the remote handler, e.g. http://localhost:9901/tap. URIs without
	// a scheme are assumed to be http. Required.
	URI string
}

// NewClient returns a client for the handler at uri.
func NewClient(client HTTPClient, uri string) *Client {
	c := &Client{
		HTTPClient: client,
		URI:        uri,
	}
	c.initialize()
	return c
}

func (c *Client) initialize() {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.URI != "" && !strings.Contains(c.URI, "://") {
		c.URI = "http://" + c.URI
	}
}

// Attach streams server-sent events for req, calling onEvent for each one,
// including init, stats, and close events. Trace event data is the trace
// encoded in req.Format, which must be a text format.
//
// Attach returns nil when ctx is canceled, or when the server closes the
// stream because of the request's timeout or byte limit. Rejections wrap
// [tap.ErrMalformedRequest], [tap.ErrNotFound], or [tap.ErrAlreadyAttached],
// and forced detaches wrap [tap.ErrExtensionGone] or [tap.ErrClosed].
func (c *Client) Attach(ctx context.Context, req AttachRequest, onEvent func(eventType string, data []byte)) error {
	resp, err := c.do(ctx, req, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := eventsource.NewDecoder(resp.Body)
	for {
		var ev eventsource.Event
		err := dec.Decode(&ev)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		case err != nil:
			return fmt.Errorf("read server-sent event: %w", err)
		}

		if onEvent != nil {
			onEvent(ev.Type, ev.Data)
		}

		if ev.Type == "close" {
			var body struct {
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(ev.Data, &body); err != nil {
				return fmt.Errorf("decode close event: %w", err)
			}
			return closeReasonError(body.Reason)
		}
	}
}

// AttachRaw streams encoded traces for req to w, in req.Format. It returns nil
// when ctx is canceled, or when the server ends the stream because of the
// request's timeout or byte limit. If the server ends the stream for another
// reason, e.g. a forced detach, the returned error wraps the matching sentinel
// error, if any.
func (c *Client) AttachRaw(ctx context.Context, req AttachRequest, w io.Writer) error {
	resp, err := c.do(ctx, req, req.Format.ContentType())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("read stream: %w", err)
	}

	// Trailers are available once the body is fully read.
	return closeReasonError(resp.Trailer.Get(CloseReasonTrailer))
}

// closeReasonError converts the reason a server gave for ending a stream to an
// error. Ends requested by the operator's own limits aren't errors.
func closeReasonError(reason string) error {
	switch {
	case reason == "", reason == errTimeout.Error(), reason == errMaxBytes.Error():
		return nil
	case strings.HasPrefix(reason, tap.ErrExtensionGone.Error()):
		return fmt.Errorf("%w (remote: %s)", tap.ErrExtensionGone, reason)
	case reason == tap.ErrClosed.Error():
		return fmt.Errorf("%w (remote: %s)", tap.ErrClosed, reason)
	default:
		return fmt.Errorf("stream closed by server: %s", reason)
	}
}

// Configs returns the remote registry snapshot.
func (c *Client) Configs(ctx context.Context) (Snapshot, error) {
	c.initialize()

	uri := strings.TrimSuffix(c.URI, "/") + "/configs"
	httpReq, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("accept", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return Snapshot{}, fmt.Errorf("execute HTTP request: %w", redactURL(err))
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, responseError(resp)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode response: %w", err)
	}
	return snap, nil
}

func (c *Client) do(ctx context.Context, req AttachRequest, accept string) (*http.Response, error) {
	c.initialize()

	uri, err := url.Parse(c.URI)
	if err != nil {
		return nil, fmt.Errorf("parse URI: %w", err)
	}
	uri.RawQuery = req.Values().Encode()

	httpReq, err := http.NewRequestWithContext(ctx, "GET", uri.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("accept", accept)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute HTTP request: %w", redactURL(err))
	}

	if resp.StatusCode != http.StatusOK {
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()
		return nil, responseError(resp)
	}

	return resp, nil
}

// responseError converts a rejection to an error wrapping the matching
// sentinel, if any.
func responseError(resp *http.Response) error {
	var body errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRequestBodySizeBytes)).Decode(&body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}

	if sentinel := statusError(resp.StatusCode); sentinel != nil {
		return fmt.Errorf("%w (remote: %s)", sentinel, body.Error)
	}

	return fmt.Errorf("remote status code %d: %s", resp.StatusCode, body.Error)
}

func redactURL(err error) error {
	if urlErr := (&url.Error{}); errors.As(err, &urlErr) {
		err = fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
