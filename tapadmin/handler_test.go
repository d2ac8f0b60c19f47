package tapadmin_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/tap"
	"github.com/peterbourgon/tap/tapadmin"
)

func newServer(t *testing.T, r *tapadmin.Registry) *httptest.Server {
	t.Helper()
	h := tapadmin.NewHandler(r, nil)
	mux := http.NewServeMux()
	mux.Handle("/tap", h)
	mux.Handle("/tap/", h)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

type event struct {
	typ  string
	data []byte
}

func recvEvent(t *testing.T, eventc <-chan event) event {
	t.Helper()
	select {
	case ev := <-eventc:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
		return event{}
	}
}

func waitDetached(t *testing.T, r *tapadmin.Registry) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := r.Snapshot(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if snap.Attached == "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for detach")
}

func TestHandlerEvents(t *testing.T) {
	t.Parallel()

	var (
		ctx    = context.Background()
		r      = newRegistry(t)
		x      = &fakeExtension{}
		ts     = newServer(t, r)
		client = tapadmin.NewClient(ts.Client(), ts.URL+"/tap")
		eventc = make(chan event, 100)
		errc   = make(chan error, 1)
	)

	r.RegisterConfig(x, "svc1")

	go func() {
		errc <- client.Attach(ctx, tapadmin.AttachRequest{
			ConfigID: "svc1",
			Format:   tap.FormatJSONBodyAsString,
		}, func(eventType string, data []byte) {
			eventc <- event{eventType, append([]byte(nil), data...)}
		})
	}()

	init := recvEvent(t, eventc)
	if want, have := "init", init.typ; want != have {
		t.Fatalf("first event: want %q, have %q", want, have)
	}
	var initData struct {
		ConfigID string `json:"config_id"`
		Session  string `json:"session"`
		SendBuf  int    `json:"sendbuf"`
	}
	if err := json.Unmarshal(init.data, &initData); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	if want, have := "svc1", initData.ConfigID; want != have {
		t.Errorf("init config_id: want %q, have %q", want, have)
	}
	if initData.Session == "" {
		t.Errorf("init session: want non-empty")
	}
	if want, have := tapadmin.DefaultSendBuffer, initData.SendBuf; want != have {
		t.Errorf("init sendbuf: want %d, have %d", want, have)
	}
	if !x.Enabled() {
		t.Errorf("want streaming enabled while attached")
	}

	tr := tap.NewTrace("svc1", time.Now())
	tr.HTTP = &tap.HTTPTrace{
		Request: tap.Message{
			Method: "GET",
			Path:   "/foo",
			Body:   tap.Body{Data: []byte("hello")},
		},
	}
	r.SubmitTrace(tr)

	ev := recvEvent(t, eventc)
	if want, have := "trace", ev.typ; want != have {
		t.Fatalf("second event: want %q, have %q", want, have)
	}
	var traceData struct {
		ID   string `json:"id"`
		HTTP struct {
			Request struct {
				Path string `json:"path"`
				Body struct {
					Data string `json:"data"`
				} `json:"body"`
			} `json:"request"`
		} `json:"http"`
	}
	if err := json.Unmarshal(ev.data, &traceData); err != nil {
		t.Fatalf("decode trace: %v", err)
	}
	if want, have := tr.ID, traceData.ID; want != have {
		t.Errorf("trace ID: want %q, have %q", want, have)
	}
	if want, have := "/foo", traceData.HTTP.Request.Path; want != have {
		t.Errorf("trace path: want %q, have %q", want, have)
	}
	if want, have := "hello", traceData.HTTP.Request.Body.Data; want != have {
		t.Errorf("trace body: want %q, have %q", want, have)
	}

	r.UnregisterConfig(x)

	ev = recvEvent(t, eventc)
	if want, have := "close", ev.typ; want != have {
		t.Fatalf("third event: want %q, have %q", want, have)
	}
	if want, have := tap.ErrExtensionGone.Error(), string(ev.data); !strings.Contains(have, want) {
		t.Errorf("close reason: want %q in %q", want, have)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, tap.ErrExtensionGone) {
			t.Errorf("Attach: want %v, have %v", tap.ErrExtensionGone, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Attach to return")
	}
}

func TestHandlerClientCancel(t *testing.T) {
	t.Parallel()

	var (
		r      = newRegistry(t)
		ts     = newServer(t, r)
		client = tapadmin.NewClient(ts.Client(), ts.URL+"/tap")
		eventc = make(chan event, 100)
		errc   = make(chan error, 1)
	)

	r.RegisterConfig(&fakeExtension{}, "svc1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		errc <- client.Attach(ctx, tapadmin.AttachRequest{ConfigID: "svc1"}, func(eventType string, data []byte) {
			eventc <- event{eventType, data}
		})
	}()

	if want, have := "init", recvEvent(t, eventc).typ; want != have {
		t.Fatalf("want %q, have %q", want, have)
	}

	cancel()

	if err := <-errc; err != nil {
		t.Errorf("Attach after cancel: want nil, have %v", err)
	}

	waitDetached(t, r)
}

func TestHandlerRejections(t *testing.T) {
	t.Parallel()

	var (
		r  = newRegistry(t)
		ts = newServer(t, r)
	)

	r.RegisterConfig(&fakeExtension{}, "svc1")

	for _, testcase := range []struct {
		name   string
		query  string
		accept string
		want   int
	}{
		{"missing config ID", "", "", http.StatusBadRequest},
		{"unknown config ID", "config_id=nope", "", http.StatusNotFound},
		{"unknown format", "config_id=svc1&format=xml", "", http.StatusBadRequest},
		{"bad timeout", "config_id=svc1&timeout=soon", "", http.StatusBadRequest},
		{"bad max bytes", "config_id=svc1&max_bytes=lots", "", http.StatusBadRequest},
		{"binary events", "config_id=svc1&format=proto_binary", "text/event-stream", http.StatusBadRequest},
	} {
		testcase := testcase
		t.Run(testcase.name, func(t *testing.T) {
			req, err := http.NewRequest("GET", ts.URL+"/tap?"+testcase.query, nil)
			if err != nil {
				t.Fatal(err)
			}
			if testcase.accept != "" {
				req.Header.Set("accept", testcase.accept)
			}

			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if want, have := testcase.want, resp.StatusCode; want != have {
				t.Errorf("status code: want %d, have %d", want, have)
			}

			var body struct {
				Error      string `json:"error"`
				StatusCode int    `json:"status_code"`
				StatusText string `json:"status_text"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if want, have := testcase.want, body.StatusCode; want != have {
				t.Errorf("body status_code: want %d, have %d", want, have)
			}
			if body.Error == "" {
				t.Errorf("body error: want non-empty")
			}
		})
	}
}

func TestHandlerAlreadyAttached(t *testing.T) {
	t.Parallel()

	var (
		ctx    = context.Background()
		r      = newRegistry(t)
		ts     = newServer(t, r)
		client = tapadmin.NewClient(ts.Client(), ts.URL+"/tap")
		s      = tapadmin.NewChanStream(1)
	)

	r.RegisterConfig(&fakeExtension{}, "svc1")
	r.RegisterConfig(&fakeExtension{}, "svc2")

	if err := r.Attach(ctx, "svc1", s); err != nil {
		t.Fatal(err)
	}

	err := client.Attach(ctx, tapadmin.AttachRequest{ConfigID: "svc2"}, nil)
	if !errors.Is(err, tap.ErrAlreadyAttached) {
		t.Errorf("Attach: want %v, have %v", tap.ErrAlreadyAttached, err)
	}

	r.Detach(s)

	err = client.Attach(ctx, tapadmin.AttachRequest{ConfigID: "nope"}, nil)
	if !errors.Is(err, tap.ErrNotFound) {
		t.Errorf("Attach: want %v, have %v", tap.ErrNotFound, err)
	}
}

func TestHandlerRawMaxBytes(t *testing.T) {
	t.Parallel()

	var (
		r  = newRegistry(t)
		ts = newServer(t, r)
	)

	r.RegisterConfig(&fakeExtension{}, "svc1")

	resp, err := ts.Client().Get(ts.URL + "/tap?config_id=svc1&format=json_body_as_string&max_bytes=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if want, have := http.StatusOK, resp.StatusCode; want != have {
		t.Fatalf("status code: want %d, have %d", want, have)
	}
	if want, have := "application/x-ndjson", resp.Header.Get("content-type"); want != have {
		t.Errorf("content type: want %q, have %q", want, have)
	}

	// Headers are flushed once attached, so submissions now are delivered.
	first := tap.NewTrace("svc1", time.Now())
	r.SubmitTrace(first)
	r.SubmitTrace(tap.NewTrace("svc1", time.Now()))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	var lines []string
	s := bufio.NewScanner(strings.NewReader(string(body)))
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	if want, have := 1, len(lines); want != have {
		t.Fatalf("lines: want %d, have %d: %s", want, have, body)
	}

	var have struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &have); err != nil {
		t.Fatal(err)
	}
	if want := first.ID; want != have.ID {
		t.Errorf("trace ID: want %q, have %q", want, have.ID)
	}
	if want, have := "max bytes reached", resp.Trailer.Get(tapadmin.CloseReasonTrailer); want != have {
		t.Errorf("close reason: want %q, have %q", want, have)
	}

	waitDetached(t, r)
}

func TestHandlerRawTimeout(t *testing.T) {
	t.Parallel()

	var (
		r  = newRegistry(t)
		ts = newServer(t, r)
	)

	r.RegisterConfig(&fakeExtension{}, "svc1")

	body := strings.NewReader(`{"id":"svc1","timeout":"50ms","format":"proto_binary_length_delimited"}`)
	resp, err := ts.Client().Post(ts.URL+"/tap", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if want, have := http.StatusOK, resp.StatusCode; want != have {
		t.Fatalf("status code: want %d, have %d", want, have)
	}
	if want, have := "application/x-protobuf", resp.Header.Get("content-type"); want != have {
		t.Errorf("content type: want %q, have %q", want, have)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("want empty body, have %d bytes", len(data))
	}
	if want, have := "timeout", resp.Trailer.Get(tapadmin.CloseReasonTrailer); want != have {
		t.Errorf("close reason: want %q, have %q", want, have)
	}

	waitDetached(t, r)
}

func TestHandlerAttachRaw(t *testing.T) {
	t.Parallel()

	var (
		ctx    = context.Background()
		r      = newRegistry(t)
		x      = &fakeExtension{}
		ts     = newServer(t, r)
		client = tapadmin.NewClient(ts.Client(), ts.URL+"/tap")
		pr, pw = io.Pipe()
		errc   = make(chan error, 1)
	)

	r.RegisterConfig(x, "svc1")

	go func() {
		err := client.AttachRaw(ctx, tapadmin.AttachRequest{ConfigID: "svc1", Format: tap.FormatJSONBodyAsBytes}, pw)
		pw.CloseWithError(err)
		errc <- err
	}()

	// Wait for the attachment before submitting.
	deadline := time.Now().Add(5 * time.Second)
	for !x.Enabled() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for attach")
		}
		time.Sleep(10 * time.Millisecond)
	}

	tr := tap.NewTrace("svc1", time.Now())
	r.SubmitTrace(tr)

	line, err := bufio.NewReader(pr).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, tr.ID) {
		t.Errorf("want trace ID %s in %q", tr.ID, line)
	}

	r.UnregisterConfig(x) // forced detach ends the response

	go io.Copy(io.Discard, pr)
	if err := <-errc; !errors.Is(err, tap.ErrExtensionGone) {
		t.Errorf("AttachRaw: want %v, have %v", tap.ErrExtensionGone, err)
	}
}

func TestHandlerAttachRawRegistryClosed(t *testing.T) {
	t.Parallel()

	var (
		ctx    = context.Background()
		r      = tapadmin.NewRegistry()
		x      = &fakeExtension{}
		ts     = newServer(t, r)
		client = tapadmin.NewClient(ts.Client(), ts.URL+"/tap")
		errc   = make(chan error, 1)
	)

	r.RegisterConfig(x, "svc1")

	go func() {
		errc <- client.AttachRaw(ctx, tapadmin.AttachRequest{ConfigID: "svc1", Format: tap.FormatProtoBinary}, io.Discard)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !x.Enabled() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for attach")
		}
		time.Sleep(10 * time.Millisecond)
	}

	r.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, tap.ErrClosed) {
			t.Errorf("AttachRaw: want %v, have %v", tap.ErrClosed, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for AttachRaw to return")
	}
}

func TestHandlerConfigs(t *testing.T) {
	t.Parallel()

	var (
		ctx    = context.Background()
		r      = newRegistry(t)
		ts     = newServer(t, r)
		client = tapadmin.NewClient(ts.Client(), ts.URL+"/tap")
	)

	r.RegisterConfig(&fakeExtension{}, "svc1")
	r.RegisterConfig(&fakeExtension{}, "svc1")
	r.RegisterConfig(&fakeExtension{}, "svc2")

	snap, err := client.Configs(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if want, have := map[string]int{"svc1": 2, "svc2": 1}, snap.Configs; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
	if snap.Attached != "" {
		t.Errorf("want no attachment, have %q", snap.Attached)
	}
}
