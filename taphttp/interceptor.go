package taphttp

import (
	"io"
	"net/http"
	"strings"

	"github.com/peterbourgon/tap"
)

type bodyRecorder struct {
	io.ReadCloser

	body *tap.Body
	max  int
}

func (b *bodyRecorder) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.body.Append(p[:n], b.max)
	return n, err
}

// interceptor records the response as it's written.
type interceptor struct {
	http.ResponseWriter

	msg  *tap.Message
	max  int
	code int
}

func newInterceptor(w http.ResponseWriter, msg *tap.Message, max int) *interceptor {
	return &interceptor{
		ResponseWriter: w,
		msg:            msg,
		max:            max,
	}
}

func (i *interceptor) WriteHeader(code int) {
	if i.code == 0 {
		i.code = code
		i.msg.Status = code
		i.msg.Headers = tap.HeadersFrom(i.Header())
	}
	i.ResponseWriter.WriteHeader(code)
}

func (i *interceptor) Write(p []byte) (int, error) {
	if i.code == 0 {
		i.WriteHeader(http.StatusOK)
	}
	n, err := i.ResponseWriter.Write(p)
	i.msg.Body.Append(p[:n], i.max)
	return n, err
}

// Flush implements http.Flusher, for handlers which check for it directly.
func (i *interceptor) Flush() {
	http.NewResponseController(i.ResponseWriter).Flush()
}

// Unwrap supports http.ResponseController.
func (i *interceptor) Unwrap() http.ResponseWriter {
	return i.ResponseWriter
}

// finish records the status of responses with no body, and any trailers.
func (i *interceptor) finish() {
	if i.code == 0 {
		i.code = http.StatusOK
		i.msg.Status = http.StatusOK
		i.msg.Headers = tap.HeadersFrom(i.Header())
	}

	trailers := http.Header{}
	for _, declared := range i.Header().Values("Trailer") {
		for _, k := range strings.Split(declared, ",") {
			k = http.CanonicalHeaderKey(strings.TrimSpace(k))
			if vs := i.Header().Values(k); len(vs) > 0 {
				trailers[k] = vs
			}
		}
	}
	for k, vs := range i.Header() {
		if strings.HasPrefix(k, http.TrailerPrefix) {
			trailers[http.CanonicalHeaderKey(strings.TrimPrefix(k, http.TrailerPrefix))] = vs
		}
	}
	i.msg.Trailers = tap.HeadersFrom(trailers)
}
