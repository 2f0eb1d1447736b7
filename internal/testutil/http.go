package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
)

// handlerTransport dispatches requests straight into a handler, letting
// tests drive the real mux without opening a listener.
type handlerTransport struct {
	handler http.Handler
}

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	t.handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// NewInProcessClient returns an http.Client whose requests are served by
// handler in-process.
func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: handlerTransport{handler: handler}}
}

// NewRequest builds a request against the in-process host.
func NewRequest(method, path string, body []byte) *http.Request {
	req, err := http.NewRequest(method, "http://in-process"+path, bytes.NewReader(body))
	if err != nil {
		panic(err)
	}
	return req
}

// ReadAll drains and closes a response body.
func ReadAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// StreamRecorder is a ResponseWriter for handlers that stream. Writes go
// through a pipe to Body so the test can read events while the handler is
// still running; httptest.ResponseRecorder only exposes output after the
// handler returns, which an open SSE connection never does.
type StreamRecorder struct {
	Body io.ReadCloser
	Code int

	header http.Header
	writer io.WriteCloser
}

func NewStreamRecorder() *StreamRecorder {
	r, w := io.Pipe()
	return &StreamRecorder{
		Body:   r,
		Code:   http.StatusOK,
		header: make(http.Header),
		writer: w,
	}
}

func (sr *StreamRecorder) Header() http.Header {
	return sr.header
}

func (sr *StreamRecorder) WriteHeader(statusCode int) {
	sr.Code = statusCode
}

func (sr *StreamRecorder) Write(p []byte) (int, error) {
	return sr.writer.Write(p)
}

// Flush satisfies http.Flusher; the pipe delivers writes immediately.
func (sr *StreamRecorder) Flush() {}

// Close ends the stream, unblocking readers of Body.
func (sr *StreamRecorder) Close() error {
	return sr.writer.Close()
}
