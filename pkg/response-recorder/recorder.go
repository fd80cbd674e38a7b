package recorder

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// ResponseRecorder is an http.ResponseWriter that keeps the response in memory,
// so a handler can be used where a network round trip is expected.
type ResponseRecorder struct {
	b            *bytes.Buffer
	header       http.Header
	written      http.Header
	status       int
	wroteHeaders bool
}

func New() *ResponseRecorder {
	return &ResponseRecorder{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) WriteHeader(statusCode int) {
	// only the first call counts, like with a real connection
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	// later header changes have no effect, like with a real connection
	t.written = t.header.Clone()
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// StatusCode returns the status code of the response.
// It is 200 if the handler wrote nothing.
func (t *ResponseRecorder) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Response returns the recorded response.
func (t *ResponseRecorder) Response(req *http.Request) *http.Response {
	status := t.StatusCode()
	header := t.written
	if !t.wroteHeaders {
		header = t.header
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(t.b.Bytes())),
		ContentLength: int64(t.b.Len()),
		Request:       req,
	}
}
