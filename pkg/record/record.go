package record

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	storedAtHeaderName = "Swcache-Stored-At"
	// Content-Length is rewritten by the wire format, the stored value is kept here
	contentLengthHeaderName = "Swcache-Content-Length"
)

// Record is a cached response: status, headers, body and the time it was stored.
type Record struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// FromResponse drains the response body into a record.
// The response body is replaced with a reader over the same bytes,
// so the response can still be sent to the client afterwards.
func FromResponse(res *http.Response, storedAt time.Time) (Record, error) {
	rec := Record{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		StoredAt:   storedAt,
	}
	if rec.Header == nil {
		rec.Header = http.Header{}
	}
	if res.Body != nil {
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return rec, fmt.Errorf("read response body: %w", err)
		}
		rec.Body = body
	}
	res.Body = io.NopCloser(bytes.NewReader(rec.Body))
	return rec, nil
}

// Response creates a new response from the record.
// Every call returns an independent body reader.
func (rec Record) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", rec.StatusCode, http.StatusText(rec.StatusCode)),
		StatusCode:    rec.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        rec.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(rec.Body)),
		ContentLength: int64(len(rec.Body)),
		Request:       req,
	}
}

// OK reports whether the status code is in the 2xx range.
func (rec Record) OK() bool {
	return rec.StatusCode >= 200 && rec.StatusCode <= 299
}

// Marshal returns the HTTP/1.1 representation of the record.
// The storage time is carried in an extra header.
func Marshal(rec Record) ([]byte, error) {
	res := rec.Response(nil)
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(rec.StoredAt.UnixMilli(), 10))
	res.Header.Set(contentLengthHeaderName, rec.Header.Get("Content-Length"))
	// the body is written with its exact length, never chunked
	res.TransferEncoding = nil
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal parses bytes created by Marshal.
func Unmarshal(b []byte) (Record, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Record{}, fmt.Errorf("read response: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Record{}, fmt.Errorf("read body: %w", err)
	}
	rec := Record{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}
	if ms, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		rec.StoredAt = time.UnixMilli(ms)
	}
	if values, ok := rec.Header[contentLengthHeaderName]; ok {
		if len(values) == 0 || values[0] == "" {
			rec.Header.Del("Content-Length")
		} else {
			rec.Header.Set("Content-Length", values[0])
		}
	}
	rec.Header.Del(storedAtHeaderName)
	rec.Header.Del(contentLengthHeaderName)
	return rec, nil
}
