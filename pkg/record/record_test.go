package record

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestFromResponseBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := FromResponse(res, time.Now())
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
	if string(rec.Body) != "This is the body" {
		t.Fatalf("Record body: %s", rec.Body)
	}
}

func TestStoredAtSurvivesAndIsHidden(t *testing.T) {
	storedAt := time.UnixMilli(1700000000123)
	rec := Record{
		StatusCode: 201,
		Header:     http.Header{"Etag": []string{`"v1"`}},
		Body:       []byte("album list"),
		StoredAt:   storedAt,
	}
	b, err := Marshal(rec)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Error creating record: %+v", err)
	}
	if got.Header.Get("Etag") != `"v1"` {
		t.Fatalf("ETag header wrong %+v", got.Header)
	}
	if got.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Internal header leaked %+v", got.Header)
	}
	if !got.StoredAt.Equal(storedAt) {
		t.Fatalf("Stored at %v, expected %v", got.StoredAt, storedAt)
	}
	if got.StatusCode != 201 || string(got.Body) != "album list" {
		t.Fatalf("Record is %+v", got)
	}
}

func TestResponseBodiesAreIndependent(t *testing.T) {
	rec := Record{StatusCode: 200, Header: http.Header{}, Body: []byte("once")}
	first, _ := io.ReadAll(rec.Response(nil).Body)
	second, _ := io.ReadAll(rec.Response(nil).Body)
	if string(first) != "once" || string(second) != "once" {
		t.Fatalf("Bodies: %q %q", first, second)
	}
}

func TestContentLengthPresenceIsPreserved(t *testing.T) {
	without := Record{StatusCode: 200, Header: http.Header{}, Body: []byte("abc")}
	b, _ := Marshal(without)
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if cl := got.Header.Get("Content-Length"); cl != "" {
		t.Fatalf("Content-Length appeared: %s", cl)
	}

	with := Record{StatusCode: 200, Header: http.Header{"Content-Length": []string{"3"}}, Body: []byte("abc")}
	b, _ = Marshal(with)
	got, err = Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if cl := got.Header.Get("Content-Length"); cl != "3" {
		t.Fatalf("Content-Length is %q", cl)
	}
}
