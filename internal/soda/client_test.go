package soda

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func TestFetchPagesUntilShortPage(t *testing.T) {
	const total = 10001 // one full page of 10,000 plus a short page of 1

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("$offset"))
		remaining := total - offset
		if remaining < 0 {
			remaining = 0
		}
		n := remaining
		if n > pageSize {
			n = pageSize
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[")
		for i := 0; i < n; i++ {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"permit_number":"P%d"}`, offset+i)
		}
		fmt.Fprint(w, "]")
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	pages := client.Fetch(context.Background(), "abcd-1234", Query{})

	var records []Record
	pageCount := 0
	for page := range pages {
		if page.Err != nil {
			t.Fatalf("Fetch: %v", page.Err)
		}
		pageCount++
		records = append(records, page.Records...)
	}
	if len(records) != total {
		t.Fatalf("expected %d records, got %d", total, len(records))
	}
	if pageCount != 2 {
		t.Fatalf("expected 2 pages (one full, one short), got %d", pageCount)
	}
	if got := records[0].String("permit_number"); got != "P0" {
		t.Fatalf("expected first record P0, got %s", got)
	}
}

func TestFetchFatalOn4xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	pages := client.Fetch(context.Background(), "missing-dataset", Query{})

	var sawErr bool
	for page := range pages {
		if page.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("expected an error for a 404 response")
	}
}

func TestAppTokenHeaderSent(t *testing.T) {
	var gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-App-Token")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[]")
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, AppToken: "secret-token"})
	for page := range client.Fetch(context.Background(), "abcd-1234", Query{}) {
		if page.Err != nil {
			t.Fatalf("Fetch: %v", page.Err)
		}
	}
	if gotToken != "secret-token" {
		t.Fatalf("expected X-App-Token header to be sent, got %q", gotToken)
	}
}
