package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/menta2k/debris-scan/pkg/types"
)

func fastOptions() Options {
	opts := DefaultOptions()
	opts.BackoffBase = time.Millisecond
	opts.Timeout = 5 * time.Second
	return opts
}

func TestInferSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("expected image/jpeg content type, got %s", ct)
		}
		w.Write([]byte(`{"detections":[
			{"box":[10,20,110,220],"class":"plastic_bottle","class_id":3,"score":0.87},
			{"box":[5,5,50,50],"class":"rope","class_id":7,"score":0.42}
		]}`))
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL, fastOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}

	dets, err := client.Infer(context.Background(), []byte("tile-bytes"))
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}

	if len(dets) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(dets))
	}
	want := types.Detection{
		Box:     types.Box{X0: 10, Y0: 20, X1: 110, Y1: 220},
		Class:   "plastic_bottle",
		ClassID: 3,
		Score:   0.87,
	}
	if dets[0] != want {
		t.Errorf("detection[0] = %+v, want %+v", dets[0], want)
	}
}

func TestInferEmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"detections":[]}`))
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL, fastOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}

	dets, err := client.Infer(context.Background(), []byte("tile"))
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("expected no detections, got %d", len(dets))
	}
}

func TestInferRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"detections":[{"box":[0,0,10,10],"class":"net","class_id":1,"score":0.9}]}`))
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL, fastOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}

	dets, err := client.Infer(context.Background(), []byte("tile"))
	if err != nil {
		t.Fatalf("Infer failed after retries: %v", err)
	}
	if len(dets) != 1 {
		t.Errorf("expected 1 detection, got %d", len(dets))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestInferExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL, fastOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Infer(context.Background(), []byte("tile"))
	if err == nil {
		t.Fatal("expected failure after exhausted retries")
	}
	if !types.IsInferenceFailure(err) {
		t.Errorf("expected an inference failure, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestInferClientErrorFailsFast(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad tile", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL, fastOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Infer(context.Background(), []byte("tile"))
	if err == nil {
		t.Fatal("expected failure for client error")
	}
	if !types.IsInferenceFailure(err) {
		t.Errorf("expected an inference failure, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected a single attempt for a 4xx, got %d", got)
	}
}

func TestInferRetriesMalformedResponse(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"detections": [{`))
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL, fastOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Infer(context.Background(), []byte("tile"))
	if err == nil {
		t.Fatal("expected failure for malformed response")
	}
	if !types.IsInferenceFailure(err) {
		t.Errorf("expected an inference failure, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("malformed responses should be retried, got %d attempts", got)
	}
}

func TestInferRejectsOutOfRangeScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"detections":[{"box":[0,0,10,10],"class":"net","class_id":1,"score":1.7}]}`))
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL, fastOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.Infer(context.Background(), []byte("tile")); err == nil {
		t.Fatal("expected failure for out-of-range score")
	}
}

func TestInferSkipsDegenerateBoxes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"detections":[
			{"box":[50,50,50,80],"class":"foam","class_id":2,"score":0.8},
			{"box":[0,0,30,30],"class":"foam","class_id":2,"score":0.6}
		]}`))
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL, fastOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}

	dets, err := client.Infer(context.Background(), []byte("tile"))
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("expected the degenerate box to be dropped, got %d detections", len(dets))
	}
	if dets[0].Score != 0.6 {
		t.Errorf("kept the wrong detection: %+v", dets[0])
	}
}

func TestInferCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.BackoffBase = time.Hour
	opts.Clock = clock.NewMock()

	client, err := NewHTTPClient(server.URL, opts, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Infer(ctx, []byte("tile"))
		done <- err
	}()

	cancel()
	err = <-done
	if err == nil {
		t.Fatal("expected failure after cancellation")
	}
	if !types.IsInferenceFailure(err) {
		t.Errorf("expected an inference failure, got %v", err)
	}
}

func TestNewHTTPClientValidation(t *testing.T) {
	if _, err := NewHTTPClient("", DefaultOptions(), nil); err == nil {
		t.Error("expected error for empty endpoint")
	}
	if _, err := NewHTTPClient("   ", DefaultOptions(), nil); err == nil {
		t.Error("expected error for blank endpoint")
	}
}
