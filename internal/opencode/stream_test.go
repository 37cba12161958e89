package opencode

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStreamDispatchesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q, want text/event-stream", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"ses_1\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message.updated\",\"properties\":{}}\n\n")
		fmt.Fprint(w, "this line is not an SSE field\n")
		fmt.Fprint(w, "data: not json\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 8)
	stream := NewStream(srv.URL, "", func(_ context.Context, evt Event) {
		got <- evt
	}, nil, nil)

	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	var received []Event
	timeout := time.After(3 * time.Second)
	for len(received) < 2 {
		select {
		case evt := <-got:
			received = append(received, evt)
		case <-timeout:
			t.Fatalf("timed out, received %d events, want 2", len(received))
		}
	}

	if received[0].Type != EventSessionIdle {
		t.Errorf("first event type = %q, want session.idle", received[0].Type)
	}
	if received[0].SessionID() != "ses_1" {
		t.Errorf("first event session = %q, want ses_1", received[0].SessionID())
	}
	if received[1].Type != "message.updated" {
		t.Errorf("second event type = %q, want message.updated", received[1].Type)
	}

	// Malformed frames must be skipped, not dispatched.
	select {
	case evt := <-got:
		t.Errorf("unexpected extra event dispatched: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestStreamMultiLineData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// A single JSON payload split across two data lines.
		fmt.Fprint(w, "data: {\"type\":\"session.idle\",\n")
		fmt.Fprint(w, "data: \"properties\":{\"sessionID\":\"ses_2\"}}\n\n")
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 1)
	stream := NewStream(srv.URL, "", func(_ context.Context, evt Event) {
		got <- evt
	}, nil, nil)
	go stream.Run(ctx)

	select {
	case evt := <-got:
		if evt.SessionID() != "ses_2" {
			t.Errorf("SessionID() = %q, want ses_2", evt.SessionID())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for multi-line event")
	}
}
