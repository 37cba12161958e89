package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DrBushyTop/humanlayer-opencode/internal/events"
	"github.com/DrBushyTop/humanlayer-opencode/internal/httpkit"
)

// Reconnect backoff bounds for the event stream.
const (
	streamBackoffMin = time.Second
	streamBackoffMax = 30 * time.Second
)

// EventHandler receives each decoded server event. Handlers must not
// block for long: the stream reader is single-threaded and a stalled
// handler delays every subsequent event.
type EventHandler func(ctx context.Context, evt Event)

// Stream consumes the opencode server's SSE event feed (GET /event) and
// dispatches each decoded event to a handler. Disconnects are expected
// (the server restarts freely); the stream reconnects with exponential
// backoff until its context is cancelled.
type Stream struct {
	baseURL    string
	directory  string
	handler    EventHandler
	bus        *events.Bus
	logger     *slog.Logger
	httpClient *http.Client
}

// NewStream creates an event stream consumer. The bus may be nil.
func NewStream(baseURL, directory string, handler EventHandler, bus *events.Bus, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		baseURL:   baseURL,
		directory: directory,
		handler:   handler,
		bus:       bus,
		logger:    logger,
		// Zero timeout: the stream is one never-ending response.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

// Run connects to the event stream and dispatches events until ctx is
// cancelled. It only returns the context's error; connection failures
// are logged and retried internally.
func (s *Stream) Run(ctx context.Context) error {
	backoff := streamBackoffMin

	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("event stream disconnected, reconnecting",
			"error", err, "backoff", backoff)
		s.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceStream,
			Kind:      events.KindStreamDisconnected,
			Data:      map[string]any{"error": fmt.Sprint(err)},
		})

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, streamBackoffMax)
	}
}

// consume opens one stream connection and reads frames until it breaks.
func (s *Stream) consume(ctx context.Context) error {
	u := s.baseURL + "/event"
	if s.directory != "" {
		u += "?directory=" + url.QueryEscape(s.directory)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 512)
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	s.logger.Info("event stream connected", "url", u)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceStream,
		Kind:      events.KindStreamConnected,
		Data:      map[string]any{"url": u},
	})

	scanner := bufio.NewScanner(resp.Body)
	// Transcripts referenced in event payloads can be large.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		// A blank line terminates one SSE frame.
		if line == "" {
			if data.Len() > 0 {
				s.dispatch(ctx, data.String())
				data.Reset()
			}
			continue
		}

		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(payload, " "))
		}
		// Comment lines (":keepalive") and other SSE fields are ignored.
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read event stream: %w", err)
	}
	return errors.New("event stream closed by server")
}

func (s *Stream) dispatch(ctx context.Context, payload string) {
	var evt Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		s.logger.Debug("skipping malformed event frame", "error", err)
		return
	}
	if evt.Type == "" {
		return
	}
	s.handler(ctx, evt)
}
