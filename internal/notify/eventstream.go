package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

// EventStreamConfig contains configuration for event stream reconnection.
type EventStreamConfig struct {
	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts, 0 = infinite
}

// DefaultEventStreamConfig returns sensible defaults for event stream configuration.
func DefaultEventStreamConfig() EventStreamConfig {
	return EventStreamConfig{
		MinBackoff:    1 * time.Second,
		MaxBackoff:    2 * time.Minute,
		Multiplier:    2.0,
		MaxReconnects: 0, // infinite
	}
}

// EventStream listens to the cluster notification stream (SSE)
type EventStream struct {
	url        string
	httpClient *http.Client
	config     EventStreamConfig
}

// NewEventStream creates a new event stream listener for url
func NewEventStream(url string, config EventStreamConfig) *EventStream {
	return &EventStream{
		url: url,
		// No timeout for SSE - it's a long-lived connection
		httpClient: &http.Client{},
		config:     config,
	}
}

// Run starts listening to the event stream with automatic reconnection.
// Returns ErrMaxReconnectsExceeded if max reconnects is exceeded.
func (e *EventStream) Run(ctx context.Context, pub Publisher) error {
	retryCount := 0
	currentBackoff := e.config.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := e.connect(ctx, pub)
		if err == nil {
			// Server closed the stream cleanly
			err = errors.New("event stream closed by server")
			retryCount = 0
			currentBackoff = e.config.MinBackoff
		}
		if ctx.Err() != nil {
			return nil
		}

		retryCount++

		// Check if we exceeded max reconnects
		if e.config.MaxReconnects > 0 && retryCount > e.config.MaxReconnects {
			log.Error().
				Int("max_reconnects", e.config.MaxReconnects).
				Msg("Event stream: max reconnects exceeded, terminating")
			return ErrMaxReconnectsExceeded
		}

		log.Warn().
			Err(err).
			Dur("backoff", currentBackoff).
			Int("retry", retryCount).
			Int("max_reconnects", e.config.MaxReconnects).
			Msg("Event stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(currentBackoff):
		}

		// Calculate next backoff with multiplier, capped at max
		nextBackoff := time.Duration(float64(currentBackoff) * e.config.Multiplier)
		if nextBackoff > e.config.MaxBackoff {
			nextBackoff = e.config.MaxBackoff
		}
		currentBackoff = nextBackoff
	}
}

func (e *EventStream) connect(ctx context.Context, pub Publisher) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	log.Info().Str("url", e.url).Msg("Connected to notification stream")

	scanner := bufio.NewScanner(resp.Body)
	var dataBuffer strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		// Comments, including the greeting
		if strings.HasPrefix(line, ":") {
			continue
		}

		// Empty line marks end of event
		if line == "" {
			if dataBuffer.Len() > 0 {
				e.processEvent(dataBuffer.String(), pub)
				dataBuffer.Reset()
			}
			continue
		}

		// Collect data lines
		if strings.HasPrefix(line, "data:") {
			dataBuffer.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	return scanner.Err()
}

// processEvent publishes every notification of one SSE event. The payload is
// a single notification or an array of them.
func (e *EventStream) processEvent(data string, pub Publisher) {
	var notifications []Notification
	var err error
	if strings.HasPrefix(data, "[") {
		err = json.Unmarshal([]byte(data), &notifications)
	} else {
		var n Notification
		err = json.Unmarshal([]byte(data), &n)
		notifications = append(notifications, n)
	}
	if err != nil {
		log.Warn().Err(err).Str("data", data).Msg("Failed to parse notification")
		return
	}

	for _, n := range notifications {
		event, err := n.Event()
		if err != nil {
			log.Warn().Err(err).Str("type", n.Type).Str("node", n.Node).Msg("Ignoring notification")
			continue
		}

		log.Debug().
			Str("type", string(event.Type)).
			Str("node", event.Node.String()).
			Msg("Notification received")
		pub.Publish(event)
	}
}
