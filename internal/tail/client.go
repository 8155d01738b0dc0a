// Package tail implements the terminal live-tail client. It consumes
// the daemon's SSE event stream for one session and renders a scrolling
// chat transcript with Bubble Tea.
package tail

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/memva/memva/internal/log"
)

const (
	dataPrefix = "data: "

	// maxFrameBytes bounds a single SSE line. Matches the agent
	// streamer's stdout scanner so no stored event is too large to
	// replay.
	maxFrameBytes = 1024 * 1024
)

// Frame is one decoded SSE frame. The daemon sends a connection frame
// first, then one event frame per stored event.
type Frame struct {
	// Connection frame fields.
	Type          string `json:"type,omitempty"`
	SessionStatus string `json:"sessionStatus,omitempty"`

	// Event frame fields.
	UUID           string          `json:"uuid,omitempty"`
	EventType      string          `json:"event_type,omitempty"`
	Timestamp      time.Time       `json:"timestamp,omitempty"`
	MemvaSessionID string          `json:"memva_session_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// IsConnection reports whether this is the stream's opening frame.
func (f Frame) IsConnection() bool {
	return f.Type == "connection"
}

// Client consumes the daemon's event stream over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the daemon at addr. A bare host:port
// is assumed to be plain HTTP.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, http: &http.Client{}}
}

// Stream opens the session's event stream. Decoded frames arrive on
// the returned channel until the server closes the stream or ctx ends;
// the channel is closed either way. A rejected connection (unknown
// session, daemon down) is reported as an error before any frame.
func (c *Client) Stream(ctx context.Context, sessionID string) (<-chan Frame, error) {
	url := c.baseURL + "/api/claude-code/" + sessionID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		var body struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); decodeErr == nil && body.Error != "" {
			return nil, fmt.Errorf("stream rejected: %s", body.Error)
		}
		return nil, fmt.Errorf("stream rejected: status %d", resp.StatusCode)
	}

	frames := make(chan Frame, 16)
	go func() {
		defer close(frames)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
		for scanner.Scan() {
			payload, ok := strings.CutPrefix(scanner.Text(), dataPrefix)
			if !ok {
				// Keepalive comments and frame separators.
				continue
			}
			var frame Frame
			if err := json.Unmarshal([]byte(payload), &frame); err != nil {
				log.Warn(log.CatTail, "dropping malformed frame", "error", err)
				continue
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.Warn(log.CatTail, "stream read failed", "error", err)
		}
	}()
	return frames, nil
}
