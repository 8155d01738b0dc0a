package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/log"
)

const (
	// PollInterval is how often the stream checks the store for new
	// events. Appends land within one interval of commit.
	PollInterval = 500 * time.Millisecond

	// KeepaliveInterval bounds stream silence. A comment frame goes out
	// after this long without an event so proxies keep the connection.
	KeepaliveInterval = 15 * time.Second

	// streamPageLimit caps one poll's read. A burst larger than this is
	// drained across consecutive polls.
	streamPageLimit = 500
)

// connectionFrame is the first frame on every stream. It tells the
// client the stream is live and what the agent is doing right now.
type connectionFrame struct {
	Type          string              `json:"type"`
	SessionStatus domain.ClaudeStatus `json:"sessionStatus"`
}

// eventFrame is the wire shape of one streamed event.
type eventFrame struct {
	UUID           string           `json:"uuid"`
	EventType      domain.EventType `json:"event_type"`
	Timestamp      time.Time        `json:"timestamp"`
	MemvaSessionID string           `json:"memva_session_id"`
	Data           json.RawMessage  `json:"data"`
}

// StreamSSE writes the session's live event stream onto w in SSE wire
// format until ctx ends. It emits a connection frame immediately, then
// polls the store, sending one data frame per new visible event in
// chronological order. Duplicate suppression tracks only the timestamp
// of the last sent event, so memory stays constant regardless of
// session length. Returns nil on ctx cancellation, an error if the
// session is unknown or the writer fails.
func (p *Pipeline) StreamSSE(ctx context.Context, w io.Writer, sessionID string, since time.Time) error {
	session, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := WriteFrame(w, connectionFrame{Type: "connection", SessionStatus: session.ClaudeStatus}); err != nil {
		return err
	}
	log.Debug(log.CatSSE, "stream open", "session_id", sessionID, "since", since)

	lastSent := since
	lastActivity := time.Now()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		batch, err := p.events.ListSince(ctx, sessionID, lastSent, streamPageLimit)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// The store returns newest-first; reverse so clients observe
		// chronological order.
		for i := len(batch) - 1; i >= 0; i-- {
			ev := batch[i]
			frame := eventFrame{
				UUID:           ev.UUID,
				EventType:      ev.EventType,
				Timestamp:      ev.Timestamp,
				MemvaSessionID: ev.MemvaSessionID,
				Data:           ev.Data,
			}
			if err := WriteFrame(w, frame); err != nil {
				return err
			}
			lastSent = ev.Timestamp
			lastActivity = time.Now()
		}

		if len(batch) == 0 && time.Since(lastActivity) >= p.keepaliveAfter {
			if err := WriteKeepalive(w); err != nil {
				return err
			}
			lastActivity = time.Now()
		}

		select {
		case <-ctx.Done():
			log.Debug(log.CatSSE, "stream closed", "session_id", sessionID)
			return nil
		case <-ticker.C:
		}
	}
}

// WriteFrame marshals v as one SSE data frame and flushes.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding stream frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("writing stream frame: %w", err)
	}
	flush(w)
	return nil
}

// WriteKeepalive emits an SSE comment, invisible to EventSource clients.
func WriteKeepalive(w io.Writer) error {
	if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("writing keepalive: %w", err)
	}
	flush(w)
	return nil
}

func flush(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
