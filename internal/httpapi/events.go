package httpapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/quarrel/internal/dialogue"
)

const (
	eventBuffer       = 256
	eventWriteTimeout = 5 * time.Second
)

// eventFilter selects the events forwarded to one WebSocket client. Empty
// lists match everything.
type eventFilter struct {
	speakers []string
	kinds    []dialogue.EventKind
}

func parseEventFilter(r *http.Request) eventFilter {
	var f eventFilter
	for _, v := range r.URL.Query()["speaker"] {
		for s := range strings.SplitSeq(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.speakers = append(f.speakers, s)
			}
		}
	}
	for _, v := range r.URL.Query()["kind"] {
		for k := range strings.SplitSeq(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.kinds = append(f.kinds, dialogue.EventKind(k))
			}
		}
	}
	return f
}

func (f eventFilter) match(ev dialogue.Event) bool {
	if len(f.kinds) > 0 && !slices.Contains(f.kinds, ev.Kind) {
		return false
	}
	if len(f.speakers) > 0 &&
		!slices.Contains(f.speakers, ev.SpeakerID) &&
		!slices.Contains(f.speakers, ev.InterrupterID) {
		return false
	}
	return true
}

// handleEvents streams lifecycle events as JSON text messages until the
// client disconnects. Query parameters "speaker" and "kind" (repeatable or
// comma separated) narrow the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := parseEventFilter(r)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.room.Subscribe(eventBuffer)
	defer unsubscribe()

	// Clients only listen. CloseRead handles their control frames and
	// cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())
	log := s.log.With("remote", r.RemoteAddr)
	log.Debug("httpapi: event stream opened")

	for {
		select {
		case <-ctx.Done():
			log.Debug("httpapi: event stream closed")
			conn.Close(websocket.StatusGoingAway, "stream closed")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if !filter.match(ev) {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("httpapi: event stream write failed", "err", err)
				}
				return
			}
		}
	}
}
