package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/nugget/concierge/internal/notify"
)

// Events is a broadcast source of driver events. [*notify.Bus]
// implements it.
type Events interface {
	Subscribe(bufSize int) <-chan notify.Event
	Unsubscribe(ch <-chan notify.Event)
}

const eventsBuffer = 64

// eventFilter narrows the stream to one conversation and a set of
// event types. Empty fields match everything.
type eventFilter struct {
	conversation string
	types        map[notify.EventType]struct{}
}

func newEventFilter(r *http.Request) eventFilter {
	q := r.URL.Query()
	f := eventFilter{conversation: q.Get("conversation")}
	for _, v := range q["types"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				if f.types == nil {
					f.types = make(map[notify.EventType]struct{})
				}
				f.types[notify.EventType(t)] = struct{}{}
			}
		}
	}
	return f
}

func (f eventFilter) allows(e notify.Event) bool {
	if f.conversation != "" && e.ConversationID != f.conversation {
		return false
	}
	if f.types == nil {
		return true
	}
	_, ok := f.types[e.Type]
	return ok
}

// handleEvents streams driver events over a websocket until the client
// leaves. Anything the client sends is discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, http.StatusNotFound, "event stream not enabled")
		return
	}
	filter := newEventFilter(r)

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(eventsBuffer)
	defer s.events.Unsubscribe(ch)
	s.logger.Info("event stream connected", "conversation", filter.conversation)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !filter.allows(e) {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

var _ Events = (*notify.Bus)(nil)
