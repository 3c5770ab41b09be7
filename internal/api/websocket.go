package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/concierge/internal/gate"
	"github.com/nugget/concierge/internal/orchestrator"
)

// ClientFrame is a message from a websocket client. Type is "message"
// (Text is the human's message) or "verdict" (Kind and Text form the
// verdict).
type ClientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// ServerFrame is a reply to one client frame: either the turn result
// or an error.
type ServerFrame struct {
	Type   string                   `json:"type"`
	Turn   *orchestrator.TurnResult `json:"turn,omitempty"`
	Error  string                   `json:"error,omitempty"`
	Status int                      `json:"status,omitempty"`
}

const wsWriteWait = 10 * time.Second

// handleWebSocket runs a conversation over a websocket. Frames are
// handled in order; each gets exactly one reply.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.convs.State(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "conversation", id, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	log := s.logger.With("conversation", id)
	log.Info("websocket connected")

	for {
		var f ClientFrame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}

		reply := s.frame(r.Context(), id, f)
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return
		}
		if err := conn.WriteJSON(reply); err != nil {
			log.Debug("websocket write failed", "error", err)
			return
		}
	}
}

func (s *Server) frame(ctx context.Context, id string, f ClientFrame) ServerFrame {
	var (
		res *orchestrator.TurnResult
		err error
	)
	switch f.Type {
	case "message":
		if f.Text == "" {
			return ServerFrame{Type: "error", Error: "text is required", Status: http.StatusBadRequest}
		}
		res, err = s.convs.Send(ctx, id, f.Text)
	case "verdict":
		v := gate.Verdict{Kind: gate.VerdictKind(f.Kind), Text: f.Text}
		if !v.Valid() {
			return ServerFrame{Type: "error", Error: "unknown verdict kind " + f.Kind, Status: http.StatusBadRequest}
		}
		res, err = s.convs.Verdict(ctx, id, v)
	default:
		return ServerFrame{Type: "error", Error: "unknown frame type " + f.Type, Status: http.StatusBadRequest}
	}
	if err != nil {
		if code := statusFor(err); code >= http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
			s.logger.Error("websocket turn failed", "conversation", id, "error", err)
		}
		return ServerFrame{Type: "error", Error: err.Error(), Status: statusFor(err)}
	}
	return ServerFrame{Type: "turn", Turn: res}
}

func (s *Server) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(s.origins) > 0 {
		u.CheckOrigin = func(r *http.Request) bool {
			return originAllowed(r, s.origins)
		}
	}
	return u
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	return slices.Contains(allowed, origin) || slices.Contains(allowed, "*")
}
