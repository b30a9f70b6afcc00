package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/pipeline"
)

// Event types sent on /api/events.
const (
	EventState        = "state"
	EventNotification = "notification"
)

// notifyBuffer is the number of notifications queued per client before
// further ones are dropped for that client.
const notifyBuffer = 32

const writeTimeout = 5 * time.Second

// Event is one websocket message on /api/events.
type Event struct {
	Type         string                 `json:"type"`
	Status       *pipeline.Status       `json:"status,omitempty"`
	Notification *pipeline.Notification `json:"notification,omitempty"`
}

// handleEvents upgrades to a websocket and streams an [EventState] message
// on connect and after every state change, plus every notification. State
// changes that arrive faster than the client reads are coalesced.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("api: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	// Pipeline handlers run on pipeline goroutines and must not block.
	dirty := make(chan struct{}, 1)
	notes := make(chan pipeline.Notification, notifyBuffer)
	unsubState := s.pipeline.OnStateChanged(func() {
		select {
		case dirty <- struct{}{}:
		default:
		}
	})
	defer unsubState()
	unsubNotify := s.pipeline.OnNotify(func(n pipeline.Notification) {
		select {
		case notes <- n:
		default:
		}
	})
	defer unsubNotify()

	// The client sends nothing; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if err := s.sendState(ctx, conn); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-dirty:
			err = s.sendState(ctx, conn)
		case n := <-notes:
			err = send(ctx, conn, Event{Type: EventNotification, Notification: &n})
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				observe.Logger(r.Context()).Debug("api: websocket write", "err", err)
			}
			return
		}
	}
}

func (s *Server) sendState(ctx context.Context, conn *websocket.Conn) error {
	st := s.pipeline.Status()
	return send(ctx, conn, Event{Type: EventState, Status: &st})
}

func send(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
