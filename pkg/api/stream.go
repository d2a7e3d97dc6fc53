package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sandboxrunner/browserd/pkg/events"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 54 * time.Second
	streamBuffer     = 256
)

// eventStream forwards bus events to one websocket client
type eventStream struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	closeMu sync.Once
}

func (st *eventStream) close() {
	st.closeMu.Do(func() { close(st.done) })
}

// deliver never blocks the bus worker; a slow client loses events
func (st *eventStream) deliver(data []byte) bool {
	select {
	case <-st.done:
		return false
	default:
	}
	select {
	case st.send <- data:
		return true
	default:
		return false
	}
}

// handleEvents upgrades to a websocket and streams events as JSON text
// frames. Query parameters: session filters by session id, type (repeatable)
// filters by event type, history replays that many recent events first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeErrorResponse(w, r, http.StatusNotFound, "", "Event bus not configured", nil)
		return
	}

	q := r.URL.Query()
	var filter events.EventFilter
	if sid := q.Get("session"); sid != "" {
		filter = events.SessionFilter(sid)
	}
	var eventTypes []events.EventType
	for _, t := range q["type"] {
		eventTypes = append(eventTypes, events.EventType(t))
	}
	replay, _ := strconv.Atoi(q.Get("history"))

	st := &eventStream{
		id:   uuid.New().String(),
		send: make(chan []byte, streamBuffer),
		done: make(chan struct{}),
	}

	if replay > 0 {
		for _, ev := range s.events.GetEventHistory(replay) {
			if matchesStream(ev, filter, eventTypes) {
				if data, err := json.Marshal(ev); err == nil {
					st.deliver(data)
				}
			}
		}
	}

	subID := s.events.Subscribe(func(ev events.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if !st.deliver(data) {
			s.logger.Debug().Str("stream_id", st.id).Str("event_id", ev.ID).Msg("Event stream buffer full, dropping event")
		}
		return nil
	}, filter, eventTypes...)

	// Subscribed before the upgrade so nothing published after the client
	// sees the handshake is missed.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.events.Unsubscribe(subID)
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	st.conn = conn

	s.streamsMu.Lock()
	s.streams[st.id] = st
	s.streamsMu.Unlock()
	s.logger.Info().Str("stream_id", st.id).Str("remote", r.RemoteAddr).Msg("Event stream opened")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(st)

		s.events.Unsubscribe(subID)
		s.streamsMu.Lock()
		delete(s.streams, st.id)
		s.streamsMu.Unlock()
		s.logger.Info().Str("stream_id", st.id).Msg("Event stream closed")
	}()
	go s.readPump(st)
}

func matchesStream(ev events.Event, filter events.EventFilter, eventTypes []events.EventType) bool {
	if len(eventTypes) > 0 {
		found := false
		for _, t := range eventTypes {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return filter == nil || filter(ev)
}

// readPump discards client frames and notices disconnects
func (s *Server) readPump(st *eventStream) {
	defer st.close()

	st.conn.SetReadLimit(4096)
	st.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	st.conn.SetPongHandler(func(string) error {
		st.conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})
	for {
		if _, _, err := st.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("stream_id", st.id).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (s *Server) writePump(st *eventStream) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		st.conn.Close()
	}()

	for {
		select {
		case <-st.done:
			st.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			st.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case msg := <-st.send:
			st.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := st.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug().Err(err).Str("stream_id", st.id).Msg("WebSocket write error")
				st.close()
				return
			}
		case <-ticker.C:
			st.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				st.close()
				return
			}
		}
	}
}
