package api

import (
	"net/http"
	"time"
)

const wsWriteTimeout = 10 * time.Second

// serveWS streams queue lifecycle events to the client as JSON frames.
// The connection closes when the client goes away or a write fails.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	ch, unsub := s.hub.Subscribe(64)
	defer unsub()

	// Drain reads so close frames and pings are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
