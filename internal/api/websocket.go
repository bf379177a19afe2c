package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"venue-guard/internal/events"
	"venue-guard/pkg/marketdata"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams reference ticks, optionally filtered by ?symbol= (either
// an execution or a reference symbol).
func (s *Server) websocket(c *gin.Context) {
	filter := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if filter != "" && s.Feed != nil {
		if ref, ok := s.Feed.ReferenceSymbol(filter); ok {
			filter = ref
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	ticks, unsub := s.Bus.Subscribe(events.EventReferenceTick, 100)
	defer unsub()

	// The read side only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg, ok := <-ticks:
			if !ok {
				return
			}
			if t, isTick := msg.(marketdata.Tick); isTick && filter != "" && t.Symbol != filter {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}
}
