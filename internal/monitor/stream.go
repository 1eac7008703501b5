package monitor

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/spinlidar/internal/httputil"
	"github.com/banshee-data/spinlidar/internal/monitoring"
)

const (
	streamWriteWait  = 2 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served from other hosts on the LAN
	},
}

// handleRotationStream pushes every captured rotation to a websocket client
// as JSON. Rotations are skipped, not queued, for a slow client.
func (ws *WebServer) handleRotationStream(w http.ResponseWriter, r *http.Request) {
	if ws.feed == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "rotation publishing is disabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Debugf("monitor: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	id, rotations := ws.feed.Subscribe()
	defer ws.feed.Unsubscribe(id)
	monitoring.Debugf("monitor: stream subscriber %d connected from %s", id, r.RemoteAddr)

	// Clients send nothing; reading surfaces the close frame.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					monitoring.Debugf("monitor: stream subscriber %d: %v", id, err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ws.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case rot, ok := <-rotations:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(rot); err != nil {
				monitoring.Debugf("monitor: stream subscriber %d write failed: %v", id, err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
