package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrowci/burrow/pkg/coord"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// wsBuffer is the per-subscriber event buffer; a slow socket drops
	// events rather than backing up the fan-out.
	wsBuffer = 64
)

var wsChannels = map[string]string{
	"jobs":       coord.ChannelJobs,
	"containers": coord.ChannelContainers,
	"security":   coord.ChannelSecurity,
	"alerts":     coord.ChannelAlerts,
	"leadership": coord.ChannelLeadership,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Bearer auth already gates this endpoint; cross-origin browser pages
	// cannot present a token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebsocket streams orchestrator events over one socket. The client
// selects channels with ?channels=jobs,containers; the default subscribes
// to everything.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	var subscribed []string
	if raw := r.URL.Query().Get("channels"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			channel, ok := wsChannels[strings.TrimSpace(name)]
			if !ok {
				writeError(w, r, errdefs.Validation("invalid_channel", "channel %q is not recognized", name))
				return
			}
			subscribed = append(subscribed, channel)
		}
	} else {
		for _, channel := range wsChannels {
			subscribed = append(subscribed, channel)
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Err(s.logger.Debug(), err).Msg("Websocket upgrade failed")
		return
	}

	sub := s.coord.Subscribe(r.Context(), wsBuffer, subscribed...)
	defer sub.Close()
	defer conn.Close()

	// Reads are discarded; the pump exists to surface client closes.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
