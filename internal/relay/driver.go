package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/remorses/playwriter/internal/events"
	"github.com/remorses/playwriter/internal/logging"
	"github.com/remorses/playwriter/internal/protocol"
)

var driverUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin gating happens in the handler; non-browser drivers send no
	// Origin header at all.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleCdpWS accepts a driver connection on /cdp or /cdp/{clientId}.
func (r *Relay) HandleCdpWS(w http.ResponseWriter, req *http.Request) {
	// Gate 1: a present Origin must be an allow-listed extension.
	if origin := req.Header.Get("Origin"); origin != "" && !r.extensionOriginAllowed(origin) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	// Gate 2: token mode.
	if r.opts.Token != "" && req.URL.Query().Get("token") != r.opts.Token {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := driverUpgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	conn := NewConn(ws)

	// Gate 3: resolve the owning extension, by explicit id/stable key or by
	// the fallback rule.
	extensionKey := req.URL.Query().Get("extensionId")
	st := r.store.GetState()
	entry := st.GetExtensionConnection(extensionKey, extensionKey == "")
	if entry == nil {
		reason := "No extension connected. Open a tab and click the extension icon to share it."
		if extensionKey != "" {
			reason = "No extension matches id " + extensionKey
		}
		conn.CloseWithCode(protocol.CloseNoExtension, reason)
		return
	}

	// Gate 4: unique client id. AddPlaywrightClient no-ops on a duplicate,
	// so claiming the id and checking who owns it is one atomic step.
	clientID := chi.URLParam(req, "clientId")
	if clientID == "" {
		clientID = "default"
	}
	client := &PlaywrightClient{ID: clientID, ExtensionID: entry.ID, Conn: conn}
	next := r.store.SetState(AddPlaywrightClient(client))
	if next.PlaywrightClients[clientID] != client {
		conn.CloseWithCode(protocol.CloseDuplicateClient, "client id already connected: "+clientID)
		return
	}
	logging.Infof("driver connected: %s -> extension %s", clientID, entry.ID)

	// All writes to the driver socket flow through the bus's delivery
	// goroutine, so responses and events never interleave mid-frame.
	topic := events.CDPClientTopic(clientID)
	sub := events.Subscribe[any](r.bus, topic, func(_ context.Context, msg any) error {
		if err := conn.WriteJSON(msg); err != nil {
			// Expected when a driver disconnects with a response in flight.
			logging.Debugf("driver %s write failed: %v", clientID, err)
		}
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd protocol.CDPCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			// Malformed driver frames are dropped.
			logging.Debugf("driver %s sent invalid JSON: %v", clientID, err)
			continue
		}
		r.tracef("<- driver %s: id=%d method=%s sessionId=%q", clientID, cmd.ID, cmd.Method, cmd.SessionID)
		r.handleDriverCommand(clientID, &cmd)
	}

	sub.Unsubscribe()
	r.store.SetState(RemovePlaywrightClient(clientID))
	_ = conn.Close()
	logging.Infof("driver disconnected: %s", clientID)
}

// handleDriverCommand dispatches one command and writes exactly one
// response, then any post-response events the emulator queued.
func (r *Relay) handleDriverCommand(clientID string, cmd *protocol.CDPCommand) {
	topic := events.CDPClientTopic(clientID)
	_ = events.Emit(r.bus, events.TopicCDPCommand, BusCDPCommand{ClientID: clientID, Command: *cmd})

	client := r.store.GetState().PlaywrightClients[clientID]

	var result any
	var postEvents []*protocol.CDPEvent
	var err error
	if client == nil {
		err = ErrExtensionNotConnected
	} else {
		result, postEvents, err = r.dispatchCommand(client, cmd)
	}

	resp := protocol.CDPResponse{ID: cmd.ID, SessionID: cmd.SessionID}
	if err != nil {
		resp.Error = &protocol.CDPError{Message: err.Error()}
	} else {
		resp.Result = result
	}

	// Response first: drivers expect the command result before any events it
	// triggered (e.g. replayed attaches after Target.setAutoAttach).
	_ = events.Emit[any](r.bus, topic, &resp)
	_ = events.Emit(r.bus, events.TopicCDPResponse, BusCDPResponse{ClientID: clientID, Response: resp})
	for _, evt := range postEvents {
		_ = events.Emit[any](r.bus, topic, evt)
	}
}

// sendToPlaywright queues an event frame for one driver.
func (r *Relay) sendToPlaywright(clientID string, evt *protocol.CDPEvent) {
	_ = events.Emit[any](r.bus, events.CDPClientTopic(clientID), evt)
}
