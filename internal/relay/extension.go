package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/remorses/playwriter/internal/logging"
	"github.com/remorses/playwriter/internal/protocol"
)

const pingInterval = 5 * time.Second

var extensionUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin is checked in the handler so a bad origin gets a 403 before the
	// handshake instead of gorilla's generic failure.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (r *Relay) newConnectionID() string {
	return fmt.Sprintf("ext-%d-%s", r.connSeq.Add(1), uuid.NewString()[:8])
}

// stableKeyFor derives the reconnect identity from extension metadata, in
// priority order: profile id, email, browser, connection id.
func stableKeyFor(id string, info ExtensionInfo) string {
	switch {
	case info.ProfileID != "":
		return "profile:" + info.ProfileID
	case info.Email != "":
		return "email:" + info.Email
	case info.Browser != "":
		return "browser:" + info.Browser
	default:
		return "connection:" + id
	}
}

// HandleExtensionWS accepts an extension connection on /extension.
func (r *Relay) HandleExtensionWS(w http.ResponseWriter, req *http.Request) {
	if !remoteIsLoopback(req) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	origin := req.Header.Get("Origin")
	if !strings.HasPrefix(origin, extensionScheme) || !r.extensionOriginAllowed(origin) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	ws, err := extensionUpgrader.Upgrade(w, req, nil)
	if err != nil {
		logging.Debugf("extension upgrade failed: %v", err)
		return
	}

	q := req.URL.Query()
	info := ExtensionInfo{
		Browser:   q.Get("browser"),
		Email:     q.Get("email"),
		ProfileID: q.Get("id"),
		Version:   q.Get("v"),
	}
	id := r.newConnectionID()
	key := stableKeyFor(id, info)

	prev := r.store.GetState().FindExtensionByStableKey(key)

	conn := NewConn(ws)
	entry := &ExtensionEntry{
		ID:               id,
		StableKey:        key,
		Info:             info,
		ConnectedTargets: map[string]*ConnectedTarget{},
		Conn:             conn,
		PendingRequests:  map[int64]*PendingRequest{},
		Ping:             time.NewTicker(pingInterval),
	}
	r.store.SetState(AddExtension(entry))
	logging.Infof("extension connected: %s (key %s, browser %q)", id, key, info.Browser)

	// A reconnecting extension from the same profile replaces its
	// predecessor. The new entry is in state before the old socket closes,
	// so the old entry's teardown finds it as the successor. The old entry
	// lingers until its own close fires so in-flight responses stay
	// routable by message id.
	if prev != nil && prev.Conn != nil {
		logging.Infof("extension %s replaced by %s (key %s)", prev.ID, id, key)
		prev.Conn.CloseWithCode(protocol.CloseExtensionReplaced, "Extension Replaced")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-entry.Ping.C:
				if err := conn.WriteJSON(map[string]string{"method": protocol.MethodPing}); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			logging.Debugf("extension %s read error: %v", id, err)
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			r.opts.Recording.Data(id, message)
		case websocket.TextMessage:
			if !r.handleExtensionMessage(id, message) {
				conn.CloseWithCode(protocol.CloseNormal, "Invalid JSON")
			}
		}
	}

	r.closeExtension(id)
}

// closeExtension runs the teardown sequence for a disconnected extension
// socket: recording relay, keep-alive, pending requests, client rebinding,
// state removal.
func (r *Relay) closeExtension(id string) {
	st := r.store.GetState()
	entry, ok := st.Extensions[id]
	if !ok {
		return
	}

	r.opts.Recording.ExtensionClosed(id)
	if entry.Ping != nil {
		entry.Ping.Stop()
	}

	pendings := entry.PendingRequests
	key := entry.StableKey

	r.store.SetState(UpdateExtensionIO(id, nil), ClearExtensionPendingRequests(id))
	for _, p := range pendings {
		if p.Timer != nil {
			p.Timer.Stop()
		}
		select {
		case p.Reject <- ErrExtensionClosed:
		default:
		}
	}

	// One transition: rebind clients to a live successor with the same
	// stable key (newest wins) or drop them, and remove the entry. Drivers
	// never observe a window where the entry is gone but their binding is
	// stale.
	next := r.store.SetState(func(s RelayState) RelayState {
		if succ := s.FindExtensionByStableKey(key); succ != nil && succ.ID != id && succ.Conn != nil {
			s = RebindClientsToExtension(id, succ.ID)(s)
		}
		s = RemoveClientsForExtension(id)(s)
		s = RemoveExtension(id)(s)
		return s
	})

	logging.Infof("extension disconnected: %s (%d extensions remain)", id, len(next.Extensions))
}

// handleExtensionMessage dispatches one text frame. Returns false when the
// frame is not valid JSON.
func (r *Relay) handleExtensionMessage(extID string, data []byte) bool {
	var msg protocol.ExtensionInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Warnf("extension %s sent invalid JSON: %v", extID, err)
		return false
	}
	r.tracef("<- extension %s: %s", extID, truncateFrame(string(data), 300))

	if msg.ID != 0 {
		r.settlePending(extID, msg)
		return true
	}

	switch msg.Method {
	case protocol.MethodPong:
		// keep-alive
	case protocol.MethodLog:
		var p protocol.LogParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			logging.Logf(p.Level, "[extension %s] %s", extID, strings.Join(p.Args, " "))
		}
	case protocol.MethodRecordingData:
		r.opts.Recording.Data(extID, msg.Params)
	case protocol.MethodRecordingCancelled:
		r.opts.Recording.Cancelled(extID, msg.Params)
	case protocol.MethodForwardCDPEvent:
		var p protocol.ForwardCDPEventParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			r.handleForwardedEvent(extID, p)
		}
	default:
		logging.Debugf("extension %s sent unknown method %q", extID, msg.Method)
	}
	return true
}

// settlePending resolves or rejects the pending request matching a response
// frame. Unknown ids are logged and ignored.
func (r *Relay) settlePending(extID string, msg protocol.ExtensionInbound) {
	st := r.store.GetState()
	entry, ok := st.Extensions[extID]
	if !ok {
		return
	}
	pending, ok := entry.PendingRequests[msg.ID]
	if !ok {
		logging.Debugf("extension %s response for unknown id %d", extID, msg.ID)
		return
	}
	r.store.SetState(RemoveExtensionPendingRequest(extID, msg.ID))

	if pending.Timer != nil {
		pending.Timer.Stop()
	}
	if msg.Error != "" {
		select {
		case pending.Reject <- errors.New(msg.Error):
		default:
		}
		return
	}
	result := msg.Result
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	select {
	case pending.Resolve <- result:
	default:
	}
}

// sendToExtension runs the outbound request pipeline: resolve the extension,
// allocate a message id, register callbacks, write, arm the timeout, await.
func (r *Relay) sendToExtension(extensionID string, method string, params any) (any, error) {
	st := r.store.GetState()
	entry := st.GetExtensionConnection(extensionID, extensionID == "")
	if entry == nil || entry.Conn == nil {
		return nil, ErrExtensionNotConnected
	}
	extID := entry.ID
	conn := entry.Conn

	next := r.store.SetState(IncrementExtensionMessageID(extID))
	cur, ok := next.Extensions[extID]
	if !ok {
		return nil, ErrExtensionNotConnected
	}
	msgID := cur.MessageID

	timeout := r.opts.RequestTimeout
	pending := &PendingRequest{
		Resolve: make(chan any, 1),
		Reject:  make(chan error, 1),
		Method:  method,
	}
	pending.Timer = time.AfterFunc(timeout, func() {
		r.store.SetState(RemoveExtensionPendingRequest(extID, msgID))
		select {
		case pending.Reject <- fmt.Errorf("Extension request timeout after %dms: %s", timeout.Milliseconds(), method):
		default:
		}
	})
	r.store.SetState(AddExtensionPendingRequest(extID, msgID, pending))

	frame := protocol.ExtensionRequest{ID: msgID, Method: method, Params: params}
	r.tracef("-> extension %s: id=%d method=%s", extID, msgID, method)
	if err := conn.WriteJSON(frame); err != nil {
		pending.Timer.Stop()
		r.store.SetState(RemoveExtensionPendingRequest(extID, msgID))
		return nil, fmt.Errorf("send to extension: %w", err)
	}

	select {
	case result := <-pending.Resolve:
		return result, nil
	case err := <-pending.Reject:
		return nil, err
	}
}

// forwardCDPCommand wraps a driver command in the extension envelope.
func (r *Relay) forwardCDPCommand(extensionID string, cmd *protocol.CDPCommand) (any, error) {
	return r.sendToExtension(extensionID, protocol.MethodForwardCDPCommand, protocol.ForwardCDPCommandParams{
		SessionID: cmd.SessionID,
		Method:    cmd.Method,
		Params:    cmd.Params,
		Source:    cmd.Source,
	})
}
