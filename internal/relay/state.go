package relay

import (
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// ExtensionInfo is free-form metadata supplied by the extension at connect
// time via query parameters.
type ExtensionInfo struct {
	Browser   string `json:"browser,omitempty"`
	Email     string `json:"email,omitempty"`
	ProfileID string `json:"profileId,omitempty"`
	Version   string `json:"version,omitempty"`
}

// ConnectedTarget is one attached tab or OOPIF session owned by an extension.
type ConnectedTarget struct {
	SessionID  string
	TargetID   target.ID
	TargetInfo *target.Info
	// FrameIDs is the set of frames currently associated with this session,
	// populated by Page.frameAttached/frameNavigated and used to re-parent
	// iframe attach events onto the owning page's session.
	FrameIDs map[cdp.FrameID]struct{}
}

// PendingRequest is a settled-once callback pair for one outbound
// extension request.
type PendingRequest struct {
	Resolve chan any
	Reject  chan error
	Timer   *time.Timer
	Method  string
}

// ExtensionEntry is one live extension WebSocket connection.
type ExtensionEntry struct {
	ID        string
	StableKey string
	Info      ExtensionInfo
	// ConnectedTargets maps CDP sessionId to its target.
	ConnectedTargets map[string]*ConnectedTarget
	// Conn is nil once the socket is detached but the entry briefly lingers.
	Conn *Conn
	// PendingRequests maps outbound message id to its callbacks.
	PendingRequests map[int64]*PendingRequest
	// MessageID is the last allocated outbound message id.
	MessageID int64
	// Ping is the keep-alive ticker, stopped on close.
	Ping *time.Ticker
}

// PlaywrightClient is one connected driver WebSocket.
type PlaywrightClient struct {
	ID          string
	ExtensionID string
	Conn        *Conn
}

// RelayState is the single state atom. Treat it and everything reachable
// from it as immutable: transitions return a new state sharing every submap
// they did not modify.
type RelayState struct {
	Extensions map[string]*ExtensionEntry
	// ExtensionOrder records insertion order; stable-key lookups resolve to
	// the newest entry.
	ExtensionOrder    []string
	PlaywrightClients map[string]*PlaywrightClient
}

// Transition is a pure function over RelayState. It must not perform I/O,
// and it returns its input unchanged when its preconditions fail.
type Transition func(RelayState) RelayState

// NewRelayState returns an empty atom.
func NewRelayState() RelayState {
	return RelayState{
		Extensions:        map[string]*ExtensionEntry{},
		PlaywrightClients: map[string]*PlaywrightClient{},
	}
}

// Store owns the atom. All mutation goes through SetState; listeners run
// synchronously after each transition, under the same critical section as
// the transition itself.
type Store struct {
	mu           sync.Mutex
	state        RelayState
	listeners    map[int64]func(next, prev RelayState)
	nextListener int64
}

// NewStore creates a store holding an empty RelayState.
func NewStore() *Store {
	return &Store{
		state:     NewRelayState(),
		listeners: map[int64]func(next, prev RelayState){},
	}
}

// GetState returns the current snapshot. The same references are returned
// across reads until the next transition.
func (s *Store) GetState() RelayState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState applies the transitions in order and notifies listeners once with
// (next, previous). It returns the resulting state so callers can read
// values the transition produced (e.g. a freshly allocated message id).
func (s *Store) SetState(fns ...Transition) RelayState {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	next := prev
	for _, fn := range fns {
		next = fn(next)
	}
	s.state = next
	for _, l := range s.listeners {
		l(next, prev)
	}
	return next
}

// Subscribe registers a listener fired synchronously after every SetState.
// Listeners must not call back into SetState. The returned function
// unsubscribes.
func (s *Store) Subscribe(fn func(next, prev RelayState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// copy-on-write helpers

func cloneExtensions(m map[string]*ExtensionEntry) map[string]*ExtensionEntry {
	cp := make(map[string]*ExtensionEntry, len(m)+1)
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneClients(m map[string]*PlaywrightClient) map[string]*PlaywrightClient {
	cp := make(map[string]*PlaywrightClient, len(m)+1)
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneTargets(m map[string]*ConnectedTarget) map[string]*ConnectedTarget {
	cp := make(map[string]*ConnectedTarget, len(m)+1)
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func clonePending(m map[int64]*PendingRequest) map[int64]*PendingRequest {
	cp := make(map[int64]*PendingRequest, len(m)+1)
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneFrameIDs(s map[cdp.FrameID]struct{}) map[cdp.FrameID]struct{} {
	cp := make(map[cdp.FrameID]struct{}, len(s)+1)
	for k := range s {
		cp[k] = struct{}{}
	}
	return cp
}

func cloneOrder(o []string) []string {
	cp := make([]string, len(o))
	copy(cp, o)
	return cp
}

// shallowCopy returns a new entry sharing the same submaps; the caller
// replaces whichever submap it is about to change.
func (e *ExtensionEntry) shallowCopy() *ExtensionEntry {
	cp := *e
	return &cp
}

func (t *ConnectedTarget) shallowCopy() *ConnectedTarget {
	cp := *t
	return &cp
}

// Extension transitions

// AddExtension inserts a new extension entry. No-op if the id already exists.
func AddExtension(e *ExtensionEntry) Transition {
	return func(s RelayState) RelayState {
		if _, ok := s.Extensions[e.ID]; ok {
			return s
		}
		exts := cloneExtensions(s.Extensions)
		exts[e.ID] = e
		order := append(cloneOrder(s.ExtensionOrder), e.ID)
		s.Extensions = exts
		s.ExtensionOrder = order
		return s
	}
}

// RemoveExtension drops the entry with the given id.
func RemoveExtension(id string) Transition {
	return func(s RelayState) RelayState {
		if _, ok := s.Extensions[id]; !ok {
			return s
		}
		exts := cloneExtensions(s.Extensions)
		delete(exts, id)
		order := make([]string, 0, len(s.ExtensionOrder))
		for _, o := range s.ExtensionOrder {
			if o != id {
				order = append(order, o)
			}
		}
		s.Extensions = exts
		s.ExtensionOrder = order
		return s
	}
}

// RebindClientsToExtension moves every client bound to `from` onto `to`.
func RebindClientsToExtension(from, to string) Transition {
	return func(s RelayState) RelayState {
		if _, ok := s.Extensions[to]; !ok {
			return s
		}
		var clients map[string]*PlaywrightClient
		for id, c := range s.PlaywrightClients {
			if c.ExtensionID != from {
				continue
			}
			if clients == nil {
				clients = cloneClients(s.PlaywrightClients)
			}
			cp := *c
			cp.ExtensionID = to
			clients[id] = &cp
		}
		if clients == nil {
			return s
		}
		s.PlaywrightClients = clients
		return s
	}
}

// UpdateExtensionIO replaces the entry's I/O handle (nil detaches it).
func UpdateExtensionIO(id string, conn *Conn) Transition {
	return func(s RelayState) RelayState {
		e, ok := s.Extensions[id]
		if !ok {
			return s
		}
		cp := e.shallowCopy()
		cp.Conn = conn
		exts := cloneExtensions(s.Extensions)
		exts[id] = cp
		s.Extensions = exts
		return s
	}
}

// IncrementExtensionMessageID allocates the next outbound message id.
func IncrementExtensionMessageID(id string) Transition {
	return func(s RelayState) RelayState {
		e, ok := s.Extensions[id]
		if !ok {
			return s
		}
		cp := e.shallowCopy()
		cp.MessageID = e.MessageID + 1
		exts := cloneExtensions(s.Extensions)
		exts[id] = cp
		s.Extensions = exts
		return s
	}
}

// AddExtensionPendingRequest registers callbacks under an outbound id.
func AddExtensionPendingRequest(id string, msgID int64, p *PendingRequest) Transition {
	return func(s RelayState) RelayState {
		e, ok := s.Extensions[id]
		if !ok {
			return s
		}
		cp := e.shallowCopy()
		cp.PendingRequests = clonePending(e.PendingRequests)
		cp.PendingRequests[msgID] = p
		exts := cloneExtensions(s.Extensions)
		exts[id] = cp
		s.Extensions = exts
		return s
	}
}

// RemoveExtensionPendingRequest drops one pending entry.
func RemoveExtensionPendingRequest(id string, msgID int64) Transition {
	return func(s RelayState) RelayState {
		e, ok := s.Extensions[id]
		if !ok {
			return s
		}
		if _, ok := e.PendingRequests[msgID]; !ok {
			return s
		}
		cp := e.shallowCopy()
		cp.PendingRequests = clonePending(e.PendingRequests)
		delete(cp.PendingRequests, msgID)
		exts := cloneExtensions(s.Extensions)
		exts[id] = cp
		s.Extensions = exts
		return s
	}
}

// ClearExtensionPendingRequests empties the pending map.
func ClearExtensionPendingRequests(id string) Transition {
	return func(s RelayState) RelayState {
		e, ok := s.Extensions[id]
		if !ok || len(e.PendingRequests) == 0 {
			return s
		}
		cp := e.shallowCopy()
		cp.PendingRequests = map[int64]*PendingRequest{}
		exts := cloneExtensions(s.Extensions)
		exts[id] = cp
		s.Extensions = exts
		return s
	}
}

// Client transitions

// AddPlaywrightClient inserts a driver client. No-op on duplicate id.
func AddPlaywrightClient(c *PlaywrightClient) Transition {
	return func(s RelayState) RelayState {
		if _, ok := s.PlaywrightClients[c.ID]; ok {
			return s
		}
		clients := cloneClients(s.PlaywrightClients)
		clients[c.ID] = c
		s.PlaywrightClients = clients
		return s
	}
}

// RemovePlaywrightClient drops a driver client by id.
func RemovePlaywrightClient(id string) Transition {
	return func(s RelayState) RelayState {
		if _, ok := s.PlaywrightClients[id]; !ok {
			return s
		}
		clients := cloneClients(s.PlaywrightClients)
		delete(clients, id)
		s.PlaywrightClients = clients
		return s
	}
}

// RemoveClientsForExtension drops every client bound to the extension.
func RemoveClientsForExtension(extID string) Transition {
	return func(s RelayState) RelayState {
		var clients map[string]*PlaywrightClient
		for id, c := range s.PlaywrightClients {
			if c.ExtensionID != extID {
				continue
			}
			if clients == nil {
				clients = cloneClients(s.PlaywrightClients)
			}
			delete(clients, id)
		}
		if clients == nil {
			return s
		}
		s.PlaywrightClients = clients
		return s
	}
}

// Target transitions

// AddTarget inserts or updates a target, preserving prior FrameIDs when the
// session already exists.
func AddTarget(extID string, t *ConnectedTarget) Transition {
	return func(s RelayState) RelayState {
		e, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		insert := t
		if prev, ok := e.ConnectedTargets[t.SessionID]; ok && len(prev.FrameIDs) > 0 && len(t.FrameIDs) == 0 {
			cp := t.shallowCopy()
			cp.FrameIDs = prev.FrameIDs
			insert = cp
		}
		ecp := e.shallowCopy()
		ecp.ConnectedTargets = cloneTargets(e.ConnectedTargets)
		ecp.ConnectedTargets[t.SessionID] = insert
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ecp
		s.Extensions = exts
		return s
	}
}

// RemoveTarget drops a target by session id.
func RemoveTarget(extID, sessionID string) Transition {
	return func(s RelayState) RelayState {
		e, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		if _, ok := e.ConnectedTargets[sessionID]; !ok {
			return s
		}
		ecp := e.shallowCopy()
		ecp.ConnectedTargets = cloneTargets(e.ConnectedTargets)
		delete(ecp.ConnectedTargets, sessionID)
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ecp
		s.Extensions = exts
		return s
	}
}

// RemoveTargetByCrash drops every target with the crashed target id.
func RemoveTargetByCrash(extID string, targetID target.ID) Transition {
	return func(s RelayState) RelayState {
		e, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		var targets map[string]*ConnectedTarget
		for sid, t := range e.ConnectedTargets {
			if t.TargetID != targetID {
				continue
			}
			if targets == nil {
				targets = cloneTargets(e.ConnectedTargets)
			}
			delete(targets, sid)
		}
		if targets == nil {
			return s
		}
		ecp := e.shallowCopy()
		ecp.ConnectedTargets = targets
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ecp
		s.Extensions = exts
		return s
	}
}

// UpdateTargetInfo replaces the stored target info on every session whose
// target id matches.
func UpdateTargetInfo(extID string, info *target.Info) Transition {
	return func(s RelayState) RelayState {
		e, ok := s.Extensions[extID]
		if !ok || info == nil {
			return s
		}
		var targets map[string]*ConnectedTarget
		for sid, t := range e.ConnectedTargets {
			if t.TargetID != info.TargetID || t.TargetInfo == info {
				continue
			}
			if targets == nil {
				targets = cloneTargets(e.ConnectedTargets)
			}
			cp := t.shallowCopy()
			cp.TargetInfo = info
			targets[sid] = cp
		}
		if targets == nil {
			return s
		}
		ecp := e.shallowCopy()
		ecp.ConnectedTargets = targets
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ecp
		s.Extensions = exts
		return s
	}
}

// AddFrameID associates a frame with the session's target. A frame belongs
// to one page at a time, so it is removed from every other target first.
func AddFrameID(extID, sessionID string, frameID cdp.FrameID) Transition {
	return func(s RelayState) RelayState {
		e, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		t, ok := e.ConnectedTargets[sessionID]
		if !ok {
			return s
		}
		if _, has := t.FrameIDs[frameID]; has {
			return s
		}
		targets := cloneTargets(e.ConnectedTargets)
		for sid, other := range e.ConnectedTargets {
			if sid == sessionID {
				continue
			}
			if _, has := other.FrameIDs[frameID]; has {
				cp := other.shallowCopy()
				cp.FrameIDs = cloneFrameIDs(other.FrameIDs)
				delete(cp.FrameIDs, frameID)
				targets[sid] = cp
			}
		}
		cp := t.shallowCopy()
		cp.FrameIDs = cloneFrameIDs(t.FrameIDs)
		cp.FrameIDs[frameID] = struct{}{}
		targets[sessionID] = cp

		ecp := e.shallowCopy()
		ecp.ConnectedTargets = targets
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ecp
		s.Extensions = exts
		return s
	}
}

// RemoveFrameID detaches a frame from whichever target holds it.
func RemoveFrameID(extID string, frameID cdp.FrameID) Transition {
	return func(s RelayState) RelayState {
		e, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		var targets map[string]*ConnectedTarget
		for sid, t := range e.ConnectedTargets {
			if _, has := t.FrameIDs[frameID]; !has {
				continue
			}
			if targets == nil {
				targets = cloneTargets(e.ConnectedTargets)
			}
			cp := t.shallowCopy()
			cp.FrameIDs = cloneFrameIDs(t.FrameIDs)
			delete(cp.FrameIDs, frameID)
			targets[sid] = cp
		}
		if targets == nil {
			return s
		}
		ecp := e.shallowCopy()
		ecp.ConnectedTargets = targets
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ecp
		s.Extensions = exts
		return s
	}
}

// UpdateTargetURL sets the target's url (and title when non-empty) after a
// root-frame navigation.
func UpdateTargetURL(extID, sessionID, url, title string) Transition {
	return func(s RelayState) RelayState {
		e, ok := s.Extensions[extID]
		if !ok {
			return s
		}
		t, ok := e.ConnectedTargets[sessionID]
		if !ok || t.TargetInfo == nil {
			return s
		}
		info := *t.TargetInfo
		info.URL = url
		if title != "" {
			info.Title = title
		}
		cp := t.shallowCopy()
		cp.TargetInfo = &info

		targets := cloneTargets(e.ConnectedTargets)
		targets[sessionID] = cp
		ecp := e.shallowCopy()
		ecp.ConnectedTargets = targets
		exts := cloneExtensions(s.Extensions)
		exts[extID] = ecp
		s.Extensions = exts
		return s
	}
}
