package relay

// FindExtensionByStableKey returns the newest entry holding the key, or nil.
// During reconnect overlap two entries may briefly share a stable key; the
// last inserted one is authoritative.
func (s RelayState) FindExtensionByStableKey(key string) *ExtensionEntry {
	var found *ExtensionEntry
	for _, id := range s.ExtensionOrder {
		if e, ok := s.Extensions[id]; ok && e.StableKey == key {
			found = e
		}
	}
	return found
}

// FindExtensionIDByCDPSession returns the extension owning the given CDP
// session id.
func (s RelayState) FindExtensionIDByCDPSession(sessionID string) (string, bool) {
	for _, id := range s.ExtensionOrder {
		e, ok := s.Extensions[id]
		if !ok {
			continue
		}
		if _, ok := e.ConnectedTargets[sessionID]; ok {
			return id, true
		}
	}
	return "", false
}

// GetExtensionConnection resolves a driver-supplied extension key to a live
// entry.
//
// With an id: direct lookup first, then stable-key lookup restricted to
// entries that still have a live socket. Without an id and with fallback
// allowed: a single connected extension wins; with several connected, a
// single one holding targets wins (several profiles, one actively used).
func (s RelayState) GetExtensionConnection(id string, allowFallback bool) *ExtensionEntry {
	if id != "" {
		if e, ok := s.Extensions[id]; ok {
			if e.Conn == nil {
				// Grace window during reconnect: a dead entry redirects to
				// the newest live entry with the same stable key, if any.
				if succ := s.FindExtensionByStableKey(e.StableKey); succ != nil && succ.Conn != nil {
					return succ
				}
			}
			return e
		}
		if e := s.FindExtensionByStableKey(id); e != nil && e.Conn != nil {
			return e
		}
		return nil
	}
	if !allowFallback {
		return nil
	}

	var live []*ExtensionEntry
	for _, extID := range s.ExtensionOrder {
		if e, ok := s.Extensions[extID]; ok && e.Conn != nil {
			live = append(live, e)
		}
	}
	if len(live) == 1 {
		return live[0]
	}
	var withTargets *ExtensionEntry
	for _, e := range live {
		if len(e.ConnectedTargets) > 0 {
			if withTargets != nil {
				return nil
			}
			withTargets = e
		}
	}
	return withTargets
}
