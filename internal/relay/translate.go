package relay

import (
	"encoding/json"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/remorses/playwriter/internal/events"
	"github.com/remorses/playwriter/internal/protocol"
)

// handleForwardedEvent consumes one extension-forwarded CDP event: publish
// it on the bus, apply its state transition, and fan it out to the drivers
// bound to the source extension.
func (r *Relay) handleForwardedEvent(extID string, p protocol.ForwardCDPEventParams) {
	_ = events.Emit(r.bus, events.TopicCDPEvent, BusCDPEvent{
		ExtensionID: extID,
		SessionID:   p.SessionID,
		Method:      p.Method,
		Params:      p.Params,
	})
	r.tracef("<- event %s: %s sessionId=%q %s", extID, p.Method, p.SessionID, truncateFrame(string(p.Params), 200))

	switch p.Method {
	case "Target.attachedToTarget":
		// Attach gets its own fan-out (re-parenting, restriction filter).
		r.onTargetAttached(extID, p)
		return

	case "Target.detachedFromTarget":
		var ev target.EventDetachedFromTarget
		if err := json.Unmarshal(p.Params, &ev); err == nil && ev.SessionID != "" {
			r.store.SetState(RemoveTarget(extID, string(ev.SessionID)))
		}

	case "Target.targetCrashed":
		var ev target.EventTargetCrashed
		if err := json.Unmarshal(p.Params, &ev); err == nil && ev.TargetID != "" {
			r.store.SetState(RemoveTargetByCrash(extID, ev.TargetID))
		}

	case "Target.targetInfoChanged":
		var ev target.EventTargetInfoChanged
		if err := json.Unmarshal(p.Params, &ev); err == nil && ev.TargetInfo != nil {
			r.store.SetState(UpdateTargetInfo(extID, ev.TargetInfo))
		}

	case "Page.frameAttached":
		var ev page.EventFrameAttached
		if err := json.Unmarshal(p.Params, &ev); err == nil && ev.FrameID != "" && p.SessionID != "" {
			r.store.SetState(AddFrameID(extID, p.SessionID, ev.FrameID))
		}

	case "Page.frameDetached":
		var ev page.EventFrameDetached
		if err := json.Unmarshal(p.Params, &ev); err == nil && ev.FrameID != "" {
			r.store.SetState(RemoveFrameID(extID, ev.FrameID))
		}

	case "Page.frameNavigated":
		var ev page.EventFrameNavigated
		if err := json.Unmarshal(p.Params, &ev); err == nil && ev.Frame != nil && p.SessionID != "" {
			r.store.SetState(AddFrameID(extID, p.SessionID, ev.Frame.ID))
			if ev.Frame.ParentID == "" {
				r.store.SetState(UpdateTargetURL(extID, p.SessionID, ev.Frame.URL, ev.Frame.Name))
			}
		}

	case "Page.navigatedWithinDocument":
		var ev page.EventNavigatedWithinDocument
		if err := json.Unmarshal(p.Params, &ev); err == nil && p.SessionID != "" {
			r.store.SetState(UpdateTargetURL(extID, p.SessionID, ev.URL, ""))
		}
	}

	r.fanOutEvent(extID, &protocol.CDPEvent{
		Method:    p.Method,
		SessionID: p.SessionID,
		Params:    rawOrNil(p.Params),
	})
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

type attachedToTargetEventParams struct {
	SessionID          string       `json:"sessionId"`
	TargetInfo         *target.Info `json:"targetInfo"`
	WaitingForDebugger bool         `json:"waitingForDebugger"`
	// ParentFrameID is extension-supplied for OOPIF attaches; it is not part
	// of the stock CDP event.
	ParentFrameID cdp.FrameID `json:"parentFrameId,omitempty"`
}

// onTargetAttached records the target and delivers the attach to drivers.
// Iframe targets are re-parented onto the session of the page owning their
// parent frame, so drivers recognize them as children of the expected page.
func (r *Relay) onTargetAttached(extID string, p protocol.ForwardCDPEventParams) {
	var ev attachedToTargetEventParams
	if err := json.Unmarshal(p.Params, &ev); err != nil {
		return
	}
	if ev.SessionID == "" || ev.TargetInfo == nil {
		return
	}

	if ev.WaitingForDebugger {
		// Resume the target whether or not it is driver-visible; a paused
		// restricted target would hang its navigation. Async: this runs on
		// the extension read loop, which must stay free to read the reply.
		go func(sessionID string) {
			_, err := r.sendToExtension(extID, protocol.MethodForwardCDPCommand, protocol.ForwardCDPCommandParams{
				SessionID: sessionID,
				Method:    "Runtime.runIfWaitingForDebugger",
			})
			if err != nil {
				r.tracef("runIfWaitingForDebugger on %s failed: %v", sessionID, err)
			}
		}(ev.SessionID)
	}

	if r.isRestrictedTarget(ev.TargetInfo) {
		return
	}

	prev := r.store.GetState()
	wasKnown := false
	if e, ok := prev.Extensions[extID]; ok {
		_, wasKnown = e.ConnectedTargets[ev.SessionID]
	}

	next := r.store.SetState(AddTarget(extID, &ConnectedTarget{
		SessionID:  ev.SessionID,
		TargetID:   ev.TargetInfo.TargetID,
		TargetInfo: ev.TargetInfo,
		FrameIDs:   map[cdp.FrameID]struct{}{},
	}))
	if wasKnown {
		return
	}

	// Deliver on the owning page's session when this is an OOPIF whose
	// parent frame is known; otherwise fall back to the incoming session.
	// The frame mapping is racy (the attach can beat Page.frameAttached), so
	// never block waiting for it.
	outerSession := p.SessionID
	if ev.TargetInfo.Type == "iframe" && ev.ParentFrameID != "" {
		if e, ok := next.Extensions[extID]; ok {
			for _, t := range e.ConnectedTargets {
				if t.SessionID == ev.SessionID {
					continue
				}
				if _, ok := t.FrameIDs[ev.ParentFrameID]; ok {
					outerSession = t.SessionID
					break
				}
			}
		}
	}

	r.fanOutEvent(extID, &protocol.CDPEvent{
		Method:    "Target.attachedToTarget",
		SessionID: outerSession,
		Params: map[string]any{
			"sessionId":          ev.SessionID,
			"targetInfo":         markAttached(ev.TargetInfo),
			"waitingForDebugger": false,
		},
	})
}

func markAttached(info *target.Info) *target.Info {
	cp := *info
	cp.Attached = true
	return &cp
}

// fanOutEvent delivers an event to every driver bound to the source
// extension.
func (r *Relay) fanOutEvent(extID string, evt *protocol.CDPEvent) {
	st := r.store.GetState()
	for _, c := range st.PlaywrightClients {
		if c.ExtensionID == extID {
			r.sendToPlaywright(c.ID, evt)
		}
	}
}
