package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/remorses/playwriter/internal/events"
	"github.com/remorses/playwriter/internal/protocol"
)

const defaultContextWait = 3 * time.Second

// restricted URL schemes the relay never exposes to drivers.
var restrictedSchemes = []string{"chrome://", "devtools://", "edge://"}

// isRestrictedTarget reports whether a target must be hidden from drivers:
// anything that is not a page or iframe, privileged browser URLs, and
// extensions outside the allow-list.
func (r *Relay) isRestrictedTarget(info *target.Info) bool {
	if info == nil {
		return true
	}
	if info.Type != "page" && info.Type != "iframe" {
		return true
	}
	for _, scheme := range restrictedSchemes {
		if strings.HasPrefix(info.URL, scheme) {
			return true
		}
	}
	if strings.HasPrefix(info.URL, extensionScheme) {
		id := extensionIDFromOrigin(info.URL)
		return !r.extensionIDAllowed(id)
	}
	return false
}

// visibleTargets returns the extension's non-restricted targets in a stable
// order.
func (r *Relay) visibleTargets(entry *ExtensionEntry) []*ConnectedTarget {
	targets := make([]*ConnectedTarget, 0, len(entry.ConnectedTargets))
	for _, t := range entry.ConnectedTargets {
		if r.isRestrictedTarget(t.TargetInfo) {
			continue
		}
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].SessionID < targets[j].SessionID })
	return targets
}

func attachedInfo(t *ConnectedTarget) *target.Info {
	info := *t.TargetInfo
	info.Attached = true
	return &info
}

func attachedToTargetEvent(t *ConnectedTarget, serverGenerated bool) *protocol.CDPEvent {
	return &protocol.CDPEvent{
		Method: "Target.attachedToTarget",
		Params: map[string]any{
			"sessionId":          t.SessionID,
			"targetInfo":         attachedInfo(t),
			"waitingForDebugger": false,
		},
		ServerGenerated: serverGenerated,
	}
}

// dispatchCommand handles the compatibility-critical subset locally and
// forwards everything else to the owning extension. Returned post-events are
// written after the response frame.
func (r *Relay) dispatchCommand(client *PlaywrightClient, cmd *protocol.CDPCommand) (any, []*protocol.CDPEvent, error) {
	extID := client.ExtensionID

	switch cmd.Method {
	case "Browser.getVersion":
		return map[string]string{
			"protocolVersion": "1.3",
			"product":         "Chrome/Playwriter-Relay",
			"revision":        "0",
			"userAgent":       "Playwriter-Relay/" + r.opts.Version,
			"jsVersion":       "V8",
		}, nil, nil

	case "Browser.setDownloadBehavior":
		return map[string]any{}, nil, nil

	case "Target.setAutoAttach":
		if cmd.SessionID != "" {
			result, err := r.forwardCDPCommand(extID, cmd)
			return result, nil, err
		}
		return r.setAutoAttach(extID, cmd)

	case "Target.setDiscoverTargets":
		var p target.SetDiscoverTargetsParams
		if len(cmd.Params) > 0 {
			_ = json.Unmarshal(cmd.Params, &p)
		}
		var postEvents []*protocol.CDPEvent
		if p.Discover {
			if entry := r.lookupExtension(extID); entry != nil {
				for _, t := range r.visibleTargets(entry) {
					postEvents = append(postEvents, &protocol.CDPEvent{
						Method:          "Target.targetCreated",
						Params:          map[string]any{"targetInfo": attachedInfo(t)},
						ServerGenerated: true,
					})
				}
			}
		}
		return map[string]any{}, postEvents, nil

	case "Target.getTargets":
		entry := r.lookupExtension(extID)
		if entry == nil {
			return nil, nil, ErrExtensionNotConnected
		}
		infos := make([]*target.Info, 0)
		for _, t := range r.visibleTargets(entry) {
			infos = append(infos, attachedInfo(t))
		}
		return map[string]any{"targetInfos": infos}, nil, nil

	case "Target.getTargetInfo":
		return r.getTargetInfo(extID, cmd), nil, nil

	case "Target.attachToTarget":
		return r.attachToTarget(extID, cmd)

	case "Runtime.enable":
		if cmd.SessionID == "" {
			result, err := r.forwardCDPCommand(extID, cmd)
			return result, nil, err
		}
		return r.runtimeEnable(extID, cmd)

	default:
		result, err := r.forwardCDPCommand(extID, cmd)
		return result, nil, err
	}
}

func (r *Relay) lookupExtension(extID string) *ExtensionEntry {
	return r.store.GetState().GetExtensionConnection(extID, extID == "")
}

// setAutoAttach forwards the session-less call so the extension turns on
// native auto-attach for OOPIFs, optionally creates an initial tab, then
// replays one attach event per existing visible target.
func (r *Relay) setAutoAttach(extID string, cmd *protocol.CDPCommand) (any, []*protocol.CDPEvent, error) {
	result, err := r.forwardCDPCommand(extID, cmd)
	if err != nil {
		return nil, nil, err
	}

	entry := r.lookupExtension(extID)
	if entry == nil {
		return nil, nil, ErrExtensionNotConnected
	}

	if r.opts.AutoTab && len(entry.ConnectedTargets) == 0 {
		if err := r.createInitialTab(entry.ID); err == nil {
			entry = r.lookupExtension(extID)
			if entry == nil {
				return nil, nil, ErrExtensionNotConnected
			}
		}
	}

	var postEvents []*protocol.CDPEvent
	for _, t := range r.visibleTargets(entry) {
		postEvents = append(postEvents, attachedToTargetEvent(t, true))
	}
	return result, postEvents, nil
}

// createInitialTab asks the extension to open a tab and records it so the
// attach replay that follows includes it.
func (r *Relay) createInitialTab(extID string) error {
	raw, err := r.sendToExtension(extID, protocol.MethodCreateTab, map[string]string{"url": "about:blank"})
	if err != nil {
		return err
	}
	data, ok := raw.(json.RawMessage)
	if !ok {
		return fmt.Errorf("unexpected createTab result type %T", raw)
	}
	var created protocol.CreateTabResult
	if err := json.Unmarshal(data, &created); err != nil {
		return fmt.Errorf("parse createTab result: %w", err)
	}
	if created.SessionID == "" {
		return fmt.Errorf("createTab returned no sessionId")
	}
	info := &target.Info{
		TargetID: target.ID(created.TargetID),
		Type:     "page",
		URL:      "about:blank",
		Attached: true,
	}
	if len(created.TargetInfo) > 0 {
		parsed := new(target.Info)
		if err := json.Unmarshal(created.TargetInfo, parsed); err == nil {
			info = parsed
		}
	}
	r.store.SetState(AddTarget(extID, &ConnectedTarget{
		SessionID:  created.SessionID,
		TargetID:   info.TargetID,
		TargetInfo: info,
		FrameIDs:   map[cdp.FrameID]struct{}{},
	}))
	return nil
}

func (r *Relay) getTargetInfo(extID string, cmd *protocol.CDPCommand) map[string]any {
	var p target.GetTargetInfoParams
	if len(cmd.Params) > 0 {
		_ = json.Unmarshal(cmd.Params, &p)
	}

	entry := r.lookupExtension(extID)
	if entry == nil {
		return map[string]any{"targetInfo": nil}
	}

	if p.TargetID != "" {
		for _, t := range entry.ConnectedTargets {
			if t.TargetID == p.TargetID {
				return map[string]any{"targetInfo": attachedInfo(t)}
			}
		}
	}
	if cmd.SessionID != "" {
		if t, ok := entry.ConnectedTargets[cmd.SessionID]; ok {
			return map[string]any{"targetInfo": attachedInfo(t)}
		}
	}
	for _, t := range r.visibleTargets(entry) {
		return map[string]any{"targetInfo": attachedInfo(t)}
	}
	return map[string]any{"targetInfo": nil}
}

// attachToTarget returns the session of an already-attached target; the
// extension owns all real attaching.
func (r *Relay) attachToTarget(extID string, cmd *protocol.CDPCommand) (any, []*protocol.CDPEvent, error) {
	var p target.AttachToTargetParams
	if len(cmd.Params) > 0 {
		_ = json.Unmarshal(cmd.Params, &p)
	}
	if p.TargetID == "" {
		return nil, nil, fmt.Errorf("targetId required")
	}

	entry := r.lookupExtension(extID)
	if entry == nil {
		return nil, nil, ErrExtensionNotConnected
	}
	for _, t := range entry.ConnectedTargets {
		if t.TargetID == p.TargetID && !r.isRestrictedTarget(t.TargetInfo) {
			return map[string]any{"sessionId": t.SessionID},
				[]*protocol.CDPEvent{attachedToTargetEvent(t, true)}, nil
		}
	}
	return nil, nil, fmt.Errorf("no target with id: %s", p.TargetID)
}

// runtimeEnable forwards Runtime.enable, then holds the response until the
// default execution context for that session shows up (or 3s pass). Drivers
// expect Runtime.enable to be usable immediately.
func (r *Relay) runtimeEnable(extID string, cmd *protocol.CDPCommand) (any, []*protocol.CDPEvent, error) {
	ready := make(chan struct{}, 1)
	sub := events.Subscribe(r.bus, events.TopicCDPEvent, func(_ context.Context, evt BusCDPEvent) error {
		if evt.Method != "Runtime.executionContextCreated" || evt.SessionID != cmd.SessionID {
			return nil
		}
		var p struct {
			Context struct {
				AuxData struct {
					IsDefault bool `json:"isDefault"`
				} `json:"auxData"`
			} `json:"context"`
		}
		if err := json.Unmarshal(evt.Params, &p); err != nil || !p.Context.AuxData.IsDefault {
			return nil
		}
		select {
		case ready <- struct{}{}:
		default:
		}
		return nil
	})
	defer sub.Unsubscribe()

	result, err := r.forwardCDPCommand(extID, cmd)
	if err != nil {
		return nil, nil, err
	}

	select {
	case <-ready:
	case <-time.After(defaultContextWait):
	}
	return result, nil, nil
}
