package relay

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/remorses/playwriter/internal/httputil"
	"github.com/remorses/playwriter/internal/protocol"
)

// Handler returns the relay's HTTP surface as a mountable chi router.
func (r *Relay) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(r.corsMiddleware)

	router.Get("/", r.handleRoot)
	router.Head("/", r.handleRoot)
	router.Get("/version", r.handleVersion)
	router.Get("/extension/status", r.handleExtensionStatus)
	router.Get("/extensions/status", r.handleExtensionsStatus)

	for _, path := range []string{"/json", "/json/", "/json/list", "/json/list/"} {
		router.Get(path, r.handleJSONList)
		router.Put(path, r.handleJSONList)
	}
	for _, path := range []string{"/json/version", "/json/version/"} {
		router.Get(path, r.handleJSONVersion)
		router.Put(path, r.handleJSONVersion)
	}
	router.Get("/json/activate/{targetId}", r.handleJSONActivate)
	router.Get("/json/close/{targetId}", r.handleJSONClose)

	if r.opts.CLIHandler != nil {
		router.Mount("/cli", r.privilegedGate(http.StripPrefix("/cli", r.opts.CLIHandler)))
	}
	if r.opts.RecordingHandler != nil {
		router.Mount("/recording", r.privilegedGate(http.StripPrefix("/recording", r.opts.RecordingHandler)))
	}

	router.HandleFunc("/extension", r.HandleExtensionWS)
	router.HandleFunc("/cdp", r.HandleCdpWS)
	router.HandleFunc("/cdp/{clientId}", r.HandleCdpWS)
	return router
}

func (r *Relay) handleRoot(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("OK"))
}

func (r *Relay) handleVersion(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"version": r.opts.Version})
}

type extensionSummary struct {
	ID          string `json:"id"`
	StableKey   string `json:"stableKey"`
	Connected   bool   `json:"connected"`
	Browser     string `json:"browser,omitempty"`
	Email       string `json:"email,omitempty"`
	ProfileID   string `json:"profileId,omitempty"`
	Version     string `json:"version,omitempty"`
	TargetCount int    `json:"targetCount"`
}

func summarize(e *ExtensionEntry) extensionSummary {
	return extensionSummary{
		ID:          e.ID,
		StableKey:   e.StableKey,
		Connected:   e.Conn != nil,
		Browser:     e.Info.Browser,
		Email:       e.Info.Email,
		ProfileID:   e.Info.ProfileID,
		Version:     e.Info.Version,
		TargetCount: len(e.ConnectedTargets),
	}
}

func (r *Relay) handleExtensionStatus(w http.ResponseWriter, _ *http.Request) {
	st := r.store.GetState()
	payload := map[string]any{"connected": false}
	for _, id := range st.ExtensionOrder {
		if e, ok := st.Extensions[id]; ok {
			payload["connected"] = e.Conn != nil
			payload["extension"] = summarize(e)
			break
		}
	}
	httputil.WriteJSON(w, http.StatusOK, payload)
}

func (r *Relay) handleExtensionsStatus(w http.ResponseWriter, _ *http.Request) {
	st := r.store.GetState()
	summaries := make([]extensionSummary, 0, len(st.Extensions))
	for _, id := range st.ExtensionOrder {
		if e, ok := st.Extensions[id]; ok {
			summaries = append(summaries, summarize(e))
		}
	}
	httputil.WriteJSON(w, http.StatusOK, summaries)
}

// handleJSONList emits the DevTools-compatible target list for the default
// extension. Discovery never fails when no extension is connected; drivers
// see an empty list.
func (r *Relay) handleJSONList(w http.ResponseWriter, _ *http.Request) {
	st := r.store.GetState()
	list := make([]map[string]string, 0)
	if entry := st.GetExtensionConnection("", true); entry != nil {
		wsURL := r.CDPWebSocketURL()
		for _, t := range r.visibleTargets(entry) {
			list = append(list, map[string]string{
				"id":                   string(t.TargetID),
				"type":                 t.TargetInfo.Type,
				"title":                t.TargetInfo.Title,
				"description":          "",
				"url":                  t.TargetInfo.URL,
				"webSocketDebuggerUrl": wsURL,
				"devtoolsFrontendUrl":  fmt.Sprintf("/devtools/inspector.html?ws=%s:%d/cdp", r.opts.Host, r.opts.Port),
			})
		}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (r *Relay) handleJSONVersion(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"Browser":              "Chrome/Playwriter-Relay",
		"Protocol-Version":     "1.3",
		"User-Agent":           "Playwriter-Relay/" + r.opts.Version,
		"V8-Version":           "V8",
		"webSocketDebuggerUrl": r.CDPWebSocketURL(),
	})
}

type targetIDRequest struct {
	TargetID string `path:"targetId"`
}

func (r *Relay) handleJSONActivate(w http.ResponseWriter, req *http.Request) {
	var in targetIDRequest
	if err := httputil.Parse(req, &in); err != nil || in.TargetID == "" {
		http.Error(w, "targetId required", http.StatusBadRequest)
		return
	}
	go func() {
		_, _ = r.sendToExtension("", protocol.MethodForwardCDPCommand, protocol.ForwardCDPCommandParams{
			Method: "Target.activateTarget",
			Params: mustJSON(map[string]string{"targetId": in.TargetID}),
		})
	}()
	_, _ = w.Write([]byte("OK"))
}

func (r *Relay) handleJSONClose(w http.ResponseWriter, req *http.Request) {
	var in targetIDRequest
	if err := httputil.Parse(req, &in); err != nil || in.TargetID == "" {
		http.Error(w, "targetId required", http.StatusBadRequest)
		return
	}
	go func() {
		_, _ = r.sendToExtension("", protocol.MethodForwardCDPCommand, protocol.ForwardCDPCommandParams{
			Method: "Target.closeTarget",
			Params: mustJSON(map[string]string{"targetId": in.TargetID}),
		})
	}()
	_, _ = w.Write([]byte("OK"))
}
