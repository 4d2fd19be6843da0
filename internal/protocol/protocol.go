// Package protocol defines the JSON frames spoken on the two relay
// WebSockets: the driver side (/cdp, plain CDP) and the extension side
// (/extension, CDP wrapped in a request/event envelope).
package protocol

import "encoding/json"

// Extension envelope methods.
const (
	MethodPing               = "ping"
	MethodPong               = "pong"
	MethodLog                = "log"
	MethodForwardCDPCommand  = "forwardCDPCommand"
	MethodForwardCDPEvent    = "forwardCDPEvent"
	MethodRecordingData      = "recordingData"
	MethodRecordingCancelled = "recordingCancelled"
	MethodCreateTab          = "createTab"
)

// WebSocket close codes used by the relay.
const (
	CloseNormal            = 1000
	CloseExtensionReplaced = 4001
	CloseNoExtension       = 4003
	CloseDuplicateClient   = 4004
)

// CDPCommand is a driver → relay command frame.
type CDPCommand struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Source    string          `json:"source,omitempty"`
}

// CDPError is the error half of a command response.
type CDPError struct {
	Code    int64  `json:"code,omitempty"`
	Message string `json:"message"`
}

// CDPResponse is a relay → driver response frame, matched to a command by id.
type CDPResponse struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     *CDPError `json:"error,omitempty"`
}

// CDPEvent is a relay → driver event frame. ServerGenerated marks events the
// relay synthesized rather than forwarded from the extension.
type CDPEvent struct {
	Method          string `json:"method"`
	SessionID       string `json:"sessionId,omitempty"`
	Params          any    `json:"params,omitempty"`
	ServerGenerated bool   `json:"__serverGenerated,omitempty"`
}

// ExtensionRequest is a relay → extension request frame. The relay allocates
// the id; the extension echoes it in its response.
type ExtensionRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ExtensionInbound is any text frame the extension sends: a response to an
// ExtensionRequest (ID != 0) or an event envelope (Method != "").
type ExtensionInbound struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ForwardCDPCommandParams wraps a driver CDP command for the extension.
type ForwardCDPCommandParams struct {
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Source    string          `json:"source,omitempty"`
}

// ForwardCDPEventParams carries a CDP event from an attached tab.
type ForwardCDPEventParams struct {
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// LogParams carries an extension-side log line to the relay logger.
type LogParams struct {
	Level string   `json:"level"`
	Args  []string `json:"args"`
}

// CreateTabResult is the extension's answer to a createTab request.
type CreateTabResult struct {
	SessionID  string          `json:"sessionId"`
	TargetID   string          `json:"targetId"`
	TargetInfo json.RawMessage `json:"targetInfo,omitempty"`
}
