package relay

import "encoding/json"

// RecordingSink receives recording traffic that shares the extension socket
// with CDP frames. The relay only routes; capture and storage live in the
// recording collaborator.
type RecordingSink interface {
	// Data hands off one binary frame, or the params of one recordingData
	// message, from the extension.
	Data(extensionID string, payload []byte)
	// Cancelled signals that the extension aborted a recording.
	Cancelled(extensionID string, params json.RawMessage)
	// ExtensionClosed cancels any per-extension recording relay.
	ExtensionClosed(extensionID string)
}

// NopRecordingSink discards all recording traffic.
type NopRecordingSink struct{}

func (NopRecordingSink) Data(string, []byte)               {}
func (NopRecordingSink) Cancelled(string, json.RawMessage) {}
func (NopRecordingSink) ExtensionClosed(string)            {}
