package events

import "fmt"

const (
	// TopicCDPCommand carries every command frame a driver sends.
	TopicCDPCommand = "cdp.command"
	// TopicCDPResponse carries every response the relay writes back to a driver.
	TopicCDPResponse = "cdp.response"
	// TopicCDPEvent carries every CDP event an extension forwards.
	TopicCDPEvent = "cdp.event"
)

// CDPClientTopic is the per-driver delivery topic; everything written to a
// driver WebSocket flows through it so writes never interleave.
func CDPClientTopic(clientID string) string {
	return fmt.Sprintf("cdp.client.%s", clientID)
}
