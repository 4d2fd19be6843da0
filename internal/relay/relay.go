package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/remorses/playwriter/internal/events"
	"github.com/remorses/playwriter/internal/logging"
	"github.com/remorses/playwriter/internal/protocol"
)

// Relay bridges browser extensions on /extension to CDP drivers on /cdp.
type Relay struct {
	opts Options

	store *Store
	bus   *events.Subject

	server  *http.Server
	connSeq atomic.Int64
	stopped atomic.Bool
}

// BusCDPCommand is published on events.TopicCDPCommand for every driver
// command frame.
type BusCDPCommand struct {
	ClientID string
	Command  protocol.CDPCommand
}

// BusCDPResponse is published on events.TopicCDPResponse for every response
// written back to a driver.
type BusCDPResponse struct {
	ClientID string
	Response protocol.CDPResponse
}

// BusCDPEvent is published on events.TopicCDPEvent for every CDP event an
// extension forwards.
type BusCDPEvent struct {
	ExtensionID string
	SessionID   string
	Method      string
	Params      json.RawMessage
}

// New creates a relay. Call Start to serve on its own listener, or mount
// Handler on an existing server.
func New(opts Options) *Relay {
	opts.withDefaults()
	r := &Relay{
		opts:  opts,
		store: NewStore(),
		bus:   events.NewSubject(events.WithSyncDelivery(), events.WithBufferSize(256)),
	}

	// Reactive cleanup: any client that leaves state gets its socket closed.
	// Rebinding keeps the client id in state, so rebound clients are spared.
	r.store.Subscribe(func(next, prev RelayState) {
		for id, c := range prev.PlaywrightClients {
			if _, ok := next.PlaywrightClients[id]; !ok && c.Conn != nil {
				c.Conn.CloseWithCode(protocol.CloseNormal, "extension disconnected")
			}
		}
	})
	return r
}

// Store exposes the state atom, mainly for tests and status handlers.
func (r *Relay) Store() *Store {
	return r.store
}

// Bus exposes the typed event bus for external observers.
func (r *Relay) Bus() *events.Subject {
	return r.bus
}

// Start listens on the configured loopback address and serves until Stop.
func (r *Relay) Start() error {
	if !isLoopbackHost(r.opts.Host) {
		return fmt.Errorf("relay requires a loopback host, got %s", r.opts.Host)
	}
	addr := fmt.Sprintf("%s:%d", r.opts.Host, r.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.server = &http.Server{Addr: addr, Handler: r.Handler()}
	go func() {
		if err := r.server.Serve(listener); err != http.ErrServerClosed {
			logging.Errorf("relay server error: %v", err)
		}
	}()
	logging.Infof("relay listening on http://%s", addr)
	return nil
}

// Stop tears the relay down: extension sockets closed, pending requests
// rejected, driver sockets closed, bus completed, server shut down.
func (r *Relay) Stop() error {
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}

	st := r.store.GetState()
	for _, id := range st.ExtensionOrder {
		e := st.Extensions[id]
		if e == nil {
			continue
		}
		if e.Ping != nil {
			e.Ping.Stop()
		}
		for msgID, p := range e.PendingRequests {
			if p.Timer != nil {
				p.Timer.Stop()
			}
			select {
			case p.Reject <- fmt.Errorf("relay stopped"):
			default:
			}
			r.store.SetState(RemoveExtensionPendingRequest(id, msgID))
		}
		if e.Conn != nil {
			e.Conn.CloseWithCode(protocol.CloseNormal, "relay stopped")
		}
	}
	for _, c := range st.PlaywrightClients {
		if c.Conn != nil {
			c.Conn.CloseWithCode(protocol.CloseNormal, "relay stopped")
		}
	}
	r.store.SetState(func(s RelayState) RelayState {
		return NewRelayState()
	})

	events.Complete(r.bus)

	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.server.Shutdown(ctx)
	}
	return nil
}

// CDPWebSocketURL returns the URL drivers connect to.
func (r *Relay) CDPWebSocketURL() string {
	url := fmt.Sprintf("ws://%s:%d/cdp", r.opts.Host, r.opts.Port)
	if r.opts.Token != "" {
		url += "?token=" + r.opts.Token
	}
	return url
}

func (r *Relay) tracef(format string, args ...any) {
	if r.opts.TraceCDP {
		logging.Debugf(format, args...)
	}
}

func truncateFrame(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
