package relay

import (
	"net/http"
	"time"

	"github.com/remorses/playwriter/internal/config"
)

// Options configures a Relay.
type Options struct {
	// Host must be a loopback address.
	Host string
	Port int
	// Token, when non-empty, is required as ?token= on /cdp and as a bearer
	// or query token on privileged HTTP routes.
	Token string
	// AllowedExtensionIDs is the chrome-extension id allow-list used for
	// origin gating and for the restricted-target filter. Empty allows any
	// extension origin to connect but keeps chrome-extension:// targets
	// restricted.
	AllowedExtensionIDs []string
	// AutoTab asks the extension for an initial tab on the first session-less
	// Target.setAutoAttach when it holds no targets.
	AutoTab bool
	// RequestTimeout bounds every outbound extension request.
	RequestTimeout time.Duration
	// TraceCDP logs every CDP frame through the relay at debug level.
	TraceCDP bool
	// Version is reported by /version and Browser.getVersion.
	Version string

	// Recording receives binary frames and recording messages from
	// extensions. Optional.
	Recording RecordingSink
	// CLIHandler serves /cli/* behind the privileged gate. Optional.
	CLIHandler http.Handler
	// RecordingHandler serves /recording/* behind the privileged gate.
	// Optional.
	RecordingHandler http.Handler
}

func (o *Options) withDefaults() {
	if o.Host == "" {
		o.Host = config.DefaultHost
	}
	if o.Port == 0 {
		o.Port = config.DefaultPort
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = config.DefaultRequestTimeout
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.Recording == nil {
		o.Recording = NopRecordingSink{}
	}
}

// OptionsFromConfig maps a loaded config onto relay options.
func OptionsFromConfig(c config.Config) Options {
	return Options{
		Host:                c.Server.Host,
		Port:                c.Server.Port,
		Token:               c.Server.Token,
		AllowedExtensionIDs: c.Extensions.AllowedIDs,
		AutoTab:             c.Relay.AutoTab,
		RequestTimeout:      c.Extensions.RequestTimeout.Std(),
		TraceCDP:            c.Relay.TraceCDP,
	}
}
