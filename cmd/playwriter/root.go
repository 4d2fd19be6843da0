package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remorses/playwriter/internal/config"
	"github.com/remorses/playwriter/internal/logging"
)

var (
	flagConfig   string
	flagHost     string
	flagPort     int
	flagToken    string
	flagAutoTab  bool
	flagTrace    bool
	flagLogLevel string
)

// Execute runs the CLI. embeddedConfig provides the built-in defaults;
// version is stamped by the build.
func Execute(embeddedConfig []byte, version string) {
	rootCmd := &cobra.Command{
		Use:   "playwriter",
		Short: "CDP relay between browser extensions and automation drivers",
		Long: "playwriter runs a loopback CDP relay: automation drivers connect on /cdp\n" +
			"and control user-owned tabs shared by a browser extension on /extension.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(embeddedConfig, version)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&flagHost, "host", "", "loopback host to bind")
	rootCmd.PersistentFlags().IntVarP(&flagPort, "port", "p", 0, "port to listen on")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "require this token on /cdp and privileged routes")
	rootCmd.PersistentFlags().BoolVar(&flagAutoTab, "auto-tab", false, "create an initial tab on the first driver attach")
	rootCmd.PersistentFlags().BoolVar(&flagTrace, "trace-cdp", false, "log every CDP frame at debug level")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(embeddedConfig, version)
		},
	}
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("playwriter", version)
		},
	}
	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		logging.Errorf("%v", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file when one is given, otherwise the embedded
// defaults, and then applies any flags on top. A config file replaces the
// embedded config as a whole; fields it omits get the built-in defaults.
func loadConfig(embeddedConfig []byte) (config.Config, error) {
	var c config.Config
	var err error
	switch {
	case flagConfig != "":
		c, err = config.LoadFromFile(flagConfig)
	case len(embeddedConfig) > 0:
		c, err = config.LoadFromBytes(embeddedConfig)
	default:
		c = config.Default()
	}
	if err != nil {
		return c, err
	}

	if flagHost != "" {
		c.Server.Host = flagHost
	}
	if flagPort != 0 {
		c.Server.Port = flagPort
	}
	if flagToken != "" {
		c.Server.Token = flagToken
	}
	if flagAutoTab {
		c.Relay.AutoTab = true
	}
	if flagTrace {
		c.Relay.TraceCDP = true
	}
	if flagLogLevel != "" {
		c.Log.Level = flagLogLevel
	}
	return c, nil
}
