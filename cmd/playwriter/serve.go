package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/remorses/playwriter/internal/logging"
	"github.com/remorses/playwriter/internal/relay"
)

func runServe(embeddedConfig []byte, version string) error {
	c, err := loadConfig(embeddedConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.SetLevel(c.Log.Level)

	opts := relay.OptionsFromConfig(c)
	opts.Version = version
	r := relay.New(opts)
	if err := r.Start(); err != nil {
		return err
	}

	fmt.Printf("CDP endpoint: %s\n", r.CDPWebSocketURL())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Infof("received %v, shutting down", sig)
	return r.Stop()
}
