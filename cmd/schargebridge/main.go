// S-Charge Bridge - EVCD2 wall charger to Home Assistant
//
// The bridge stands in for the vendor cloud: it invites the charger to
// connect over the local network, keeps the session alive, mirrors the
// charger's reports into Home Assistant via MQTT discovery, and turns
// switch and number commands back into charging commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/matemat13/scharge-bridge/internal/bridges/hass"
	"github.com/matemat13/scharge-bridge/internal/infrastructure/config"
	"github.com/matemat13/scharge-bridge/internal/infrastructure/logging"
	"github.com/matemat13/scharge-bridge/internal/infrastructure/mqtt"
	"github.com/matemat13/scharge-bridge/internal/scharge"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// configPathEnv optionally points at a YAML file overriding the
// defaults (protocol timing, logging).
const configPathEnv = "SCHARGE_CONFIG"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprint(os.Stderr, errorMessage(err))
		os.Exit(1)
	}
}

// errorMessage renders a fatal error, appending the usage hint when the
// command line could not be parsed.
func errorMessage(err error) string {
	if errors.Is(err, config.ErrUsage) {
		return fmt.Sprintf("Error: %v\n\n%s\n", err, config.Usage)
	}
	return fmt.Sprintf("Error: %v\n", err)
}

// run is the actual application logic, separated from main for
// testability. A signal-triggered shutdown returns nil; a charger or
// broker failure returns the error so main exits non-zero and the
// service supervisor restarts the bridge.
func run(ctx context.Context, args []string) error {
	cfg, err := config.FromArgs(args)
	if err != nil {
		return err
	}
	if path := os.Getenv(configPathEnv); path != "" {
		if err := config.Load(path, cfg); err != nil {
			return fmt.Errorf("loading config overrides: %w", err)
		}
	}

	log := logging.New(cfg.Logging, version)
	log.Info("starting S-Charge bridge",
		"version", version,
		"commit", commit,
		"serial", cfg.Charger.Serial,
		"listen_ip", cfg.Charger.ListenIP,
	)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
		"client_id", cfg.MQTT.ClientID,
	)

	state := scharge.NewState(cfg.Charger.Serial)
	session, err := scharge.NewSession(scharge.SessionOptions{
		Serial:        cfg.Charger.Serial,
		ListenIP:      cfg.Charger.ListenIP,
		ListenPort:    cfg.Charger.ListenPort,
		UserID:        cfg.Charger.UserID,
		ConnectionKey: cfg.Charger.ConnectionKey,
		Timing:        sessionTiming(cfg.Protocol),
		State:         state,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("creating charger session: %w", err)
	}

	bridge, err := hass.New(hass.Options{
		State:     state,
		Commander: session,
		MQTT:      mqttClient,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating Home Assistant bridge: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error { return bridge.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("S-Charge bridge stopped")
	return nil
}

// sessionTiming maps the configuration's protocol section onto the
// session's timing parameters.
func sessionTiming(p config.ProtocolConfig) scharge.Timing {
	return scharge.Timing{
		UDPHandshakeInterval: p.UDPHandshakeInterval,
		KeepAliveInterval:    p.KeepAliveInterval,
		ConfirmationTimeout:  p.ConfirmationTimeout,
		RetryInterval:        p.RetryInterval,
		MaxRetries:           p.MaxRetries,
		InitWaitInterval:     p.InitWaitInterval,
		InitWaitRetries:      p.InitWaitRetries,
		CurrentTolerance:     p.CurrentTolerance,
	}
}
