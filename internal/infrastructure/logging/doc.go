// Package logging provides structured logging for the S-Charge bridge.
//
// It wraps Go's standard log/slog package so all components log with
// consistent default fields (service, version) and level filtering.
//
// # Configuration
//
// Logging is configured via config.LoggingConfig:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("charger connected", "serial", sn)
//	logger.Error("publish failed", "error", err)
//
// Never log the MQTT password.
package logging
