// Package logging provides structured logging for the CozyLife bridge.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same handler, level and default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("device connected", "device_id", id, "ip", ip)
//	logger.Error("query failed", "error", err)
//
// Never log the MQTT password or InfluxDB token.
package logging
