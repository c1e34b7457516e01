// Package config provides configuration for the S-Charge bridge.
//
// The required settings (charger serial, local listen address, MQTT
// endpoint and credentials) come from positional command-line arguments
// via FromArgs. Protocol timing, logging and MQTT tuning have built-in
// defaults that can be overridden from a YAML file via Load:
//
//	charger:
//	  user_id: 1
//	logging:
//	  level: "debug"    # debug, info, warn, error
//	  format: "json"    # json, text
//	protocol:
//	  keepalive_interval: 7s
//
// Timing defaults match what the charger firmware expects; override them
// only for testing.
package config
