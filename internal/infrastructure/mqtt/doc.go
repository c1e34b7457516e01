// Package mqtt provides MQTT connectivity for the S-Charge bridge.
//
// It wraps the Eclipse Paho MQTT client with:
//
//   - Connection management with auto-reconnect
//   - Subscription tracking and restoration after reconnect
//   - Last Will and Testament on the bridge availability topic
//   - Panic recovery in message handlers
//   - Topic builders for the scharge/{entity}/{state,set,available}
//     layout and the discovery document topic
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil { ... }
//	defer client.Close()
//
//	topics := mqtt.Topics{}
//	client.PublishString(topics.State("charging"), "ON")
package mqtt
