package mqtt

import "fmt"

// Topic layout for the bridge.
//
// Per-entity topics use the flat scheme: scharge/{entity}/{suffix}.
// The aggregated device discovery document goes to the home-automation
// platform's discovery prefix.
const (
	// TopicPrefix is the base for all per-entity topics.
	TopicPrefix = "scharge"

	// DiscoveryPrefix is the home-automation platform's discovery prefix.
	DiscoveryPrefix = "homeassistant"

	// BridgeAvailabilityTopic carries the bridge process availability
	// (LWT target); distinct from per-entity availability topics.
	BridgeAvailabilityTopic = TopicPrefix + "/bridge/available"

	// PlatformStatusTopic is the home-automation platform's birth/death topic.
	// The bridge re-publishes discovery when the platform comes back online.
	PlatformStatusTopic = DiscoveryPrefix + "/status"
)

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
type Topics struct{}

// State returns the state topic for an entity.
//
// Example: scharge/connector_1/charge_current/state
func (Topics) State(entity string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefix, entity)
}

// Command returns the command topic for an entity.
//
// Example: scharge/charging/set
func (Topics) Command(entity string) string {
	return fmt.Sprintf("%s/%s/set", TopicPrefix, entity)
}

// Availability returns the availability topic for an entity.
//
// Example: scharge/charging/available
func (Topics) Availability(entity string) string {
	return fmt.Sprintf("%s/%s/available", TopicPrefix, entity)
}

// DeviceDiscovery returns the aggregated device discovery topic for a
// charger serial.
//
// Example: homeassistant/device/schargeX123/config
func (Topics) DeviceDiscovery(serial string) string {
	return fmt.Sprintf("%s/device/scharge%s/config", DiscoveryPrefix, serial)
}
