package hass

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/matemat13/scharge-bridge/internal/infrastructure/mqtt"
)

// Publisher sends a payload to an MQTT topic.
type Publisher func(topic, payload string) error

// Manager is one Home Assistant entity backed by the bridge: it renders
// its discovery fragment, publishes state and availability, and (for
// writable entities) handles inbound commands.
type Manager interface {
	// Name is the entity name fragment; all topics derive from it.
	Name() string

	// Description returns the entity's discovery document fragment.
	Description() map[string]any

	// CommandTopic returns the topic commands arrive on, or "" for
	// read-only entities.
	CommandTopic() string

	PublishState() error
	PublishAvailability() error

	// ProcessMsg handles one command payload.
	ProcessMsg(payload []byte) error
}

// entity carries what every manager shares.
type entity struct {
	name      string
	humanName string
	publish   Publisher
	available func() bool
	topics    mqtt.Topics
}

func (e *entity) Name() string { return e.name }

func (e *entity) CommandTopic() string { return "" }

func (e *entity) uniqueID() string { return mqtt.TopicPrefix + "_" + e.name }

// sensorExpirySeconds ages read-only entity states out when the charger
// stops reporting.
const sensorExpirySeconds = 10

// description returns the discovery keys shared by every platform.
func (e *entity) description(platform string) map[string]any {
	return map[string]any{
		"p":                     platform,
		"name":                  e.humanName,
		"unique_id":             e.uniqueID(),
		"state_topic":           e.topics.State(e.name),
		"availability_topic":    e.topics.Availability(e.name),
		"payload_available":     mqtt.PayloadOnline,
		"payload_not_available": mqtt.PayloadOffline,
		"availability_mode":     "latest",
		"qos":                   0,
	}
}

func (e *entity) PublishAvailability() error {
	payload := mqtt.PayloadOffline
	if e.available() {
		payload = mqtt.PayloadOnline
	}
	return e.publish(e.topics.Availability(e.name), payload)
}

// ProcessMsg on a read-only entity is a wiring error.
func (e *entity) ProcessMsg([]byte) error {
	return fmt.Errorf("%w: entity %q", ErrReadOnly, e.name)
}

// Switch is a two-state writable entity.
type Switch struct {
	entity
	getState  func() bool
	onCommand func(on bool) error
}

// NewSwitch creates a switch whose reported state comes from getState
// and whose ON/OFF commands go to onCommand.
func NewSwitch(name, humanName string, publish Publisher, available func() bool, getState func() bool, onCommand func(on bool) error) *Switch {
	return &Switch{
		entity:    entity{name: name, humanName: humanName, publish: publish, available: available},
		getState:  getState,
		onCommand: onCommand,
	}
}

func (s *Switch) CommandTopic() string { return s.topics.Command(s.name) }

func (s *Switch) Description() map[string]any {
	d := s.description("switch")
	d["device_class"] = "switch"
	d["command_topic"] = s.CommandTopic()
	d["payload_on"] = "ON"
	d["payload_off"] = "OFF"
	d["state_on"] = "ON"
	d["state_off"] = "OFF"
	// Optimistic: the platform flips the switch immediately; the state
	// republished after the command corrects it if the charger refused.
	d["optimistic"] = true
	d["retain"] = false
	return d
}

func (s *Switch) PublishState() error {
	payload := "OFF"
	if s.getState() {
		payload = "ON"
	}
	return s.publish(s.topics.State(s.name), payload)
}

func (s *Switch) ProcessMsg(payload []byte) error {
	switch strings.TrimSpace(string(payload)) {
	case "ON":
		return s.onCommand(true)
	case "OFF":
		return s.onCommand(false)
	default:
		return fmt.Errorf("%w: switch %q: %q", ErrBadCommand, s.name, payload)
	}
}

// Number is a writable numeric entity with a bounded range.
type Number struct {
	entity
	min, max, step float64
	unit           string
	deviceClass    string

	getState  func() (float64, bool)
	onCommand func(v float64) error
	onReset   func() error
}

// NewNumber creates a number entity. getState returning false renders
// an empty state (value not set); a "reset" command payload triggers
// onReset.
func NewNumber(name, humanName string, publish Publisher, available func() bool,
	min, max, step float64, unit, deviceClass string,
	getState func() (float64, bool), onCommand func(v float64) error, onReset func() error) *Number {
	return &Number{
		entity:      entity{name: name, humanName: humanName, publish: publish, available: available},
		min:         min,
		max:         max,
		step:        step,
		unit:        unit,
		deviceClass: deviceClass,
		getState:    getState,
		onCommand:   onCommand,
		onReset:     onReset,
	}
}

func (n *Number) CommandTopic() string { return n.topics.Command(n.name) }

func (n *Number) Description() map[string]any {
	d := n.description("number")
	d["command_topic"] = n.CommandTopic()
	d["entity_category"] = "config"
	d["min"] = n.min
	d["max"] = n.max
	d["step"] = n.step
	d["payload_reset"] = "reset"
	d["optimistic"] = true
	d["retain"] = true
	if n.unit != "" {
		d["unit_of_measurement"] = n.unit
	}
	if n.deviceClass != "" {
		d["device_class"] = n.deviceClass
	}
	return d
}

func (n *Number) PublishState() error {
	v, ok := n.getState()
	payload := ""
	if ok {
		payload = formatNumber(v)
	}
	return n.publish(n.topics.State(n.name), payload)
}

func (n *Number) ProcessMsg(payload []byte) error {
	text := strings.TrimSpace(string(payload))
	if text == "reset" {
		return n.onReset()
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("%w: number %q: %q", ErrBadCommand, n.name, payload)
	}
	return n.onCommand(v)
}

// Sensor is a read-only entity. The constructors below cover the
// flavors the bridge uses; all share the rendering and topics.
type Sensor struct {
	entity
	unit           string
	deviceClass    string
	stateClass     string
	entityCategory string
	options        []string

	getState func() string
}

// NewSensor creates a measurement sensor.
func NewSensor(name, humanName string, publish Publisher, available func() bool,
	unit, deviceClass string, getState func() string) *Sensor {
	return &Sensor{
		entity:      entity{name: name, humanName: humanName, publish: publish, available: available},
		unit:        unit,
		deviceClass: deviceClass,
		stateClass:  "measurement",
		getState:    getState,
	}
}

// NewEnumSensor creates a sensor constrained to a fixed set of states.
func NewEnumSensor(name, humanName string, publish Publisher, available func() bool,
	options []string, getState func() string) *Sensor {
	return &Sensor{
		entity:      entity{name: name, humanName: humanName, publish: publish, available: available},
		deviceClass: "enum",
		options:     options,
		getState:    getState,
	}
}

// NewDiagnosticSensor creates a sensor filed under the device's
// diagnostic section.
func NewDiagnosticSensor(name, humanName string, publish Publisher, available func() bool,
	unit string, getState func() string) *Sensor {
	return &Sensor{
		entity:         entity{name: name, humanName: humanName, publish: publish, available: available},
		unit:           unit,
		entityCategory: "diagnostic",
		getState:       getState,
	}
}

func (s *Sensor) Description() map[string]any {
	d := s.description("sensor")
	d["expire_after"] = sensorExpirySeconds
	if s.unit != "" {
		d["unit_of_measurement"] = s.unit
	}
	if s.deviceClass != "" {
		d["device_class"] = s.deviceClass
	}
	if s.stateClass != "" {
		d["state_class"] = s.stateClass
	}
	if s.entityCategory != "" {
		d["entity_category"] = s.entityCategory
	}
	if len(s.options) > 0 {
		d["options"] = s.options
	}
	return d
}

func (s *Sensor) PublishState() error {
	return s.publish(s.topics.State(s.name), s.getState())
}

// BinarySensor is a read-only two-state entity.
type BinarySensor struct {
	entity
	deviceClass string
	getState    func() bool
}

// NewBinarySensor creates a binary sensor.
func NewBinarySensor(name, humanName string, publish Publisher, available func() bool,
	deviceClass string, getState func() bool) *BinarySensor {
	return &BinarySensor{
		entity:      entity{name: name, humanName: humanName, publish: publish, available: available},
		deviceClass: deviceClass,
		getState:    getState,
	}
}

func (b *BinarySensor) Description() map[string]any {
	d := b.description("binary_sensor")
	d["expire_after"] = sensorExpirySeconds
	d["payload_on"] = "ON"
	d["payload_off"] = "OFF"
	if b.deviceClass != "" {
		d["device_class"] = b.deviceClass
	}
	return d
}

func (b *BinarySensor) PublishState() error {
	payload := "OFF"
	if b.getState() {
		payload = "ON"
	}
	return b.publish(b.topics.State(b.name), payload)
}

// formatNumber renders a float without a trailing ".0" for whole
// values.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
