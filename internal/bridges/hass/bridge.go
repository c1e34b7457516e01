package hass

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/matemat13/scharge-bridge/internal/infrastructure/mqtt"
	"github.com/matemat13/scharge-bridge/internal/scharge"
)

// Logger is the narrow logging interface the bridge needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Commander issues charging commands to the charger.
type Commander interface {
	IsConnected() bool
	StartCharging(ctx context.Context, current int, connectorID int) bool
	StopCharging(ctx context.Context, connectorID int) bool
}

// MQTTClient is the narrow MQTT surface the bridge needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishString(topic, payload string) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Defaults for the bridge loops.
const (
	defaultAvailabilityInterval = 3 * time.Second
	defaultInitPollInterval     = time.Second
)

// Entity names of the two writable entities.
const (
	entityCharging   = "charging"
	entitySetCurrent = "set_current"
)

// Options configures a Bridge.
type Options struct {
	State     *scharge.State
	Commander Commander
	MQTT      MQTTClient
	Logger    Logger

	// AvailabilityInterval spaces the per-entity availability refresh.
	AvailabilityInterval time.Duration

	// InitPollInterval spaces the polls while waiting for the charger
	// state to initialize.
	InitPollInterval time.Duration
}

// Bridge projects the charger onto Home Assistant MQTT discovery: one
// device document aggregating a charging switch, a target-current
// number, and a sensor per reported parameter. It waits for the state
// model to fill before announcing anything, then mirrors parameter
// changes to state topics and refreshes availability periodically.
type Bridge struct {
	state     *scharge.State
	commander Commander
	mqtt      MQTTClient
	logger    Logger
	topics    mqtt.Topics

	availabilityInterval time.Duration
	initPollInterval     time.Duration

	ctx       context.Context
	managers  []Manager
	byCommand map[string]Manager

	chargingSwitch *Switch

	mu             sync.Mutex
	desiredCurrent int
	desiredSet     bool
	lastCharging   bool
	chargingKnown  bool
}

// New validates opts and creates a bridge. Run starts it.
func New(opts Options) (*Bridge, error) {
	if opts.State == nil {
		return nil, errors.New("hass: state is required")
	}
	if opts.Commander == nil {
		return nil, errors.New("hass: commander is required")
	}
	if opts.MQTT == nil {
		return nil, errors.New("hass: mqtt client is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("hass: logger is required")
	}
	if opts.AvailabilityInterval <= 0 {
		opts.AvailabilityInterval = defaultAvailabilityInterval
	}
	if opts.InitPollInterval <= 0 {
		opts.InitPollInterval = defaultInitPollInterval
	}
	return &Bridge{
		state:                opts.State,
		commander:            opts.Commander,
		mqtt:                 opts.MQTT,
		logger:               opts.Logger,
		availabilityInterval: opts.AvailabilityInterval,
		initPollInterval:     opts.InitPollInterval,
		byCommand:            make(map[string]Manager),
	}, nil
}

// Run drives the bridge until ctx is cancelled. It blocks until the
// charger has reported its full state, then announces the device and
// serves commands and availability until shutdown.
func (b *Bridge) Run(ctx context.Context) error {
	b.ctx = ctx

	if err := b.waitInitialized(ctx); err != nil {
		return err
	}
	b.logger.Info("charger state initialized",
		"state", "\n"+b.state.String())

	b.buildManagers()
	if err := b.publishDiscovery(); err != nil {
		return err
	}
	if err := b.subscribe(); err != nil {
		return err
	}
	b.publishAll()

	return b.availabilityLoop(ctx)
}

// waitInitialized polls until every charger parameter has a value. The
// discovery document needs the full parameter set (and the connector
// current bounds), so nothing is announced before this.
func (b *Bridge) waitInitialized(ctx context.Context) error {
	for !b.state.Initialized() {
		b.logger.Debug("waiting for charger state to initialize")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.initPollInterval):
		}
	}
	return nil
}

// buildManagers assembles the entity set: the two writable entities,
// one sensor per numeric parameter with a device class, plus the
// explicitly attached projections (charge status enums, plug and
// N-wire binary sensors, diagnostics).
func (b *Bridge) buildManagers() {
	chargerUp := func() bool { return b.commander.IsConnected() }

	b.chargingSwitch = NewSwitch(entityCharging, "Charging",
		b.mqtt.PublishString, chargerUp,
		b.state.IsCharging, b.handleChargingCommand)
	b.addManager(b.chargingSwitch)
	b.state.RegisterOnUpdate(b.publishChargingIfChanged)

	main := b.state.ConnectorMain
	minCurrent, _ := main.MiniCurrent.Int()
	maxCurrent, _ := main.MaxCurrent.Int()
	b.addManager(NewNumber(entitySetCurrent, "Charge current",
		b.mqtt.PublishString, chargerUp,
		float64(minCurrent), float64(maxCurrent), 1, "A", "current",
		b.getDesiredCurrent, b.setDesiredCurrent, b.resetDesiredCurrent))

	for _, p := range b.state.Params() {
		if p.DeviceClass() == "" || (p.Kind() != scharge.ValueInt && p.Kind() != scharge.ValueFloat) {
			continue
		}
		b.addParamManager(p, NewSensor(p.Entity(), displayName(p.Entity()),
			b.mqtt.PublishString, b.paramAvailable(p),
			p.Unit(), p.DeviceClass(), p.StateString))
	}

	for _, c := range b.state.Connectors() {
		status := c.ChargeStatus
		b.addParamManager(status, NewEnumSensor(status.Entity(), displayName(status.Entity()),
			b.mqtt.PublishString, b.paramAvailable(status),
			scharge.ChargeStatusValues, status.StateString))

		plugged := c.ConnectionStatus
		b.addParamManager(plugged, NewBinarySensor(plugged.Entity(), displayName(plugged.Entity()),
			b.mqtt.PublishString, b.paramAvailable(plugged),
			"plug", func() bool { v, _ := plugged.Bool(); return v }))
	}

	for _, p := range []*scharge.Param{b.state.NWireExist, b.state.NWireClosed} {
		p := p
		b.addParamManager(p, NewBinarySensor(p.Entity(), displayName(p.Entity()),
			b.mqtt.PublishString, b.paramAvailable(p),
			"", func() bool { v, _ := p.Bool(); return v }))
	}

	b.addParamManager(b.state.TotalPower, NewDiagnosticSensor(
		b.state.TotalPower.Entity(), displayName(b.state.TotalPower.Entity()),
		b.mqtt.PublishString, b.paramAvailable(b.state.TotalPower),
		"", b.state.TotalPower.StateString))
	b.addParamManager(b.state.RSSI, NewDiagnosticSensor(
		b.state.RSSI.Entity(), displayName(b.state.RSSI.Entity()),
		b.mqtt.PublishString, b.paramAvailable(b.state.RSSI),
		b.state.RSSI.Unit(), b.state.RSSI.StateString))
}

func (b *Bridge) addManager(m Manager) {
	b.managers = append(b.managers, m)
	if topic := m.CommandTopic(); topic != "" {
		b.byCommand[topic] = m
	}
}

// addParamManager registers a manager backed by one parameter and
// republishes its state whenever the parameter changes.
func (b *Bridge) addParamManager(p *scharge.Param, m Manager) {
	b.addManager(m)
	p.SetOnChange(func() {
		if err := m.PublishState(); err != nil {
			b.logger.Warn("publishing entity state failed",
				"entity", m.Name(),
				"error", err)
		}
	})
}

func (b *Bridge) paramAvailable(p *scharge.Param) func() bool {
	return func() bool { return b.commander.IsConnected() && p.Initialized() }
}

func (b *Bridge) publishDiscovery() error {
	sw, _ := b.state.SVersion.Value().(string)
	hw, _ := b.state.HVersion.Value().(string)
	doc, err := discoveryDocument(DeviceInfo{
		Serial:          b.state.Serial(),
		SoftwareVersion: sw,
		HardwareVersion: hw,
	}, b.managers)
	if err != nil {
		return err
	}

	topic := b.topics.DeviceDiscovery(b.state.Serial())
	if err := b.mqtt.Publish(topic, doc, 0, true); err != nil {
		return fmt.Errorf("hass: publishing discovery: %w", err)
	}
	b.logger.Info("discovery document published",
		"topic", topic,
		"entities", len(b.managers))
	return nil
}

func (b *Bridge) subscribe() error {
	for topic := range b.byCommand {
		if err := b.mqtt.Subscribe(topic, 0, b.handleMessage); err != nil {
			return fmt.Errorf("hass: subscribing to %s: %w", topic, err)
		}
	}
	if err := b.mqtt.Subscribe(mqtt.PlatformStatusTopic, 0, b.handleMessage); err != nil {
		return fmt.Errorf("hass: subscribing to %s: %w", mqtt.PlatformStatusTopic, err)
	}
	return nil
}

// handleMessage dispatches inbound MQTT messages by exact topic.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	if topic == mqtt.PlatformStatusTopic {
		b.handlePlatformStatus(payload)
		return nil
	}
	m, ok := b.byCommand[topic]
	if !ok {
		b.logger.Warn("message on unexpected topic",
			"topic", topic)
		return nil
	}
	b.logger.Debug("command received",
		"entity", m.Name(),
		"payload", string(payload))
	return m.ProcessMsg(payload)
}

// handlePlatformStatus re-announces everything when the home
// automation platform restarts; without this the device would stay
// invisible until the next bridge restart.
func (b *Bridge) handlePlatformStatus(payload []byte) {
	if string(payload) != mqtt.PayloadOnline {
		return
	}
	b.logger.Info("platform back online, re-publishing discovery")
	if err := b.publishDiscovery(); err != nil {
		b.logger.Error("re-publishing discovery failed",
			"error", err)
	}
	b.publishAll()
}

// handleChargingCommand turns the charging switch ON or OFF. The
// convergence loop inside the commander blocks for up to tens of
// seconds; the MQTT client runs handlers on their own goroutines, so
// blocking here is fine. The switch state is republished afterwards so
// the platform sees the real outcome rather than its optimistic guess.
func (b *Bridge) handleChargingCommand(on bool) error {
	defer func() {
		if err := b.chargingSwitch.PublishState(); err != nil {
			b.logger.Warn("publishing switch state failed",
				"error", err)
		}
	}()

	connector := b.state.PreferredConnector().ID()
	if on {
		current, ok := b.getDesiredCurrent()
		if !ok {
			b.logger.Warn("refusing to start charging, no desired current set")
			return ErrNoDesiredCurrent
		}
		if !b.commander.StartCharging(b.ctx, int(current), connector) {
			return fmt.Errorf("%w: start charging on connector %d", ErrCommandRejected, connector)
		}
		b.logger.Info("charging started",
			"connector", connector,
			"current", int(current))
		return nil
	}

	if !b.commander.StopCharging(b.ctx, connector) {
		return fmt.Errorf("%w: stop charging on connector %d", ErrCommandRejected, connector)
	}
	b.logger.Info("charging stopped",
		"connector", connector)
	return nil
}

func (b *Bridge) getDesiredCurrent() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.desiredCurrent), b.desiredSet
}

func (b *Bridge) setDesiredCurrent(v float64) error {
	b.mu.Lock()
	b.desiredCurrent = int(v)
	b.desiredSet = true
	b.mu.Unlock()
	b.logger.Info("desired charge current set",
		"current", int(v))
	return nil
}

func (b *Bridge) resetDesiredCurrent() error {
	b.mu.Lock()
	b.desiredSet = false
	b.mu.Unlock()
	b.logger.Info("desired charge current cleared")
	return nil
}

// publishChargingIfChanged keeps the derived switch state fresh without
// republishing on every charger report.
func (b *Bridge) publishChargingIfChanged() {
	if b.chargingSwitch == nil {
		return
	}
	on := b.state.IsCharging()

	b.mu.Lock()
	changed := !b.chargingKnown || on != b.lastCharging
	b.lastCharging = on
	b.chargingKnown = true
	b.mu.Unlock()

	if !changed {
		return
	}
	if err := b.chargingSwitch.PublishState(); err != nil {
		b.logger.Warn("publishing switch state failed",
			"error", err)
	}
}

// publishAll pushes availability and state for every entity.
func (b *Bridge) publishAll() {
	for _, m := range b.managers {
		if err := m.PublishAvailability(); err != nil {
			b.logger.Warn("publishing availability failed",
				"entity", m.Name(),
				"error", err)
		}
		if err := m.PublishState(); err != nil {
			b.logger.Warn("publishing entity state failed",
				"entity", m.Name(),
				"error", err)
		}
	}
}

// availabilityLoop refreshes per-entity availability so entities go
// unavailable promptly when the charger link drops.
func (b *Bridge) availabilityLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.availabilityInterval):
		}
		for _, m := range b.managers {
			if err := m.PublishAvailability(); err != nil {
				b.logger.Warn("publishing availability failed",
					"entity", m.Name(),
					"error", err)
			}
		}
	}
}

// displayName turns an entity fragment into a human-readable label:
// "connector_1_charge_current" becomes "Connector 1 charge current".
func displayName(entity string) string {
	text := strings.ReplaceAll(entity, "_", " ")
	runes := []rune(text)
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	return string(runes)
}
