package hass

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matemat13/scharge-bridge/internal/infrastructure/mqtt"
	"github.com/matemat13/scharge-bridge/internal/scharge"
)

type fakeMQTT struct {
	mu       sync.Mutex
	payloads map[string][]string
	retained map[string]bool
	handlers map[string]mqtt.MessageHandler
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{
		payloads: make(map[string][]string),
		retained: make(map[string]bool),
		handlers: make(map[string]mqtt.MessageHandler),
	}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[topic] = append(f.payloads[topic], string(payload))
	f.retained[topic] = retained
	return nil
}

func (f *fakeMQTT) PublishString(topic, payload string) error {
	return f.Publish(topic, []byte(payload), 0, false)
}

func (f *fakeMQTT) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) deliver(t *testing.T, topic, payload string) error {
	t.Helper()
	f.mu.Lock()
	handler, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for topic %q", topic)
	}
	return handler(topic, []byte(payload))
}

func (f *fakeMQTT) last(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.payloads[topic]
	if len(msgs) == 0 {
		return "", false
	}
	return msgs[len(msgs)-1], true
}

func (f *fakeMQTT) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads[topic])
}

func (f *fakeMQTT) wasRetained(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retained[topic]
}

func (f *fakeMQTT) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

type startCall struct{ current, connector int }

type fakeCommander struct {
	mu          sync.Mutex
	connected   bool
	startResult bool
	stopResult  bool
	starts      []startCall
	stops       []int
}

func (f *fakeCommander) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeCommander) StartCharging(_ context.Context, current, connectorID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, startCall{current, connectorID})
	return f.startResult
}

func (f *fakeCommander) StopCharging(_ context.Context, connectorID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, connectorID)
	return f.stopResult
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// applyFrame feeds one charger message into the state via the codec.
func applyFrame(t *testing.T, state *scharge.State, action string, payload map[string]any) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"messageTypeId": "5",
		"uniqueId":      "1",
		"action":        action,
		"payload":       payload,
	})
	if err != nil {
		t.Fatalf("marshalling frame: %v", err)
	}
	frame, err := scharge.Decode(data)
	if err != nil {
		t.Fatalf("decoding %s frame: %v", action, err)
	}
	if err := state.Apply(frame.Msg); err != nil {
		t.Fatalf("applying %s: %v", action, err)
	}
}

func connectorStatus(connected bool, status string) map[string]any {
	return map[string]any{
		"connectionStatus": connected,
		"chargeStatus":     status,
		"statusCode":       0,
		"startTime":        "-",
		"endTime":          "-",
		"reserveCurrent":   0,
	}
}

func connectorTelemetry(current string) map[string]any {
	return map[string]any{
		"voltage":      "230.40",
		"current":      current,
		"power":        "0.00",
		"electricWork": "12.50",
		"chargingTime": "0:0:0",
	}
}

func synchroStatus(mainBlock, viceBlock map[string]any) map[string]any {
	return map[string]any{
		"chargeBoxSN":   "SN123",
		"connectorMain": mainBlock,
		"connectorVice": viceBlock,
	}
}

func synchroData(mainBlock, viceBlock map[string]any) map[string]any {
	return map[string]any{
		"chargeBoxSN":   "SN123",
		"connectorMain": mainBlock,
		"connectorVice": viceBlock,
		"meterInfo":     map[string]any{"voltage": "231.10", "current": "8.02", "power": "1853.42"},
	}
}

// initializedState builds a fully reported charger.
func initializedState(t *testing.T) *scharge.State {
	t.Helper()
	state := scharge.NewState("SN123")
	connectorDevice := func(mini, max int) map[string]any {
		return map[string]any{
			"miniCurrent": mini, "maxCurrent": max,
			"connectorStatus": 0, "lockStatus": false, "PncStatus": true,
		}
	}
	applyFrame(t, state, "DeviceData", map[string]any{
		"chargeBoxSN": "SN123", "sVersion": "V2.1.7", "hVersion": "V1.0",
		"loadbalance": 10000, "chargeTimes": 41, "cumulativeTime": 7200000,
		"totalPower": 405, "rssi": -61,
		"evseType": "EU", "evsePhase": "threephase",
		"isHasLock": false, "isHasMeter": true, "connectorNumber": 2,
		"connectorMain": connectorDevice(6, 32),
		"connectorVice": connectorDevice(6, 16),
	})
	applyFrame(t, state, "SynchroStatus", synchroStatus(
		connectorStatus(true, "idle"), connectorStatus(false, "idle")))
	applyFrame(t, state, "SynchroData", synchroData(
		connectorTelemetry("0.00"), connectorTelemetry("0.00")))
	applyFrame(t, state, "NWireToDics", map[string]any{
		"chargeBoxSN": "SN123", "NWireExist": true, "NWireClosed": false,
	})
	return state
}

const discoveryTopic = "homeassistant/device/schargeSN123/config"

// startBridge runs a bridge over an initialized state and waits for the
// discovery document to go out.
func startBridge(t *testing.T, state *scharge.State, commander *fakeCommander) (*Bridge, *fakeMQTT) {
	t.Helper()
	broker := newFakeMQTT()
	b, err := New(Options{
		State:                state,
		Commander:            commander,
		MQTT:                 broker,
		Logger:               nopLogger{},
		AvailabilityInterval: 20 * time.Millisecond,
		InitPollInterval:     5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New(): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("bridge did not shut down")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := broker.last(discoveryTopic); ok {
			return b, broker
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bridge never published the discovery document")
	return nil, nil
}

func TestBridgePublishesAggregatedDiscovery(t *testing.T) {
	state := initializedState(t)
	commander := &fakeCommander{connected: true, startResult: true, stopResult: true}
	_, broker := startBridge(t, state, commander)

	raw, _ := broker.last(discoveryTopic)
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("discovery payload is not JSON: %v", err)
	}
	if !broker.wasRetained(discoveryTopic) {
		t.Error("discovery document was not retained")
	}

	cmps := doc["cmps"].(map[string]any)
	for _, key := range []string{
		"scharge_charging",
		"scharge_set_current",
		"scharge_connector_1_charge_current",
		"scharge_connector_1_charge_status",
		"scharge_connector_2_connected",
		"scharge_meter_voltage",
		"scharge_n_wire_present",
		"scharge_total_power",
		"scharge_rssi",
	} {
		if _, ok := cmps[key]; !ok {
			t.Errorf("cmps missing %q", key)
		}
	}

	// The number entity takes its bounds from the main connector.
	number := cmps["scharge_set_current"].(map[string]any)
	if number["min"] != 6.0 || number["max"] != 32.0 {
		t.Errorf("set_current bounds = (%v, %v), want (6, 32)", number["min"], number["max"])
	}

	dev := doc["dev"].(map[string]any)
	if dev["sn"] != "SN123" || dev["sw"] != "V2.1.7" {
		t.Errorf("dev block = %v", dev)
	}
}

func TestBridgeSubscribesToCommandTopics(t *testing.T) {
	state := initializedState(t)
	commander := &fakeCommander{connected: true}
	_, broker := startBridge(t, state, commander)

	for _, topic := range []string{
		"scharge/charging/set",
		"scharge/set_current/set",
		"homeassistant/status",
	} {
		if !broker.subscribed(topic) {
			t.Errorf("bridge is not subscribed to %q", topic)
		}
	}
}

func TestBridgeChargingCommands(t *testing.T) {
	state := initializedState(t)
	commander := &fakeCommander{connected: true, startResult: true, stopResult: true}
	_, broker := startBridge(t, state, commander)

	// ON before any target current is set must be refused.
	err := broker.deliver(t, "scharge/charging/set", "ON")
	if !errors.Is(err, ErrNoDesiredCurrent) {
		t.Errorf("ON without desired current: error = %v, want ErrNoDesiredCurrent", err)
	}
	if len(commander.starts) != 0 {
		t.Fatal("StartCharging called without a desired current")
	}

	if err := broker.deliver(t, "scharge/set_current/set", "16"); err != nil {
		t.Fatalf("setting current: %v", err)
	}
	if err := broker.deliver(t, "scharge/charging/set", "ON"); err != nil {
		t.Fatalf("switching on: %v", err)
	}
	if len(commander.starts) != 1 || commander.starts[0] != (startCall{16, 1}) {
		t.Errorf("starts = %v, want one call with 16 A on connector 1", commander.starts)
	}

	if err := broker.deliver(t, "scharge/charging/set", "OFF"); err != nil {
		t.Fatalf("switching off: %v", err)
	}
	if len(commander.stops) != 1 || commander.stops[0] != 1 {
		t.Errorf("stops = %v, want one call for connector 1", commander.stops)
	}

	// The switch state is republished after every command.
	if n := broker.count("scharge/charging/state"); n < 2 {
		t.Errorf("switch state published %d times, want at least one per command", n)
	}
}

func TestBridgeCommandFailurePropagates(t *testing.T) {
	state := initializedState(t)
	commander := &fakeCommander{connected: true, startResult: false}
	_, broker := startBridge(t, state, commander)

	broker.deliver(t, "scharge/set_current/set", "16")
	err := broker.deliver(t, "scharge/charging/set", "ON")
	if !errors.Is(err, ErrCommandRejected) {
		t.Errorf("failed start: error = %v, want ErrCommandRejected", err)
	}
}

func TestBridgeTargetsViceConnectorWhenOnlyItIsPlugged(t *testing.T) {
	state := initializedState(t)
	applyFrame(t, state, "SynchroStatus", synchroStatus(
		connectorStatus(false, "idle"), connectorStatus(true, "idle")))
	commander := &fakeCommander{connected: true, startResult: true}
	_, broker := startBridge(t, state, commander)

	broker.deliver(t, "scharge/set_current/set", "10")
	broker.deliver(t, "scharge/charging/set", "ON")
	if len(commander.starts) != 1 || commander.starts[0].connector != 2 {
		t.Errorf("starts = %v, want the vice connector", commander.starts)
	}
}

func TestBridgeMirrorsParameterChanges(t *testing.T) {
	state := initializedState(t)
	commander := &fakeCommander{connected: true}
	_, broker := startBridge(t, state, commander)

	before := broker.count("scharge/connector_1_charge_current/state")
	applyFrame(t, state, "SynchroStatus", synchroStatus(
		connectorStatus(true, "charging"), connectorStatus(false, "idle")))
	applyFrame(t, state, "SynchroData", synchroData(
		connectorTelemetry("15.80"), connectorTelemetry("0.00")))

	if broker.count("scharge/connector_1_charge_current/state") <= before {
		t.Error("current change was not mirrored to its state topic")
	}
	if got, _ := broker.last("scharge/connector_1_charge_current/state"); got != "15.8" {
		t.Errorf("mirrored current = %q, want 15.8", got)
	}
	if got, _ := broker.last("scharge/connector_1_charge_status/state"); got != "charging" {
		t.Errorf("mirrored charge status = %q, want charging", got)
	}
	// The derived charging switch follows.
	if got, _ := broker.last("scharge/charging/state"); got != "ON" {
		t.Errorf("switch state = %q, want ON", got)
	}
}

func TestBridgeAvailabilityLoop(t *testing.T) {
	state := initializedState(t)
	commander := &fakeCommander{connected: true}
	_, broker := startBridge(t, state, commander)

	topic := "scharge/charging/available"
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && broker.count(topic) < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	if broker.count(topic) < 3 {
		t.Fatal("availability was not refreshed periodically")
	}
	if got, _ := broker.last(topic); got != "online" {
		t.Errorf("availability = %q, want online", got)
	}

	// A dropped charger link flips availability to offline.
	commander.mu.Lock()
	commander.connected = false
	commander.mu.Unlock()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := broker.last(topic); got == "offline" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("availability never went offline after the link dropped")
}

func TestBridgeRepublishesOnPlatformRestart(t *testing.T) {
	state := initializedState(t)
	commander := &fakeCommander{connected: true}
	_, broker := startBridge(t, state, commander)

	before := broker.count(discoveryTopic)
	if err := broker.deliver(t, "homeassistant/status", "online"); err != nil {
		t.Fatalf("delivering platform status: %v", err)
	}
	if broker.count(discoveryTopic) != before+1 {
		t.Error("discovery was not republished after the platform came back")
	}

	// Death notices are ignored.
	broker.deliver(t, "homeassistant/status", "offline")
	if broker.count(discoveryTopic) != before+1 {
		t.Error("discovery republished on a platform offline notice")
	}
}

func TestDisplayName(t *testing.T) {
	if got := displayName("connector_1_charge_current"); got != "Connector 1 charge current" {
		t.Errorf("displayName() = %q", got)
	}
}
