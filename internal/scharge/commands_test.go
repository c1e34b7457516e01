package scharge

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ackAllAuthorizes confirms every Authorize the fake charger receives,
// forwarding each confirmed frame on the returned channel.
func ackAllAuthorizes(charger *fakeCharger) <-chan map[string]any {
	seen := make(chan map[string]any, 16)
	go func() {
		for env := range charger.frames {
			if env["action"] != ActionAuthorize {
				continue
			}
			if uid, ok := env["uniqueId"].(string); ok {
				charger.conn.WriteMessage(websocket.TextMessage, mustAck(uid))
			}
			seen <- env
		}
	}()
	return seen
}

func mustAck(uniqueID string) []byte {
	data, _ := (Ack{UniqueID: uniqueID, ChargeBoxSN: "SN123"}).Encode()
	return data
}

func countWithin(ch <-chan map[string]any, window time.Duration) int {
	n := 0
	deadline := time.After(window)
	for {
		select {
		case <-ch:
			n++
		case <-deadline:
			return n
		}
	}
}

// chargingState initializes the state with the main connector in the
// given charge status at the given measured current.
func chargingState(t *testing.T, status, current string) *State {
	t.Helper()
	state := NewState("SN123")
	initializeState(t, state)
	st := synchroStatusPayload("SN123")
	st["connectorMain"] = connectorStatusPayload(true, status)
	if err := state.Apply(decodeMsg(t, "10", ActionSynchroStatus, st)); err != nil {
		t.Fatalf("applying charge status: %v", err)
	}
	data := synchroDataPayload("SN123")
	data["connectorMain"] = connectorTelemetryPayload(current)
	if err := state.Apply(decodeMsg(t, "11", ActionSynchroData, data)); err != nil {
		t.Fatalf("applying telemetry: %v", err)
	}
	return state
}

func TestStartChargingConvergesImmediately(t *testing.T) {
	state := chargingState(t, ChargeStatusCharging, "15.80")
	s := newTestSession(t, state)
	runSession(t, s)
	charger := dialCharger(t, s)
	authorizes := ackAllAuthorizes(charger)

	if !s.StartCharging(context.Background(), 16, 1) {
		t.Error("StartCharging() = false although the measured current is within tolerance")
	}
	if n := countWithin(authorizes, 2*testTiming().RetryInterval); n != 1 {
		t.Errorf("charger received %d Authorize frames, want 1", n)
	}
}

func TestStartChargingRetriesThenFails(t *testing.T) {
	// The charger acks every command but the measured current never
	// moves; the command must give up after MaxRetries attempts.
	state := chargingState(t, ChargeStatusIdle, "0.00")
	s := newTestSession(t, state)
	runSession(t, s)
	charger := dialCharger(t, s)
	authorizes := ackAllAuthorizes(charger)

	if s.StartCharging(context.Background(), 16, 1) {
		t.Error("StartCharging() = true although the current never converged")
	}
	window := time.Duration(testTiming().MaxRetries+2) * testTiming().RetryInterval
	if n := countWithin(authorizes, window); n != testTiming().MaxRetries {
		t.Errorf("charger received %d Authorize frames, want %d", n, testTiming().MaxRetries)
	}
}

func TestStartChargingToleranceBoundary(t *testing.T) {
	// 15.0 A measured vs 16 A requested is exactly at the 1.0 A
	// tolerance and counts as converged.
	state := chargingState(t, ChargeStatusCharging, "15.00")
	s := newTestSession(t, state)
	runSession(t, s)
	charger := dialCharger(t, s)
	ackAllAuthorizes(charger)

	if !s.StartCharging(context.Background(), 16, 1) {
		t.Error("StartCharging() = false at the tolerance boundary")
	}
}

func TestStartChargingWithoutInitializedState(t *testing.T) {
	state := NewState("SN123")
	s := newTestSession(t, state)
	runSession(t, s)
	charger := dialCharger(t, s)

	start := time.Now()
	if s.StartCharging(context.Background(), 16, 1) {
		t.Error("StartCharging() = true without any current reading")
	}
	minWait := time.Duration(testTiming().InitWaitRetries) * testTiming().InitWaitInterval
	if elapsed := time.Since(start); elapsed < minWait {
		t.Errorf("StartCharging() gave up after %v, want at least %v of init polling", elapsed, minWait)
	}
	charger.awaitNone(actionIs(ActionAuthorize), 100*time.Millisecond)
}

func TestStartChargingInvalidConnector(t *testing.T) {
	state := chargingState(t, ChargeStatusIdle, "0.00")
	s := newTestSession(t, state)
	runSession(t, s)
	dialCharger(t, s)

	if s.StartCharging(context.Background(), 16, 7) {
		t.Error("StartCharging() accepted connector 7")
	}
}

func TestStopChargingConvergesOnFinish(t *testing.T) {
	state := chargingState(t, ChargeStatusCharging, "16.00")
	s := newTestSession(t, state)
	runSession(t, s)
	charger := dialCharger(t, s)

	done := make(chan bool, 1)
	go func() { done <- s.StopCharging(context.Background(), 1) }()

	env := charger.await(actionIs(ActionAuthorize), 2*time.Second)
	payload := env["payload"].(map[string]any)
	if payload["purpose"] != "Stop" {
		t.Errorf("purpose = %v, want Stop", payload["purpose"])
	}
	// The stop command carries the connector's minimal current.
	if payload["current"] != float64(6) {
		t.Errorf("current = %v, want the minimal current 6", payload["current"])
	}

	// Report the session finished before confirming; the pump processes
	// frames in order, so the convergence check sees the new status.
	finished := synchroStatusPayload("SN123")
	finished["connectorMain"] = connectorStatusPayload(true, ChargeStatusFinish)
	charger.send(MessageTypeAction, "20", ActionSynchroStatus, finished)
	charger.sendAck(env["uniqueId"].(string), true)

	select {
	case ok := <-done:
		if !ok {
			t.Error("StopCharging() = false although the charger reported finish")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StopCharging() never returned")
	}
}

func TestStopChargingRetriesThenFails(t *testing.T) {
	state := chargingState(t, ChargeStatusCharging, "16.00")
	s := newTestSession(t, state)
	runSession(t, s)
	charger := dialCharger(t, s)
	authorizes := ackAllAuthorizes(charger)

	if s.StopCharging(context.Background(), 1) {
		t.Error("StopCharging() = true although the charger kept charging")
	}
	window := time.Duration(testTiming().MaxRetries+2) * testTiming().RetryInterval
	if n := countWithin(authorizes, window); n != testTiming().MaxRetries {
		t.Errorf("charger received %d Authorize frames, want %d", n, testTiming().MaxRetries)
	}
}
