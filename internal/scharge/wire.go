package scharge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Envelope message type identifiers.
const (
	// MessageTypeAction carries an action-bearing request or event.
	MessageTypeAction = "5"

	// MessageTypeAck acknowledges a previously received action message.
	MessageTypeAck = "6"
)

// Outbound action names.
const (
	ActionUDPHandShake = "UDPHandShake"
	ActionHandShake    = "HandShake"
	ActionAuthorize    = "Authorize"
)

// Authorize purposes.
const (
	PurposeStart = "Start"
	PurposeStop  = "Stop"
)

// udpHandshakeLabel identifies the sender role in UDPHandShake payloads.
const udpHandshakeLabel = "APP"

// envelope is the common outbound wire shape. Marshalled with the
// standard library encoder, which emits compact JSON (no inter-token
// whitespace), matching what the charger firmware parses.
type envelope struct {
	MessageTypeID string `json:"messageTypeId"`
	UniqueID      string `json:"uniqueId"`
	Action        string `json:"action,omitempty"`
	Payload       any    `json:"payload"`
}

// UniqueID renders a timestamp as a wire uniqueId: the millisecond unix
// timestamp as a decimal string.
func UniqueID(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// UDPHandShake invites the charger to dial into the given WebSocket
// endpoint. It is broadcast on the local /24 subnet; the Deadline is
// both the advertised validity limit and the envelope uniqueId.
type UDPHandShake struct {
	Deadline    time.Time
	ChargeBoxSN string
	IPAddress   string
	Port        int
}

// Encode renders the message as a wire frame.
func (m UDPHandShake) Encode() ([]byte, error) {
	return json.Marshal(envelope{
		MessageTypeID: MessageTypeAction,
		UniqueID:      UniqueID(m.Deadline),
		Action:        ActionUDPHandShake,
		Payload: struct {
			Label       string `json:"label"`
			ChargeBoxSN string `json:"chargeBoxSN"`
			IPAddress   string `json:"iPAddress"`
		}{
			Label:       udpHandshakeLabel,
			ChargeBoxSN: m.ChargeBoxSN,
			IPAddress:   fmt.Sprintf("%s:%d", m.IPAddress, m.Port),
		},
	})
}

// HandShake is the periodic WebSocket keep-alive.
type HandShake struct {
	Time          time.Time
	UserID        int
	ChargeBoxSN   string
	ConnectionKey string
}

// Encode renders the message as a wire frame.
//
// currentTime is local civil time with a trailing "Z". The marker is
// wrong for local time, but it is what the charger firmware has been
// observed to accept; do not change it to true UTC without verifying
// against the device.
func (m HandShake) Encode() ([]byte, error) {
	return json.Marshal(envelope{
		MessageTypeID: MessageTypeAction,
		UniqueID:      UniqueID(m.Time),
		Action:        ActionHandShake,
		Payload: struct {
			UserID        int    `json:"userId"`
			ChargeBoxSN   string `json:"chargeBoxSN"`
			CurrentTime   string `json:"currentTime"`
			ConnectionKey string `json:"connectionKey"`
		}{
			UserID:        m.UserID,
			ChargeBoxSN:   m.ChargeBoxSN,
			CurrentTime:   m.Time.Local().Format("2006-01-02T15:04:05") + "Z",
			ConnectionKey: m.ConnectionKey,
		},
	})
}

// Authorize carries start/stop intent and the target current for one
// connector. The charger confirms it with an Ack matched by uniqueId.
type Authorize struct {
	Time        time.Time
	UserID      int
	ChargeBoxSN string
	Purpose     string
	Current     int
	ConnectorID int
}

// Encode renders the message as a wire frame.
//
// chargeBoxSN is stringified while current and connectorId stay numeric;
// the charger rejects the envelope otherwise.
func (m Authorize) Encode() ([]byte, error) {
	return json.Marshal(envelope{
		MessageTypeID: MessageTypeAction,
		UniqueID:      UniqueID(m.Time),
		Action:        ActionAuthorize,
		Payload: struct {
			UserID      int    `json:"userId"`
			ChargeBoxSN string `json:"chargeBoxSN"`
			Purpose     string `json:"purpose"`
			Current     int    `json:"current"`
			ConnectorID int    `json:"connectorId"`
		}{
			UserID:      m.UserID,
			ChargeBoxSN: m.ChargeBoxSN,
			Purpose:     m.Purpose,
			Current:     m.Current,
			ConnectorID: m.ConnectorID,
		},
	})
}

// Ack acknowledges an inbound action message, echoing its uniqueId.
type Ack struct {
	UniqueID    string
	ChargeBoxSN string
}

// Encode renders the message as a wire frame.
func (m Ack) Encode() ([]byte, error) {
	return json.Marshal(envelope{
		MessageTypeID: MessageTypeAck,
		UniqueID:      m.UniqueID,
		Payload: struct {
			ChargeBoxSN string `json:"chargeBoxSN"`
		}{
			ChargeBoxSN: m.ChargeBoxSN,
		},
	})
}
