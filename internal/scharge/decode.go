package scharge

import (
	"encoding/json"
	"fmt"
)

// Inbound action names.
const (
	ActionDeviceData    = "DeviceData"
	ActionSynchroStatus = "SynchroStatus"
	ActionSynchroData   = "SynchroData"
	ActionNWireToDics   = "NWireToDics"
)

// Kind is the wire-level type expected for a payload field.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindBool
	KindString
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// fieldSpec describes one payload field: its wire kind and, for
// objects, the nested schema.
type fieldSpec struct {
	kind   Kind
	fields schema
}

func field(k Kind) fieldSpec         { return fieldSpec{kind: k} }
func object(fields schema) fieldSpec { return fieldSpec{kind: KindObject, fields: fields} }

// schema maps payload keys to their expected shape. Validation requires
// every schema key to be present with the right kind; keys the schema
// does not mention are ignored, so firmware additions do not break
// decoding.
type schema map[string]fieldSpec

// connectorDevice covers the per-connector block of a DeviceData
// payload. PncStatus keeps the firmware's odd capitalization.
var connectorDevice = schema{
	"miniCurrent":     field(KindInt),
	"maxCurrent":      field(KindInt),
	"connectorStatus": field(KindInt),
	"lockStatus":      field(KindBool),
	"PncStatus":       field(KindBool),
}

// connectorStatus covers the per-connector block of a SynchroStatus payload.
var connectorStatus = schema{
	"connectionStatus": field(KindBool),
	"chargeStatus":     field(KindString),
	"statusCode":       field(KindInt),
	"startTime":        field(KindString),
	"endTime":          field(KindString),
	"reserveCurrent":   field(KindInt),
}

// connectorTelemetry covers the per-connector block of a SynchroData
// payload. The firmware sends every reading as a string, including the
// numeric ones ("405.92") and the charging duration ("0:9:1").
var connectorTelemetry = schema{
	"voltage":      field(KindString),
	"current":      field(KindString),
	"power":        field(KindString),
	"electricWork": field(KindString),
	"chargingTime": field(KindString),
}

var meterTelemetry = schema{
	"voltage": field(KindString),
	"current": field(KindString),
	"power":   field(KindString),
}

// actionSchemas holds the expected payload shape per inbound action.
// Key spelling follows the firmware, inconsistencies included
// (loadbalance, isHasLock, NWireExist).
var actionSchemas = map[string]schema{
	ActionDeviceData: {
		"chargeBoxSN":     field(KindString),
		"sVersion":        field(KindString),
		"hVersion":        field(KindString),
		"loadbalance":     field(KindInt),
		"chargeTimes":     field(KindInt),
		"cumulativeTime":  field(KindInt),
		"totalPower":      field(KindInt),
		"rssi":            field(KindInt),
		"evseType":        field(KindString),
		"evsePhase":       field(KindString),
		"isHasLock":       field(KindBool),
		"isHasMeter":      field(KindBool),
		"connectorNumber": field(KindInt),
		"connectorMain":   object(connectorDevice),
		"connectorVice":   object(connectorDevice),
	},
	ActionSynchroStatus: {
		"chargeBoxSN":   field(KindString),
		"connectorMain": object(connectorStatus),
		"connectorVice": object(connectorStatus),
	},
	ActionSynchroData: {
		"chargeBoxSN":   field(KindString),
		"connectorMain": object(connectorTelemetry),
		"connectorVice": object(connectorTelemetry),
		"meterInfo":     object(meterTelemetry),
	},
	ActionNWireToDics: {
		"chargeBoxSN": field(KindString),
		"NWireExist":  field(KindBool),
		"NWireClosed": field(KindBool),
	},
}

// Message is a schema-validated inbound action message. Payload access
// is safe for every key the action's schema names.
type Message struct {
	Action   string
	UniqueID string
	payload  map[string]any
}

// ChargeBoxSN returns the charger serial carried in the payload.
func (m *Message) ChargeBoxSN() string {
	sn, _ := m.payload["chargeBoxSN"].(string)
	return sn
}

// Fields returns the top-level payload map.
func (m *Message) Fields() map[string]any {
	return m.payload
}

// Object returns a nested payload object, or nil if the key is not an
// object.
func (m *Message) Object(key string) map[string]any {
	obj, _ := m.payload[key].(map[string]any)
	return obj
}

// Confirmation is the inbound view of an Ack envelope.
type Confirmation struct {
	UniqueID    string
	ChargeBoxSN string
	Result      bool
}

// Frame is one decoded WebSocket frame. Exactly one of Ack and Msg is
// set for well-formed traffic; both are nil for an action message whose
// action is unknown (forward compatibility: the envelope still carries
// the uniqueId and serial needed to acknowledge it).
type Frame struct {
	TypeID   string
	UniqueID string
	Serial   string
	Ack      *Confirmation
	Msg      *Message
}

// rawEnvelope is the inbound wire shape before validation.
type rawEnvelope struct {
	MessageTypeID *string        `json:"messageTypeId"`
	UniqueID      string         `json:"uniqueId"`
	Action        string         `json:"action"`
	Payload       map[string]any `json:"payload"`
}

// Decode parses and validates one inbound frame.
//
// Malformed JSON, a missing messageTypeId, an unsupported type id, or a
// payload violating the action's schema all return an error; the caller
// drops the frame. An unknown action on a valid envelope is not an
// error: the returned Frame has Msg == nil so the session can still
// acknowledge it without applying it.
func Decode(data []byte) (*Frame, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if raw.MessageTypeID == nil {
		return nil, fmt.Errorf("decode frame: %w", ErrMissingTypeID)
	}

	frame := &Frame{
		TypeID:   *raw.MessageTypeID,
		UniqueID: raw.UniqueID,
	}
	if sn, ok := raw.Payload["chargeBoxSN"].(string); ok {
		frame.Serial = sn
	}

	switch *raw.MessageTypeID {
	case MessageTypeAck:
		result, _ := raw.Payload["result"].(bool)
		frame.Ack = &Confirmation{
			UniqueID:    raw.UniqueID,
			ChargeBoxSN: frame.Serial,
			Result:      result,
		}
		return frame, nil

	case MessageTypeAction:
		spec, known := actionSchemas[raw.Action]
		if !known {
			return frame, nil
		}
		if err := validate(raw.Action, "", spec, raw.Payload); err != nil {
			return nil, err
		}
		frame.Msg = &Message{
			Action:   raw.Action,
			UniqueID: raw.UniqueID,
			payload:  raw.Payload,
		}
		return frame, nil

	default:
		return nil, fmt.Errorf("decode frame: %w: %q", ErrUnknownTypeID, *raw.MessageTypeID)
	}
}

// validate checks payload against spec, recursing into object fields.
// prefix carries the dotted path to the current object for error
// reporting.
func validate(action, prefix string, spec schema, payload map[string]any) error {
	for key, fs := range spec {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		raw, ok := payload[key]
		if !ok {
			return &SchemaError{Action: action, Key: path, Want: fs.kind, Missing: true}
		}
		switch fs.kind {
		case KindInt:
			// JSON numbers arrive as float64; an int is one with no
			// fractional part.
			n, ok := raw.(float64)
			if !ok || n != float64(int64(n)) {
				return &SchemaError{Action: action, Key: path, Want: fs.kind, Got: raw}
			}
		case KindFloat:
			if _, ok := raw.(float64); !ok {
				return &SchemaError{Action: action, Key: path, Want: fs.kind, Got: raw}
			}
		case KindBool:
			if _, ok := raw.(bool); !ok {
				return &SchemaError{Action: action, Key: path, Want: fs.kind, Got: raw}
			}
		case KindString:
			if _, ok := raw.(string); !ok {
				return &SchemaError{Action: action, Key: path, Want: fs.kind, Got: raw}
			}
		case KindObject:
			obj, ok := raw.(map[string]any)
			if !ok {
				return &SchemaError{Action: action, Key: path, Want: fs.kind, Got: raw}
			}
			if err := validate(action, path, fs.fields, obj); err != nil {
				return err
			}
		}
	}
	return nil
}
