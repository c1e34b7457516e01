package scharge

import (
	"fmt"
	"strconv"
	"sync"
)

// ValueKind is the in-memory type a parameter's value is coerced to.
type ValueKind int

const (
	ValueInt ValueKind = iota
	ValueFloat
	ValueBool
	ValueString
)

func (k ValueKind) String() string {
	switch k {
	case ValueInt:
		return "int"
	case ValueFloat:
		return "float"
	case ValueBool:
		return "bool"
	case ValueString:
		return "string"
	default:
		return fmt.Sprintf("ValueKind(%d)", int(k))
	}
}

// ParamSpec declares one charger parameter: where it comes from on the
// wire and how it surfaces to consumers.
type ParamSpec struct {
	// Name is the human-readable label used in formatted dumps.
	Name string

	// Entity is the MQTT entity name fragment; entity topics derive
	// from it. Empty for parameters that never surface individually.
	Entity string

	// Kind is the coerced value type.
	Kind ValueKind

	// Action and Key locate the value in inbound payloads. Key is
	// looked up in the payload block the owner passes to Update.
	Action string
	Key    string

	// Unit is the measurement unit, if any.
	Unit string

	// DeviceClass tags the parameter for automatic sensor creation by
	// the MQTT bridge. Empty means no automatic entity.
	DeviceClass string

	// Transform, when set, post-processes the coerced value. It may
	// change the value's type (the cumulative time parameter turns
	// milliseconds into fractional hours).
	Transform func(v any) any
}

// Param is one charger parameter. A parameter is unset until the first
// matching payload arrives; values are updated by the session goroutine
// and read from MQTT handler goroutines, so access is synchronized.
type Param struct {
	spec ParamSpec

	mu       sync.RWMutex
	value    any
	onChange func()
}

// NewParam creates a parameter with no value.
func NewParam(spec ParamSpec) *Param {
	return &Param{spec: spec}
}

func (p *Param) Name() string        { return p.spec.Name }
func (p *Param) Entity() string      { return p.spec.Entity }
func (p *Param) Kind() ValueKind     { return p.spec.Kind }
func (p *Param) Unit() string        { return p.spec.Unit }
func (p *Param) DeviceClass() string { return p.spec.DeviceClass }

// SetOnChange installs a callback invoked synchronously after the value
// changes. Install before the session starts, or accept missing a
// concurrent update.
func (p *Param) SetOnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Initialized reports whether a value has been received.
func (p *Param) Initialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value != nil
}

// Value returns the current value, or nil if unset.
func (p *Param) Value() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// Float returns the value as a float64. Int values convert; the second
// return is false when unset or not numeric.
func (p *Param) Float() (float64, bool) {
	switch v := p.Value().(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// Int returns the value as an int; false when unset or not an int.
func (p *Param) Int() (int, bool) {
	v, ok := p.Value().(int)
	return v, ok
}

// Bool returns the value as a bool; false when unset or not a bool.
func (p *Param) Bool() (bool, bool) {
	v, ok := p.Value().(bool)
	return v, ok
}

// StateString renders the value for an MQTT state topic. Unset renders
// as the empty string.
func (p *Param) StateString() string {
	switch v := p.Value().(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "ON"
		}
		return "OFF"
	default:
		return fmt.Sprint(v)
	}
}

// Format renders "name: value unit" with the name column padded to
// width, for multi-line state dumps.
func (p *Param) Format(width int) string {
	value := p.Value()
	if value == nil {
		value = "?"
	}
	suffix := ""
	if p.spec.Unit != "" {
		suffix = " " + p.spec.Unit
	}
	return fmt.Sprintf("%-*s%v%s", width, p.spec.Name+":", value, suffix)
}

// Update applies the matching field from data, which is the payload
// block this parameter reads from (top level or a nested connector or
// meter object). Messages for other actions are ignored. The onChange
// callback fires after the value changes.
func (p *Param) Update(msg *Message, data map[string]any) error {
	if msg.Action != p.spec.Action {
		return nil
	}
	raw, ok := data[p.spec.Key]
	if !ok {
		return fmt.Errorf("param %s: key %q missing from %s payload", p.spec.Name, p.spec.Key, msg.Action)
	}
	value, err := coerce(p.spec.Kind, raw)
	if err != nil {
		return fmt.Errorf("param %s: %w", p.spec.Name, err)
	}
	if p.spec.Transform != nil {
		value = p.spec.Transform(value)
	}

	p.mu.Lock()
	changed := p.value == nil || p.value != value
	p.value = value
	fn := p.onChange
	p.mu.Unlock()

	if changed && fn != nil {
		fn()
	}
	return nil
}

// coerce converts a decoded JSON value to the parameter's kind. The
// charger sends SynchroData numerics as decimal strings, so numeric
// kinds accept strings too.
func coerce(kind ValueKind, raw any) (any, error) {
	switch kind {
	case ValueInt:
		switch v := raw.(type) {
		case float64:
			return int(v), nil
		case string:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as int", v)
			}
			return n, nil
		}
	case ValueFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as float", v)
			}
			return f, nil
		}
	case ValueBool:
		if v, ok := raw.(bool); ok {
			return v, nil
		}
	case ValueString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T (%v) to %s", raw, raw, kind)
}
