package scharge

import (
	"fmt"
	"strings"
	"sync"
)

// formatWidth is the name column width in formatted state dumps.
const formatWidth = 20

// Charge status values reported by the charger on each connector.
const (
	ChargeStatusIdle     = "idle"
	ChargeStatusWait     = "wait"
	ChargeStatusCharging = "charging"
	ChargeStatusFinish   = "finish"
)

// ChargeStatusValues lists the charge statuses the firmware reports, in
// lifecycle order.
var ChargeStatusValues = []string{
	ChargeStatusIdle,
	ChargeStatusWait,
	ChargeStatusCharging,
	ChargeStatusFinish,
}

// Connector models one charging connector. The charger always reports
// two: the main connector and the vice connector.
type Connector struct {
	key       string
	humanName string
	id        int

	// DeviceData
	MiniCurrent     *Param
	MaxCurrent      *Param
	ConnectorStatus *Param
	LockStatus      *Param
	PncStatus       *Param

	// SynchroStatus
	ConnectionStatus *Param
	ChargeStatus     *Param
	StatusCode       *Param
	StartTime        *Param
	EndTime          *Param
	ReserveCurrent   *Param

	// SynchroData
	Voltage      *Param
	Current      *Param
	Power        *Param
	ElectricWork *Param
	ChargingTime *Param

	params []*Param
}

func newConnector(key, humanName string, id int) *Connector {
	c := &Connector{key: key, humanName: humanName, id: id}
	ent := func(frag string) string {
		return fmt.Sprintf("connector_%d_%s", id, frag)
	}

	c.MiniCurrent = NewParam(ParamSpec{
		Name: "minimal current", Entity: ent("minimal_current"), Kind: ValueInt,
		Action: ActionDeviceData, Key: "miniCurrent", Unit: "A", DeviceClass: "current",
	})
	c.MaxCurrent = NewParam(ParamSpec{
		Name: "maximal current", Entity: ent("maximal_current"), Kind: ValueInt,
		Action: ActionDeviceData, Key: "maxCurrent", Unit: "A", DeviceClass: "current",
	})

	c.ConnectorStatus = NewParam(ParamSpec{
		Name: "connector status", Entity: ent("connector_status"), Kind: ValueInt,
		Action: ActionDeviceData, Key: "connectorStatus",
	})
	c.LockStatus = NewParam(ParamSpec{
		Name: "lock status", Entity: ent("lock_status"), Kind: ValueBool,
		Action: ActionDeviceData, Key: "lockStatus",
	})
	c.PncStatus = NewParam(ParamSpec{
		Name: "PnC status", Entity: ent("pnc_status"), Kind: ValueBool,
		Action: ActionDeviceData, Key: "PncStatus",
	})

	c.ConnectionStatus = NewParam(ParamSpec{
		Name: "connected", Entity: ent("connected"), Kind: ValueBool,
		Action: ActionSynchroStatus, Key: "connectionStatus",
	})
	c.ChargeStatus = NewParam(ParamSpec{
		Name: "charge status", Entity: ent("charge_status"), Kind: ValueString,
		Action: ActionSynchroStatus, Key: "chargeStatus",
	})
	c.StatusCode = NewParam(ParamSpec{
		Name: "status code", Entity: ent("status_code"), Kind: ValueInt,
		Action: ActionSynchroStatus, Key: "statusCode",
	})
	c.StartTime = NewParam(ParamSpec{
		Name: "start time", Entity: ent("start_time"), Kind: ValueString,
		Action: ActionSynchroStatus, Key: "startTime",
	})
	c.EndTime = NewParam(ParamSpec{
		Name: "end time", Entity: ent("end_time"), Kind: ValueString,
		Action: ActionSynchroStatus, Key: "endTime",
	})
	c.ReserveCurrent = NewParam(ParamSpec{
		Name: "reserve current", Entity: ent("reserve_current"), Kind: ValueInt,
		Action: ActionSynchroStatus, Key: "reserveCurrent", Unit: "A", DeviceClass: "current",
	})
	c.Voltage = NewParam(ParamSpec{
		Name: "voltage", Entity: ent("voltage"), Kind: ValueFloat,
		Action: ActionSynchroData, Key: "voltage", Unit: "V", DeviceClass: "voltage",
	})
	c.Current = NewParam(ParamSpec{
		Name: "charge current", Entity: ent("charge_current"), Kind: ValueFloat,
		Action: ActionSynchroData, Key: "current", Unit: "A", DeviceClass: "current",
	})
	c.Power = NewParam(ParamSpec{
		Name: "power", Entity: ent("power"), Kind: ValueFloat,
		Action: ActionSynchroData, Key: "power", Unit: "kW", DeviceClass: "power",
	})
	c.ElectricWork = NewParam(ParamSpec{
		Name: "energy", Entity: ent("energy"), Kind: ValueFloat,
		Action: ActionSynchroData, Key: "electricWork", Unit: "kWh", DeviceClass: "energy",
	})
	// Reported as a clock string like "0:9:1".
	c.ChargingTime = NewParam(ParamSpec{
		Name: "charging time", Entity: ent("charging_time"), Kind: ValueString,
		Action: ActionSynchroData, Key: "chargingTime",
	})

	c.params = []*Param{
		c.MiniCurrent, c.MaxCurrent,
		c.ConnectorStatus, c.LockStatus, c.PncStatus,
		c.ConnectionStatus, c.ChargeStatus, c.StatusCode,
		c.StartTime, c.EndTime, c.ReserveCurrent,
		c.Voltage, c.Current, c.Power, c.ElectricWork, c.ChargingTime,
	}
	return c
}

// ID returns the external 1-based connector ID.
func (c *Connector) ID() int { return c.id }

// HumanName returns the display label (C1, C2).
func (c *Connector) HumanName() string { return c.humanName }

// Params returns all parameters of this connector.
func (c *Connector) Params() []*Param { return c.params }

func (c *Connector) update(msg *Message) error {
	data := msg.Object(c.key)
	if data == nil {
		return nil
	}
	var errs []error
	for _, p := range c.params {
		if err := p.Update(msg, data); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}

// Initialized reports whether every parameter has a value.
func (c *Connector) Initialized() bool {
	for _, p := range c.params {
		if !p.Initialized() {
			return false
		}
	}
	return true
}

// IsConnected reports whether a vehicle is plugged into this connector.
func (c *Connector) IsConnected() bool {
	v, _ := c.ConnectionStatus.Bool()
	return v
}

// IsCharging reports whether this connector is delivering or about to
// deliver power ("charging" or "wait").
func (c *Connector) IsCharging() bool {
	s, _ := c.ChargeStatus.Value().(string)
	return s == ChargeStatusCharging || s == ChargeStatusWait
}

func (c *Connector) format(sb *strings.Builder) {
	fmt.Fprintf(sb, "%s:\n", c.humanName)
	for _, p := range c.params {
		fmt.Fprintf(sb, "  %s\n", p.Format(formatWidth))
	}
}

// MeterInfo models the charger's built-in energy meter.
type MeterInfo struct {
	Voltage *Param
	Current *Param
	Power   *Param

	params []*Param
}

func newMeterInfo() *MeterInfo {
	m := &MeterInfo{}
	m.Voltage = NewParam(ParamSpec{
		Name: "meter voltage", Entity: "meter_voltage", Kind: ValueFloat,
		Action: ActionSynchroData, Key: "voltage", Unit: "V", DeviceClass: "voltage",
	})
	m.Current = NewParam(ParamSpec{
		Name: "meter current", Entity: "meter_current", Kind: ValueFloat,
		Action: ActionSynchroData, Key: "current", Unit: "A", DeviceClass: "current",
	})
	m.Power = NewParam(ParamSpec{
		Name: "meter power", Entity: "meter_power", Kind: ValueFloat,
		Action: ActionSynchroData, Key: "power", Unit: "kW", DeviceClass: "power",
	})
	m.params = []*Param{m.Voltage, m.Current, m.Power}
	return m
}

// Params returns all meter parameters.
func (m *MeterInfo) Params() []*Param { return m.params }

func (m *MeterInfo) update(msg *Message) error {
	data := msg.Object("meterInfo")
	if data == nil {
		return nil
	}
	var errs []error
	for _, p := range m.params {
		if err := p.Update(msg, data); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}

// State is the in-memory model of one charger, keyed by its serial.
// Apply is the single writer (the session pump); queries may run from
// any goroutine.
type State struct {
	serial string

	mu sync.Mutex

	ConnectorMain *Connector
	ConnectorVice *Connector
	connectors    []*Connector
	Meter         *MeterInfo

	// DeviceData
	SVersion        *Param
	HVersion        *Param
	EVSEType        *Param
	EVSEPhase       *Param
	LoadBalance     *Param
	HasLock         *Param
	HasMeter        *Param
	ConnectorNumber *Param
	RSSI            *Param
	ChargeTimes     *Param
	CumulativeTime  *Param
	TotalPower      *Param

	// NWireToDics
	NWireExist  *Param
	NWireClosed *Param

	deviceParams []*Param
	onUpdate     []func()
}

// NewState creates the state model for the charger with the given
// serial. Messages for any other serial are rejected by Apply.
func NewState(serial string) *State {
	s := &State{serial: serial}

	s.ConnectorMain = newConnector("connectorMain", "C1", 1)
	s.ConnectorVice = newConnector("connectorVice", "C2", 2)
	s.connectors = []*Connector{s.ConnectorMain, s.ConnectorVice}
	s.Meter = newMeterInfo()

	s.SVersion = NewParam(ParamSpec{
		Name: "software version", Entity: "software_version", Kind: ValueString,
		Action: ActionDeviceData, Key: "sVersion",
	})
	s.HVersion = NewParam(ParamSpec{
		Name: "hardware version", Entity: "hardware_version", Kind: ValueString,
		Action: ActionDeviceData, Key: "hVersion",
	})
	s.EVSEType = NewParam(ParamSpec{
		Name: "EVSE type", Entity: "evse_type", Kind: ValueString,
		Action: ActionDeviceData, Key: "evseType",
	})
	s.EVSEPhase = NewParam(ParamSpec{
		Name: "EVSE phase", Entity: "evse_phase", Kind: ValueString,
		Action: ActionDeviceData, Key: "evsePhase",
	})
	s.LoadBalance = NewParam(ParamSpec{
		Name: "load balance", Entity: "load_balance", Kind: ValueInt,
		Action: ActionDeviceData, Key: "loadbalance",
	})
	s.HasLock = NewParam(ParamSpec{
		Name: "has lock", Entity: "has_lock", Kind: ValueBool,
		Action: ActionDeviceData, Key: "isHasLock",
	})
	s.HasMeter = NewParam(ParamSpec{
		Name: "has meter", Entity: "has_meter", Kind: ValueBool,
		Action: ActionDeviceData, Key: "isHasMeter",
	})
	s.ConnectorNumber = NewParam(ParamSpec{
		Name: "connector count", Entity: "connector_count", Kind: ValueInt,
		Action: ActionDeviceData, Key: "connectorNumber",
	})
	s.RSSI = NewParam(ParamSpec{
		Name: "RSSI", Entity: "rssi", Kind: ValueInt,
		Action: ActionDeviceData, Key: "rssi", Unit: "dB",
	})
	s.ChargeTimes = NewParam(ParamSpec{
		Name: "charge sessions", Entity: "charge_sessions", Kind: ValueInt,
		Action: ActionDeviceData, Key: "chargeTimes",
	})
	// The charger reports cumulative charging time in milliseconds;
	// hours are the useful unit.
	s.CumulativeTime = NewParam(ParamSpec{
		Name: "cumulative time", Entity: "cumulative_time", Kind: ValueInt,
		Action: ActionDeviceData, Key: "cumulativeTime", Unit: "h",
		Transform: func(v any) any { return float64(v.(int)) / 3.6e6 },
	})
	s.TotalPower = NewParam(ParamSpec{
		Name: "total power", Entity: "total_power", Kind: ValueInt,
		Action: ActionDeviceData, Key: "totalPower",
	})

	s.NWireExist = NewParam(ParamSpec{
		Name: "N wire present", Entity: "n_wire_present", Kind: ValueBool,
		Action: ActionNWireToDics, Key: "NWireExist",
	})
	s.NWireClosed = NewParam(ParamSpec{
		Name: "N wire closed", Entity: "n_wire_closed", Kind: ValueBool,
		Action: ActionNWireToDics, Key: "NWireClosed",
	})

	s.deviceParams = []*Param{
		s.SVersion, s.HVersion, s.EVSEType, s.EVSEPhase, s.LoadBalance,
		s.HasLock, s.HasMeter, s.ConnectorNumber,
		s.RSSI,
		s.ChargeTimes, s.CumulativeTime, s.TotalPower,
		s.NWireExist, s.NWireClosed,
	}
	return s
}

// Serial returns the configured charger serial.
func (s *State) Serial() string { return s.serial }

// Connectors returns the charger's connectors in ID order.
func (s *State) Connectors() []*Connector { return s.connectors }

// Connector returns the connector with the given 1-based ID.
func (s *State) Connector(id int) (*Connector, error) {
	if id < 1 || id > len(s.connectors) {
		return nil, fmt.Errorf("%w: %d (expected within range of [1, %d])",
			ErrInvalidConnector, id, len(s.connectors))
	}
	return s.connectors[id-1], nil
}

// RegisterOnUpdate installs a callback invoked after every applied
// message. Register before the session starts.
func (s *State) RegisterOnUpdate(fn func()) {
	s.mu.Lock()
	s.onUpdate = append(s.onUpdate, fn)
	s.mu.Unlock()
}

// Apply folds one inbound message into the state. Messages for a
// different serial return ErrForeignSerial and change nothing. Update
// callbacks run synchronously before Apply returns.
func (s *State) Apply(msg *Message) error {
	if msg.ChargeBoxSN() != s.serial {
		return fmt.Errorf("%w: got %q, want %q", ErrForeignSerial, msg.ChargeBoxSN(), s.serial)
	}

	s.mu.Lock()
	var errs []error
	for _, p := range s.deviceParams {
		if err := p.Update(msg, msg.Fields()); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range s.connectors {
		if err := c.update(msg); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Meter.update(msg); err != nil {
		errs = append(errs, err)
	}
	callbacks := s.onUpdate
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return joinErrors(errs)
}

// Initialized reports whether every parameter of the charger has been
// reported at least once. Commands are refused until this holds.
func (s *State) Initialized() bool {
	for _, p := range s.Params() {
		if !p.Initialized() {
			return false
		}
	}
	return true
}

// IsCharging reports whether any connector is charging.
func (s *State) IsCharging() bool {
	for _, c := range s.connectors {
		if c.IsCharging() {
			return true
		}
	}
	return false
}

// GetCurrent returns the measured charge current of the given
// connector. ID 0 selects automatically: the first connector that is
// charging, or the main one when none is.
func (s *State) GetCurrent(id int) (float64, error) {
	var c *Connector
	if id == 0 {
		c = s.ConnectorMain
		for _, cand := range s.connectors {
			if cand.IsCharging() {
				c = cand
				break
			}
		}
	} else {
		var err error
		if c, err = s.Connector(id); err != nil {
			return 0, err
		}
	}
	v, ok := c.Current.Float()
	if !ok {
		return 0, fmt.Errorf("%w: no current reading for connector %d", ErrNotInitialized, c.id)
	}
	return v, nil
}

// PreferredConnector picks the connector a command without an explicit
// ID targets: the main connector, unless only the vice one is in use.
func (s *State) PreferredConnector() *Connector {
	if !s.ConnectorMain.IsConnected() && s.ConnectorVice.IsConnected() {
		return s.ConnectorVice
	}
	return s.ConnectorMain
}

// Params returns every parameter of the charger: device-level first,
// then per-connector, then meter.
func (s *State) Params() []*Param {
	all := make([]*Param, 0, len(s.deviceParams)+2*16+3)
	all = append(all, s.deviceParams...)
	for _, c := range s.connectors {
		all = append(all, c.params...)
	}
	all = append(all, s.Meter.params...)
	return all
}

// String renders a multi-line dump of the full charger state, for
// debug logging. Unset parameters render as "?".
func (s *State) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "charge box %s:\n", s.serial)
	for _, p := range s.deviceParams {
		fmt.Fprintf(&sb, "  %s\n", p.Format(formatWidth))
	}
	for _, c := range s.connectors {
		c.format(&sb)
	}
	sb.WriteString("meter:\n")
	for _, p := range s.Meter.params {
		fmt.Fprintf(&sb, "  %s\n", p.Format(formatWidth))
	}
	return sb.String()
}

func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return fmt.Errorf("%v (and %d more)", errs[0], len(errs)-1)
	}
}
