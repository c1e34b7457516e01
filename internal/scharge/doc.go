// Package scharge implements the S-Charge EVCD2 wall charger protocol:
// the JSON wire codec, the typed charger state model, and the session
// that discovers the charger over UDP, accepts its WebSocket dial-in,
// and issues charging commands.
//
// # Protocol shape
//
// The charger is the WebSocket client. The bridge broadcasts
// UDPHandShake invitations on the local /24 (port 3050, from port
// 3050) until the charger dials into the advertised endpoint. From
// then on the charger streams DeviceData, SynchroStatus, SynchroData
// and NWireToDics action messages, each of which must be acknowledged
// by echoing its uniqueId; the bridge sends periodic HandShake
// keep-alives and Authorize commands, which the charger acknowledges
// the same way.
//
// The charger acks commands it then silently ignores, so StartCharging
// and StopCharging treat the reported state, not the ack, as the
// outcome: they retry the Authorize until the measured current (or the
// charge status) converges on the request.
//
// # Typical wiring
//
//	state := scharge.NewState(cfg.Serial)
//	session, err := scharge.NewSession(scharge.SessionOptions{...})
//	if err != nil { ... }
//	g.Go(func() error { return session.Run(ctx) })
package scharge
