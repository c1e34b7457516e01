// Package hass projects the charger state onto Home Assistant MQTT
// discovery.
//
// The bridge publishes one aggregated device discovery document (all
// entities in a single config payload) once the charger has reported
// its full state, then keeps the entities live:
//
//   - a Charging switch that starts or stops a session on the
//     preferred connector
//   - a Charge current number holding the target current, bounded by
//     the connector's reported limits
//   - a sensor per numeric parameter carrying a device class, enum
//     sensors for the per-connector charge status, binary sensors for
//     plug and N-wire state, and diagnostic sensors for raw counters
//
// Entity topics follow the flat scharge/{entity}/{state,set,available}
// scheme; availability is refreshed on a short loop so Home Assistant
// notices a dropped charger link quickly.
package hass
