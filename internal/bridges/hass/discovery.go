package hass

import (
	"encoding/json"
	"fmt"

	"github.com/matemat13/scharge-bridge/internal/infrastructure/mqtt"
)

// Origin metadata published in every discovery document.
const (
	originName = "scharge_server"
	originSW   = "1.0"
	originURL  = "https://github.com/matemat13/ha_s-charge"
)

// Device identity constants for the discovery document.
const (
	deviceName         = "SCharge"
	deviceManufacturer = "Joint Charging"
	deviceModel        = "EVCD2"
)

// DeviceInfo describes the charger for the aggregated discovery
// document. Versions come from the charger's DeviceData report.
type DeviceInfo struct {
	Serial          string
	SoftwareVersion string
	HardwareVersion string
}

// discoveryDocument builds the aggregated device discovery payload:
// one device block, one origin block, and a component fragment per
// manager keyed by its entity name.
func discoveryDocument(dev DeviceInfo, managers []Manager) ([]byte, error) {
	cmps := make(map[string]any, len(managers))
	for _, m := range managers {
		key := mqtt.TopicPrefix + "_" + m.Name()
		if _, dup := cmps[key]; dup {
			return nil, fmt.Errorf("hass: duplicate entity name %q", m.Name())
		}
		cmps[key] = m.Description()
	}

	doc := map[string]any{
		"dev": map[string]any{
			"ids":  mqtt.TopicPrefix + dev.Serial,
			"name": deviceName,
			"mf":   deviceManufacturer,
			"mdl":  deviceModel,
			"sn":   dev.Serial,
			"sw":   dev.SoftwareVersion,
			"hw":   dev.HardwareVersion,
		},
		"o": map[string]any{
			"name": originName,
			"sw":   originSW,
			"url":  originURL,
		},
		"cmps": cmps,
		"qos":  0,
	}
	return json.Marshal(doc)
}
