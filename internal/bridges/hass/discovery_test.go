package hass

import (
	"encoding/json"
	"testing"
)

func TestDiscoveryDocument(t *testing.T) {
	rec := newRecorder()
	managers := []Manager{
		NewSwitch("charging", "Charging", rec.publish, always(true), always(false), nil),
		NewSensor("rssi", "RSSI", rec.publish, always(true), "dB", "", func() string { return "" }),
	}

	data, err := discoveryDocument(DeviceInfo{
		Serial:          "SN123",
		SoftwareVersion: "V2.1.7",
		HardwareVersion: "V1.0",
	}, managers)
	if err != nil {
		t.Fatalf("discoveryDocument(): %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("document is not JSON: %v", err)
	}

	dev, ok := doc["dev"].(map[string]any)
	if !ok {
		t.Fatal("document has no dev block")
	}
	if dev["ids"] != "schargeSN123" {
		t.Errorf("dev.ids = %v, want schargeSN123", dev["ids"])
	}
	if dev["name"] != "SCharge" || dev["mf"] != "Joint Charging" || dev["mdl"] != "EVCD2" {
		t.Errorf("dev identity = %v", dev)
	}
	if dev["sw"] != "V2.1.7" || dev["hw"] != "V1.0" || dev["sn"] != "SN123" {
		t.Errorf("dev versions = %v", dev)
	}

	origin, ok := doc["o"].(map[string]any)
	if !ok {
		t.Fatal("document has no origin block")
	}
	if origin["name"] != "scharge_server" {
		t.Errorf("o.name = %v", origin["name"])
	}

	cmps, ok := doc["cmps"].(map[string]any)
	if !ok {
		t.Fatal("document has no cmps block")
	}
	for _, key := range []string{"scharge_charging", "scharge_rssi"} {
		cmp, ok := cmps[key].(map[string]any)
		if !ok {
			t.Fatalf("cmps missing %q (have %v)", key, cmps)
		}
		if cmp["p"] == "" {
			t.Errorf("component %q has no platform", key)
		}
	}
}

func TestDiscoveryDocumentRejectsDuplicates(t *testing.T) {
	rec := newRecorder()
	managers := []Manager{
		NewSensor("rssi", "RSSI", rec.publish, always(true), "", "", func() string { return "" }),
		NewSensor("rssi", "RSSI again", rec.publish, always(true), "", "", func() string { return "" }),
	}
	if _, err := discoveryDocument(DeviceInfo{Serial: "SN123"}, managers); err == nil {
		t.Error("discoveryDocument() accepted duplicate entity names")
	}
}
