package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/timzifer/tickset/bridge"
	"github.com/timzifer/tickset/setting"
)

type discovery struct {
	topic   string
	payload []byte
}

// discoveryFor builds the Home Assistant discovery announcement of one attribute.
func discoveryFor(opts *HomeAssistantSettings, device string, topics topicLayout, attr *Attribute) (discovery, error) {
	prefix := strings.Trim(opts.DiscoveryPrefix, "/")
	if prefix == "" {
		prefix = "homeassistant"
	}
	component := componentFor(attr.spec.Kind)
	objectID := objectID(device, attr)

	payload := map[string]any{
		"name":                  attr.spec.Name,
		"object_id":             objectID,
		"unique_id":             objectID,
		"state_topic":           topics.state(attr.spec.UUID),
		"availability_topic":    topics.availability(),
		"payload_available":     availabilityOnline,
		"payload_not_available": availabilityOffline,
	}
	if attr.spec.Properties.Has(bridge.PropWrite) {
		payload["command_topic"] = topics.command(attr.spec.UUID)
	} else if component != "sensor" {
		component = "sensor"
	}
	switch component {
	case "switch":
		payload["payload_on"] = "true"
		payload["payload_off"] = "false"
		payload["state_on"] = "true"
		payload["state_off"] = "false"
	case "number":
		payload["mode"] = "box"
		payload["min"] = -1e9
		payload["max"] = 1e9
		if attr.spec.Kind == setting.KindFloat32 || attr.spec.Kind == setting.KindFloat64 {
			payload["step"] = 0.01
		}
	}
	dev := map[string]any{
		"identifiers": []string{sanitize(device)},
		"name":        device,
	}
	if opts.Manufacturer != "" {
		dev["manufacturer"] = opts.Manufacturer
	}
	if opts.Model != "" {
		dev["model"] = opts.Model
	}
	payload["device"] = dev

	body, err := json.Marshal(payload)
	if err != nil {
		return discovery{}, fmt.Errorf("mqtt: encode home assistant discovery: %w", err)
	}
	return discovery{
		topic:   fmt.Sprintf("%s/%s/%s/config", prefix, component, objectID),
		payload: body,
	}, nil
}

func componentFor(kind setting.Kind) string {
	switch {
	case kind.Numeric():
		return "number"
	case kind == setting.KindBool:
		return "switch"
	default:
		return "text"
	}
}

func objectID(device string, attr *Attribute) string {
	if id, ok := bridge.ShortID(attr.spec.UUID); ok {
		return fmt.Sprintf("%s_%04x", sanitize(device), id)
	}
	return sanitize(device) + "_" + strings.ReplaceAll(attr.spec.UUID.String(), "-", "")
}

// sanitize maps a free-form name onto the characters allowed in topic levels and object ids.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "device"
	}
	return b.String()
}
