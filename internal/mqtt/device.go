package mqtt

import (
	"github.com/google/uuid"

	"github.com/nugget/mcpwire/internal/buildinfo"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across all MQTT discovery config payloads. Every entity published by
// this client references the same device block so HA groups them under
// a single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor or binary
// sensor discovery message. It is published (retained) to the discovery
// topic on every broker (re-)connect.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	PayloadOn           string     `json:"payload_on,omitempty"`
	PayloadOff          string     `json:"payload_off,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// instanceNamespace scopes instance IDs derived from device names.
var instanceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/nugget/mcpwire"))

// InstanceID derives the stable HA device identifier for deviceName.
// The same name always yields the same ID, so entity history survives
// restarts without any local state.
func InstanceID(deviceName string) string {
	return uuid.NewSHA1(instanceNamespace, []byte(deviceName)).String()
}

// NewDeviceInfo creates a DeviceInfo from the instance ID and the
// human-readable device name. The instance ID is the primary HA device
// identifier; the device name appears in the HA UI.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "mcpwire",
		Model:        "MCP client",
		SWVersion:    buildinfo.Version,
	}
}
