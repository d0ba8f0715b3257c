package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Hub           string         `json:"hub"`
	Connection    ConnectionJSON `json:"connection"`
	Temperature   float64        `json:"temperature"`
	Seq           uint64         `json:"seq"`
	LastMessage   string         `json:"last_message,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	MQTT          MQTTStatus     `json:"mqtt"`
	Counts        CountsJSON     `json:"counts"`
	Rollers       []RollerJSON   `json:"rollers"`
	Network       *NetworkJSON   `json:"network,omitempty"`
	Config        ConfigJSON     `json:"config"`
}

// ConnectionJSON reports the upstream connection.
type ConnectionJSON struct {
	State     string `json:"state"`
	Endpoint  string `json:"endpoint"`
	Error     string `json:"error,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of coordinator counters.
type CountsJSON struct {
	Received        uint64 `json:"received"`
	Accepted        uint64 `json:"accepted"`
	Dropped         uint64 `json:"dropped"`
	CallbackErrors  uint64 `json:"callback_errors"`
	ConnectAttempts uint64 `json:"connect_attempts"`
	Connects        uint64 `json:"connects"`
	Subscribers     int    `json:"subscribers"`
}

// RollerJSON is the JSON representation of one roller.
type RollerJSON struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Firmware    string  `json:"firmware"`
	Model       string  `json:"model"`
	Illuminance float64 `json:"illuminance"`
	Online      bool    `json:"online"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Endpoint    string `json:"endpoint"`
	Codec       string `json:"codec"`
	Rollers     int    `json:"rollers"`
	MergePolicy string `json:"merge_policy"`
	Broker      string `json:"broker,omitempty"`
	HTTPAddr    string `json:"http_addr"`
	LEDPin      int    `json:"led_pin"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Hub: snap.Config.Host,
		Connection: ConnectionJSON{
			State:     snap.Connection.String(),
			Endpoint:  snap.Config.Endpoint,
			Error:     snap.ConnectionError,
			LastError: snap.Stats.LastError,
		},
		Temperature:   snap.Temperature,
		Seq:           snap.Stats.Seq,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Received:        snap.Stats.MessagesReceived,
			Accepted:        snap.Stats.MessagesAccepted,
			Dropped:         snap.Stats.MessagesDropped,
			CallbackErrors:  snap.Stats.CallbackErrors,
			ConnectAttempts: snap.Stats.ConnectAttempts,
			Connects:        snap.Stats.Connects,
			Subscribers:     snap.Stats.Subscribers,
		},
		Rollers: make([]RollerJSON, 0, len(snap.Rollers)),
		Config: ConfigJSON{
			Endpoint:    snap.Config.Endpoint,
			Codec:       snap.Config.Codec,
			Rollers:     snap.Config.Rollers,
			MergePolicy: snap.Config.MergePolicy,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			LEDPin:      snap.Config.LEDPin,
		},
	}
	if !snap.Stats.LastMessage.IsZero() {
		inner.LastMessage = snap.Stats.LastMessage.UTC().Format(time.RFC3339)
	}
	for _, r := range snap.Rollers {
		inner.Rollers = append(inner.Rollers, RollerJSON(r))
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
