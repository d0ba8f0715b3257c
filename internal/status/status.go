// Package status provides a thread-safe status tracker for the push-coordinator daemon.
// It is read by the HTTP handlers, the LED and the MQTT system events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/push-coordinator/internal/connection"
	"github.com/sweeney/push-coordinator/internal/coordinator"
	"github.com/sweeney/push-coordinator/internal/device"
	"github.com/sweeney/push-coordinator/internal/state"
	"github.com/sweeney/push-coordinator/internal/subscriber"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Endpoint    string
	Codec       string
	Host        string
	Rollers     int
	MergePolicy string
	Broker      string // empty when MQTT is disabled
	HTTPAddr    string
	LEDPin      int
}

// RollerInfo is the display view of one roller.
type RollerInfo struct {
	ID          string
	Name        string
	Firmware    string
	Model       string
	Illuminance float64
	Online      bool
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Connection      connection.State
	ConnectionError string
	Stats           coordinator.Stats
	Temperature     float64
	Rollers         []RollerInfo
	StartTime       time.Time
	Now             time.Time
	MQTTConnected   bool
	Network         *NetworkInfo
	Config          Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Source is what the tracker follows; *coordinator.Coordinator implements it.
type Source interface {
	Snapshot() state.Snapshot
	Stats() coordinator.Stats
	Err() error
	Rollers() []*device.Roller
	Subscribe(entry subscriber.Entry) subscriber.Handle
	Unsubscribe(h subscriber.Handle)
	OnStateChange(fn func(connection.State))
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	src  Source
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// Follow subscribes the tracker to src: it resyncs on every notification and
// every connection state change. The returned handle unsubscribes it.
func (t *Tracker) Follow(src Source) subscriber.Handle {
	h := src.Subscribe(subscriber.Entry{
		Name:    "status",
		Context: "status",
		Notify: func() error {
			t.Sync(src)
			return nil
		},
	})
	src.OnStateChange(func(connection.State) { t.Sync(src) })
	t.Sync(src)
	return h
}

// Sync copies the source's current state into the tracker.
func (t *Tracker) Sync(src Source) {
	stats := src.Stats()
	snap := src.Snapshot()

	var connErr string
	if err := src.Err(); err != nil {
		connErr = err.Error()
	}

	t.mu.Lock()
	t.src = src
	t.snap.Connection = stats.State
	t.snap.ConnectionError = connErr
	t.snap.Stats = stats
	t.snap.Temperature = snap.Temperature()
	t.mu.Unlock()
}

// Rollers are read live: they update in the same fan-out pass as the tracker,
// in no particular order. Stats are too, since drops notify no one.
func rollerInfos(src Source) []RollerInfo {
	rollers := src.Rollers()
	infos := make([]RollerInfo, 0, len(rollers))
	for _, r := range rollers {
		infos = append(infos, RollerInfo{
			ID:          r.ID(),
			Name:        r.Name(),
			Firmware:    r.FirmwareVersion(),
			Model:       r.Model(),
			Illuminance: r.Illuminance(),
			Online:      r.Online(),
		})
	}
	return infos
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	src := t.src
	t.mu.RUnlock()
	if src != nil {
		s.Rollers = rollerInfos(src)
		s.Stats = src.Stats()
	}
	s.Now = t.now()
	return s
}
