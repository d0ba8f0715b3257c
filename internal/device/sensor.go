package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sweeney/push-coordinator/internal/subscriber"
)

// Entity metadata for illuminance sensors.
const (
	DeviceClassIlluminance = "illuminance"
	UnitLux                = "lx"
)

// DeviceInfo links an entity to the roller it belongs to.
type DeviceInfo struct {
	ID           string
	Name         string
	Model        string
	Manufacturer string
	SWVersion    string
}

// EntityState is what a sensor hands to the host on every change.
type EntityState struct {
	UniqueID    string
	Name        string
	DeviceClass string
	Unit        string
	State       float64
	Available   bool
	Device      DeviceInfo
}

// Sink receives entity states. Failures are the host's concern: they are
// returned to the roller's callback pass, which logs them and moves on.
type Sink interface {
	WriteState(s EntityState) error
}

// Describer is implemented by sinks that announce entities before the first state.
type Describer interface {
	Describe(s EntityState) error
}

// LogSink writes entity states to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// WriteState logs s at info level.
func (l LogSink) WriteState(s EntityState) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("entity state",
		"entity", s.UniqueID,
		"state", s.State,
		"unit", s.Unit,
		"available", s.Available)
	return nil
}

// IlluminanceSensor projects a roller's illuminance as a host entity.
type IlluminanceSensor struct {
	roller *Roller
	sink   Sink

	mu     sync.Mutex
	handle subscriber.Handle
	added  bool
}

// NewIlluminanceSensor creates the sensor for r. It does nothing until Added.
func NewIlluminanceSensor(r *Roller, sink Sink) *IlluminanceSensor {
	return &IlluminanceSensor{roller: r, sink: sink}
}

// NewIlluminanceSensors creates one sensor per roller.
func NewIlluminanceSensors(rollers []*Roller, sink Sink) []*IlluminanceSensor {
	sensors := make([]*IlluminanceSensor, 0, len(rollers))
	for _, r := range rollers {
		sensors = append(sensors, NewIlluminanceSensor(r, sink))
	}
	return sensors
}

// UniqueID returns "<roller id>_illuminance".
func (s *IlluminanceSensor) UniqueID() string { return s.roller.ID() + "_illuminance" }

// Name returns "<roller name> Illuminance".
func (s *IlluminanceSensor) Name() string { return s.roller.Name() + " Illuminance" }

// Roller returns the roller the sensor belongs to.
func (s *IlluminanceSensor) Roller() *Roller { return s.roller }

// State builds the entity state from the roller's current reading.
// The sensor itself is always available.
func (s *IlluminanceSensor) State() EntityState {
	r := s.roller
	return EntityState{
		UniqueID:    s.UniqueID(),
		Name:        s.Name(),
		DeviceClass: DeviceClassIlluminance,
		Unit:        UnitLux,
		State:       r.Illuminance(),
		Available:   true,
		Device: DeviceInfo{
			ID:           r.ID(),
			Name:         r.Name(),
			Model:        r.Model(),
			Manufacturer: Manufacturer,
			SWVersion:    r.FirmwareVersion(),
		},
	}
}

// Added registers the sensor with its roller and announces it to the sink
// when the sink supports it. Calling it twice is a no-op.
func (s *IlluminanceSensor) Added() error {
	s.mu.Lock()
	if s.added {
		s.mu.Unlock()
		return nil
	}
	s.handle = s.roller.RegisterCallback(s.UniqueID(), s.write)
	s.added = true
	s.mu.Unlock()

	if d, ok := s.sink.(Describer); ok {
		if err := d.Describe(s.State()); err != nil {
			return fmt.Errorf("describe %s: %w", s.UniqueID(), err)
		}
	}
	return nil
}

// Removed unregisters the sensor from its roller.
func (s *IlluminanceSensor) Removed() {
	s.mu.Lock()
	h, ok := s.handle, s.added
	s.added = false
	s.mu.Unlock()
	if ok {
		s.roller.RemoveCallback(h)
	}
}

func (s *IlluminanceSensor) write() error {
	if err := s.sink.WriteState(s.State()); err != nil {
		return fmt.Errorf("write %s: %w", s.UniqueID(), err)
	}
	return nil
}
