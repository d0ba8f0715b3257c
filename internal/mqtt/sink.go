package mqtt

import "github.com/sweeney/push-coordinator/internal/device"

// Sink adapts a Publisher to device.Sink so sensors write straight to MQTT.
type Sink struct {
	Publisher Publisher
}

// WriteState publishes s on its state topic.
func (s Sink) WriteState(st device.EntityState) error {
	return s.Publisher.PublishState(st)
}

// Describe publishes the discovery config for st.
func (s Sink) Describe(st device.EntityState) error {
	return s.Publisher.PublishDiscovery(st)
}

var (
	_ device.Sink      = Sink{}
	_ device.Describer = Sink{}
	_ Publisher        = (*RealPublisher)(nil)
	_ Publisher        = (*FakePublisher)(nil)
)
