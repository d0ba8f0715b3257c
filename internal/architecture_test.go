package internal

import (
	"testing"

	"github.com/kcmvp/archunit"
)

func TestArchitecture(t *testing.T) {
	core := archunit.Packages("core", []string{
		".../internal/state",
		".../internal/subscriber",
		".../internal/connection",
	})
	coord := archunit.Packages("coordinator", []string{".../internal/coordinator"})
	outputs := archunit.Packages("outputs", []string{
		".../internal/mqtt",
		".../internal/web",
		".../internal/led",
		".../internal/status",
		".../internal/config",
	})
	transport := archunit.Packages("transport", []string{".../internal/transport"})

	// The cache, registry and reconnect policy know nothing about I/O.
	if err := core.ShouldNotReferLayers(transport); err != nil {
		t.Errorf("Architecture violation: core depends on transport: %v", err)
	}
	if err := core.ShouldNotReferLayers(outputs); err != nil {
		t.Errorf("Architecture violation: core depends on outputs: %v", err)
	}
	if err := core.ShouldNotReferLayers(coord); err != nil {
		t.Errorf("Architecture violation: core depends on coordinator: %v", err)
	}

	// The coordinator feeds outputs through subscriptions, never by import.
	if err := coord.ShouldNotReferLayers(outputs); err != nil {
		t.Errorf("Architecture violation: coordinator depends on outputs: %v", err)
	}
}

func TestTransportPackagePresent(t *testing.T) {
	transport := archunit.Packages("transport", []string{".../internal/transport"})
	if len(transport.Packages()) == 0 {
		t.Error("No transport package found")
	}
}
