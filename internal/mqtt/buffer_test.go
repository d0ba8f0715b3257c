package mqtt

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func pushN(rb *ringBuffer, from, to int) {
	for i := from; i < to; i++ {
		rb.push(bufferedMsg{topic: "t", payload: []byte{byte(i)}})
	}
}

func TestRingBufferEmptyDrain(t *testing.T) {
	rb := newRingBuffer(4, nil)
	if got := rb.drainAll(); got != nil {
		t.Errorf("expected nil from empty drain, got %d items", len(got))
	}
}

func TestRingBufferDrainOrder(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushed   int
		first    byte // payload of the oldest surviving message
		want     int
	}{
		{"partial", 8, 5, 0, 5},
		{"exactly full", 6, 6, 0, 6},
		{"overflow keeps newest", 5, 8, 3, 5},
		{"wraps twice", 3, 10, 7, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := newRingBuffer(tt.capacity, nil)
			pushN(rb, 0, tt.pushed)

			got := rb.drainAll()
			if len(got) != tt.want {
				t.Fatalf("expected %d items, got %d", tt.want, len(got))
			}
			for i, m := range got {
				if want := tt.first + byte(i); m.payload[0] != want {
					t.Errorf("item %d: expected payload %d, got %d", i, want, m.payload[0])
				}
			}
			if rb.len() != 0 {
				t.Errorf("expected empty buffer after drain, got %d", rb.len())
			}
		})
	}
}

func TestRingBufferReusableAfterDrain(t *testing.T) {
	rb := newRingBuffer(5, nil)
	pushN(rb, 0, 3)
	rb.drainAll()

	pushN(rb, 10, 14)
	got := rb.drainAll()
	if len(got) != 4 {
		t.Fatalf("expected 4 items, got %d", len(got))
	}
	for i, msg := range got {
		if want := byte(10 + i); msg.payload[0] != want {
			t.Errorf("item %d: expected %d, got %d", i, want, msg.payload[0])
		}
	}
}

func TestRingBufferLen(t *testing.T) {
	rb := newRingBuffer(2, nil)
	for i, want := range []int{1, 2, 2, 2} {
		rb.push(bufferedMsg{topic: "t"})
		if rb.len() != want {
			t.Errorf("after push %d: expected len %d, got %d", i+1, want, rb.len())
		}
	}
}

func TestRingBufferPreservesFields(t *testing.T) {
	rb := newRingBuffer(10, nil)
	rb.push(bufferedMsg{
		topic:    "homeassistant/sensor/device1_1_illuminance/config",
		payload:  []byte(`{"unique_id":"device1_1_illuminance"}`),
		qos:      1,
		retained: true,
	})

	got := rb.drainAll()
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	if got[0].topic != "homeassistant/sensor/device1_1_illuminance/config" {
		t.Errorf("topic: got %s", got[0].topic)
	}
	if string(got[0].payload) != `{"unique_id":"device1_1_illuminance"}` {
		t.Errorf("payload: got %s", got[0].payload)
	}
	if got[0].qos != 1 || !got[0].retained {
		t.Errorf("qos/retained: got %d/%v, want 1/true", got[0].qos, got[0].retained)
	}
}

func TestRingBufferLogsOverflowOnce(t *testing.T) {
	var out bytes.Buffer
	rb := newRingBuffer(2, slog.New(slog.NewTextHandler(&out, nil)))
	pushN(rb, 0, 6)

	if n := strings.Count(out.String(), "mqtt buffer full"); n != 1 {
		t.Errorf("expected one overflow warning, got %d", n)
	}

	rb.drainAll()
	if !strings.Contains(out.String(), "dropped=4") {
		t.Errorf("expected drain to report 4 dropped, log: %s", out.String())
	}

	// The counter resets with the drain.
	out.Reset()
	pushN(rb, 0, 1)
	rb.drainAll()
	if out.Len() != 0 {
		t.Errorf("expected no warnings without overflow, got %s", out.String())
	}
}
