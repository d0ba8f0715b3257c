package web

import (
	"encoding/json"
	"time"

	"github.com/sweeney/push-coordinator/internal/state"
)

// StateJSON is the JSON representation of the current upstream snapshot.
type StateJSON struct {
	Seq        uint64         `json:"seq"`
	ReceivedAt string         `json:"received_at,omitempty"`
	State      state.Snapshot `json:"state"`
}

func formatState(snap state.Snapshot) ([]byte, error) {
	sj := StateJSON{
		Seq:   snap.Seq,
		State: snap,
	}
	if !snap.ReceivedAt.IsZero() {
		sj.ReceivedAt = snap.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.MarshalIndent(sj, "", "  ")
}
