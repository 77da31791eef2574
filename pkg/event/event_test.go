package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestSinkEmitsAtEveryLevelWithoutRedis(t *testing.T) {
	s := New(nil)
	s.Debug(KindProbe, "probe measured", map[string]any{"link": "eth0"})
	s.Info(KindPlan, "plan computed", map[string]any{"entries": 2})
	s.Warn(KindCheckpoint, "prune skipped", nil)
	s.Error(KindApply, "apply failed", map[string]any{"err": "timeout"})
	s.Fatal(KindWatchdog, "watchdog expired, rollback executed", map[string]any{"timeout_s": 300})
}

func TestWireEventMarshalsAsStructuredJSON(t *testing.T) {
	raw, err := json.Marshal(wireEvent{
		Kind:        KindProbe,
		Level:       logrus.InfoLevel.String(),
		Message:     "probe measured",
		Fields:      map[string]any{"link": "eth0"},
		PID:         1234,
		WallClock:   time.Now().UTC(),
		MonotonicMS: 42,
		Fatal:       false,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("event mirror payload must round-trip as JSON: %v", err)
	}
	for _, key := range []string{"kind", "level", "message", "fields", "pid", "wall_utc", "mono_ms", "fatal"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("expected key %q in marshaled event, got %v", key, decoded)
		}
	}
}
