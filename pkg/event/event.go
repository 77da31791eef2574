// Package event implements C9: a structured event sink. It is a pure
// producer — it never calls os.Exit, even for FATAL-level events; the
// decision to terminate the process belongs to the caller.
package event

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/netopt/netopt/pkg/util"
)

// Kind tags an event with the pipeline stage that produced it.
type Kind string

const (
	KindProbe      Kind = "probe"
	KindPlan       Kind = "plan"
	KindApply      Kind = "apply"
	KindWatchdog   Kind = "watchdog"
	KindCheckpoint Kind = "checkpoint"
	KindLock       Kind = "lock"
	KindConfig     Kind = "config"
)

// Event is one structured record. MonotonicMS is a process-relative
// monotonic timestamp in milliseconds, kept alongside the wall-clock UTC
// one so a journal can reconstruct ordering even across a clock step.
type Event struct {
	Kind        Kind
	Level       logrus.Level
	Message     string
	Fields      map[string]any
	PID         int
	WallClock   time.Time
	MonotonicMS int64
	Fatal       bool
}

// redisChannel is where Sink mirrors events when a redis client is
// configured (spec.md §4.9 delegates durable storage to a collaborator;
// this is an optional low-latency fan-out, not the journal of record).
const redisChannel = "netopt:events"

// Sink wraps the process logger and an optional redis mirror.
type Sink struct {
	pid    int
	redis  *redis.Client
	logger *logrus.Logger
}

// New returns a Sink. redisClient may be nil, in which case events are
// only logged, never mirrored.
func New(redisClient *redis.Client) *Sink {
	return &Sink{
		pid:    os.Getpid(),
		redis:  redisClient,
		logger: util.Logger,
	}
}

func (s *Sink) emit(kind Kind, level logrus.Level, msg string, fields map[string]any, fatal bool) {
	ev := Event{
		Kind:        kind,
		Level:       level,
		Message:     msg,
		Fields:      fields,
		PID:         s.pid,
		WallClock:   time.Now().UTC(),
		MonotonicMS: util.MonotonicMS(),
		Fatal:       fatal,
	}

	entry := util.WithKind(string(ev.Kind)).
		WithField("pid", ev.PID).
		WithField("wall_utc", ev.WallClock.Format(time.RFC3339Nano))
	if fatal {
		entry = entry.WithField("fatal", true)
	}
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Log(level, msg)

	s.mirror(ev)
}

// wireEvent is the JSON shape published to redis — a dashboard tailing
// redisChannel gets the full record, not just a log line.
type wireEvent struct {
	Kind        Kind           `json:"kind"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	Fields      map[string]any `json:"fields,omitempty"`
	PID         int            `json:"pid"`
	WallClock   time.Time      `json:"wall_utc"`
	MonotonicMS int64          `json:"mono_ms"`
	Fatal       bool           `json:"fatal"`
}

// mirror publishes ev to redis as JSON, best-effort. A publish failure is
// logged at WARN and swallowed — the redis mirror is a convenience
// channel, not the event journal of record.
func (s *Sink) mirror(ev Event) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(wireEvent{
		Kind:        ev.Kind,
		Level:       ev.Level.String(),
		Message:     ev.Message,
		Fields:      ev.Fields,
		PID:         ev.PID,
		WallClock:   ev.WallClock,
		MonotonicMS: ev.MonotonicMS,
		Fatal:       ev.Fatal,
	})
	if err != nil {
		s.logger.WithField("err", err).Warn("event: failed to marshal event for redis mirror")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := s.redis.Publish(ctx, redisChannel, raw).Err(); err != nil {
		s.logger.WithField("err", err).Warn("event: redis mirror publish failed")
	}
}

func (s *Sink) Debug(kind Kind, msg string, fields map[string]any) {
	s.emit(kind, logrus.DebugLevel, msg, fields, false)
}

func (s *Sink) Info(kind Kind, msg string, fields map[string]any) {
	s.emit(kind, logrus.InfoLevel, msg, fields, false)
}

func (s *Sink) Warn(kind Kind, msg string, fields map[string]any) {
	s.emit(kind, logrus.WarnLevel, msg, fields, false)
}

func (s *Sink) Error(kind Kind, msg string, fields map[string]any) {
	s.emit(kind, logrus.ErrorLevel, msg, fields, false)
}

// Fatal emits a CRIT-equivalent event tagged fatal=true. It does not
// exit the process; callers that need to terminate do so themselves
// after observing the returned control flow.
func (s *Sink) Fatal(kind Kind, msg string, fields map[string]any) {
	s.emit(kind, logrus.ErrorLevel, msg, fields, true)
}
