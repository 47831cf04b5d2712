/*
Package events carries best-effort domain notifications out of the engine.

PURPOSE:
  Ledger-changing workflows announce what happened (points accrued, expired,
  reversed; redemptions requested, completed, denied, cancelled). Emission
  happens after the ledger write committed and can never undo it: a failing
  sink is logged and forgotten.

SINKS:
  LogSink:   structured log line per event (default)
  RedisSink: PUBLISH JSON on a channel per event type
  Fanout:    several sinks, all attempted
  Recorder:  keeps events in memory for tests
*/
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/loyalty-engine/loyalty"
)

type Type string

const (
	PointsAccrued       Type = "PointsAccrued"
	PointsExpired       Type = "PointsExpired"
	PointsReversed      Type = "PointsReversed"
	RedemptionRequested Type = "RedemptionRequested"
	RedemptionCompleted Type = "RedemptionCompleted"
	RedemptionDenied    Type = "RedemptionDenied"
	RedemptionCancelled Type = "RedemptionCancelled"
)

type Event struct {
	ID           string             `json:"id"`
	Type         Type               `json:"type"`
	Account      loyalty.AccountKey `json:"account"`
	Points       int64              `json:"points"`
	RefID        string             `json:"ref_id,omitempty"`
	BatchID      string             `json:"batch_id,omitempty"`
	RedemptionID string             `json:"redemption_id,omitempty"`
	RewardID     string             `json:"reward_id,omitempty"`
	At           time.Time          `json:"at"`
}

// Sink receives events. Implementations may block on I/O; callers bound
// them with the context.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// =============================================================================
// PUBLISHER - Fire-and-forget front for workflows
// =============================================================================

// Publisher stamps events and swallows sink failures. A nil *Publisher is
// valid and drops everything.
type Publisher struct {
	sink Sink
	log  zerolog.Logger
}

func NewPublisher(sink Sink, log zerolog.Logger) *Publisher {
	return &Publisher{sink: sink, log: log}
}

func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p == nil || p.sink == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := p.sink.Emit(ctx, e); err != nil {
		p.log.Warn().Err(err).
			Str("event", string(e.Type)).
			Str("account", e.Account.String()).
			Msg("event emission failed")
	}
}

// =============================================================================
// SINKS
// =============================================================================

type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Emit(_ context.Context, e Event) error {
	s.Log.Info().
		Str("event", string(e.Type)).
		Str("event_id", e.ID).
		Str("user_id", e.Account.UserID).
		Str("card_id", e.Account.CardID).
		Int64("points", e.Points).
		Str("ref_id", e.RefID).
		Str("batch_id", e.BatchID).
		Str("redemption_id", e.RedemptionID).
		Time("at", e.At).
		Msg("domain event")
	return nil
}

// Fanout emits to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder stores emitted events. Fail, when set, is returned from Emit after
// recording.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Fail   error
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.Fail
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events with the given type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
