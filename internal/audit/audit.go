package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/xid"
)

// Sink persists one audit entry and returns its log id.
type Sink interface {
	Record(ctx context.Context, entry domain.AuditLog) (string, error)
}

type entryWriter interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

// StoreSink writes entries to the audit_logs table of the main store.
type StoreSink struct {
	w entryWriter
}

func NewStoreSink(w entryWriter) *StoreSink {
	return &StoreSink{w: w}
}

func (s *StoreSink) Record(ctx context.Context, entry domain.AuditLog) (string, error) {
	if err := s.w.CreateAuditLog(ctx, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// MultiSink fans an entry out to every sink. The first sink's id is
// returned; a failing sink does not stop the others.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, entry domain.AuditLog) (string, error) {
	var logID string
	var errs []error
	for i, sink := range m {
		id, err := sink.Record(ctx, entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 0 || logID == "" {
			logID = id
		}
	}
	return logID, errors.Join(errs...)
}

type NoopSink struct{}

func (NoopSink) Record(_ context.Context, entry domain.AuditLog) (string, error) {
	return entry.ID, nil
}

// Recorder is the log-and-continue front of a Sink. Losing an audit entry
// never fails the business operation that produced it.
type Recorder struct {
	sink   Sink
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewRecorder(sink Sink, logger logrus.FieldLogger) *Recorder {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Recorder{sink: sink, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Event describes one auditable action. Old and New are serialized as JSON
// when set.
type Event struct {
	BranchID    string
	UserID      string
	Action      string
	EntityType  string
	EntityID    string
	Description string
	Old         any
	New         any
}

// Record writes the event and returns the log id, or "" when the sink failed.
func (r *Recorder) Record(ctx context.Context, ev Event) string {
	entry := domain.AuditLog{
		ID:          xid.New("audit"),
		BranchID:    ev.BranchID,
		UserID:      ev.UserID,
		Action:      ev.Action,
		EntityType:  ev.EntityType,
		EntityID:    ev.EntityID,
		Description: ev.Description,
		OldValue:    r.encode(ev.Old),
		NewValue:    r.encode(ev.New),
		CreatedAt:   r.now(),
	}
	if entry.UserID == "" {
		entry.UserID = "system"
	}

	logID, err := r.sink.Record(ctx, entry)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"module":      "audit",
			"action":      ev.Action,
			"entity_type": ev.EntityType,
			"entity_id":   ev.EntityID,
		}).WithError(err).Warn("failed to write audit log")
	}
	return logID
}

func (r *Recorder) encode(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.WithError(err).Warn("failed to encode audit value")
		return ""
	}
	return string(payload)
}
