package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goldpos/backend/internal/domain"
	"goldpos/backend/internal/store/memory"
)

type failingSink struct{}

func (failingSink) Record(context.Context, domain.AuditLog) (string, error) {
	return "", errors.New("sink down")
}

func TestRecorderWritesToStore(t *testing.T) {
	s := memory.New()
	logger, _ := logtest.NewNullLogger()
	rec := NewRecorder(NewStoreSink(s), logger)

	logID := rec.Record(context.Background(), Event{
		BranchID:   "b1",
		UserID:     "cashier",
		Action:     "sale_commit",
		EntityType: "transaction",
		EntityID:   "tx-1",
		New:        map[string]string{"number": "SAL-B1-20240101-000001"},
	})
	require.NotEmpty(t, logID)

	logs, err := s.ListAuditLogs(context.Background(), "transaction", "tx-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, logID, logs[0].ID)
	assert.JSONEq(t, `{"number":"SAL-B1-20240101-000001"}`, logs[0].NewValue)
	assert.Empty(t, logs[0].OldValue)
}

func TestRecorderSwallowsSinkFailure(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	rec := NewRecorder(failingSink{}, logger)

	logID := rec.Record(context.Background(), Event{Action: "void", EntityType: "transaction", EntityID: "tx-9"})
	assert.Empty(t, logID)

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "tx-9", hook.LastEntry().Data["entity_id"])
}

func TestRedisStreamSinkReturnsStreamID(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sink := NewRedisStreamSink(client, "audit-test", 1000)
	logID, err := sink.Record(context.Background(), domain.AuditLog{ID: "audit-1", Action: "rate_update", EntityType: "rate", EntityID: "gold/22K"})
	require.NoError(t, err)
	assert.NotEmpty(t, logID)

	msgs, err := client.XRange(context.Background(), "audit-test", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, logID, msgs[0].ID)
	assert.Equal(t, "rate_update", msgs[0].Values["action"])
}

func TestMultiSinkKeepsGoingAfterFailure(t *testing.T) {
	s := memory.New()
	sink := MultiSink{failingSink{}, NewStoreSink(s)}

	logID, err := sink.Record(context.Background(), domain.AuditLog{ID: "audit-7", EntityType: "transaction", EntityID: "tx-7"})
	assert.Error(t, err)
	assert.Equal(t, "audit-7", logID)

	logs, err := s.ListAuditLogs(context.Background(), "transaction", "tx-7", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
