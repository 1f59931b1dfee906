package sqlstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/store"
	"github.com/roach88/chronicle/internal/store/sqlstore"
	tu "github.com/roach88/chronicle/internal/testutil"
)

var columns = []string{
	"event_id", "aggregate_id", "event_type", "schema_version", "version",
	"payload", "payload_encoding", "occurred_at", "recorded_at", "correlation_id",
	"causation_id", "metadata", "chain_hash", "signature", "signature_key_id",
}

func newMock(t *testing.T) (*sqlstore.Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlstore.New(db, sqlstore.Postgres), mock
}

func sealedEnvelope(version int64) event.Envelope {
	return event.Envelope{
		EventID:       "evt-0001",
		AggregateID:   "order-1",
		Type:          tu.OrderCancelled,
		SchemaVersion: 1,
		Version:       version,
		Payload:       json.RawMessage(`{}`),
		OccurredAt:    tu.Epoch,
		RecordedAt:    tu.Epoch,
		CorrelationID: "evt-0001",
		ChainHash:     "00ff",
	}
}

func TestPostgres_PutIfVersion(t *testing.T) {
	b, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM events WHERE aggregate_id = \$1`).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(0)))
	mock.ExpectExec(`INSERT INTO events`).
		WithArgs("evt-0001", "order-1", tu.OrderCancelled, 1, int64(1),
			[]byte(`{}`), sqlstore.EncodingJSON, tu.Epoch.UnixMicro(), tu.Epoch.UnixMicro(), "evt-0001",
			sqlmock.AnyArg(), sqlmock.AnyArg(), "00ff", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := b.PutIfVersion(context.Background(), "order-1", 0, sealedEnvelope(1))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutIfVersionHeadMoved(t *testing.T) {
	b, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(2)))
	mock.ExpectRollback()

	ok, err := b.PutIfVersion(context.Background(), "order-1", 0, sealedEnvelope(1))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutIfVersionClassifiesConflicts(t *testing.T) {
	tests := []struct {
		name       string
		constraint string
		wantErr    error
	}{
		{"version taken", "events_pkey", nil},
		{"event id taken", "events_event_id_key", store.ErrDuplicateEventID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, mock := newMock(t)
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
				WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(0)))
			mock.ExpectExec(`INSERT INTO events`).
				WillReturnError(&pq.Error{Code: "23505", Constraint: tt.constraint})
			mock.ExpectRollback()

			ok, err := b.PutIfVersion(context.Background(), "order-1", 0, sealedEnvelope(1))
			assert.False(t, ok)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_PutIfVersionOtherErrors(t *testing.T) {
	b, mock := newMock(t)
	boom := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(0)))
	mock.ExpectExec(`INSERT INTO events`).WillReturnError(boom)
	mock.ExpectRollback()

	ok, err := b.PutIfVersion(context.Background(), "order-1", 0, sealedEnvelope(1))
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestPostgres_PutIfVersionRejectsMisnumbered(t *testing.T) {
	b, mock := newMock(t)

	_, err := b.PutIfVersion(context.Background(), "order-1", 0, sealedEnvelope(2))
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ScanUsesBytewiseCursor(t *testing.T) {
	b, mock := newMock(t)
	env := sealedEnvelope(1)

	mock.ExpectQuery(`WHERE event_type = \$1 AND \(recorded_at, aggregate_id COLLATE "C", version\) > \(\$2, \$3, \$4\) ORDER BY recorded_at, aggregate_id COLLATE "C", version LIMIT \$5`).
		WithArgs(tu.OrderCancelled, tu.Epoch.UnixMicro(), "order-0", int64(7), 10).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			env.EventID, env.AggregateID, env.Type, 1, int64(1),
			[]byte(`{}`), "json", tu.Epoch.UnixMicro(), tu.Epoch.UnixMicro(), env.CorrelationID,
			nil, `{"source":"import"}`, env.ChainHash, nil, nil,
		))

	after := store.Cursor{RecordedAt: tu.Epoch, AggregateID: "order-0", Version: 7}
	envs, err := b.Scan(context.Background(), store.Filter{EventType: tu.OrderCancelled}, after, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "evt-0001", envs[0].EventID)
	assert.Equal(t, map[string]string{"source": "import"}, envs[0].Metadata)
	assert.Empty(t, envs[0].CausationID)
	assert.True(t, tu.Epoch.Equal(envs[0].RecordedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetByEventIDNotFound(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectQuery(`FROM events WHERE event_id = \$1`).
		WithArgs("evt-404").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := b.GetByEventID(context.Background(), "evt-404")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDialectFor(t *testing.T) {
	d, err := sqlstore.DialectFor("postgresql")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	d, err = sqlstore.DialectFor("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.String())

	_, err = sqlstore.DialectFor("oracle")
	assert.Error(t, err)
}
