package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wize-works/splits-network-sub004/internal/queue"
	"github.com/wize-works/splits-network-sub004/internal/syncqueue/domain"
)

var itemRowColumns = []string{
	"id", "integration_id", "entity_type", "direction", "action", "priority", "status",
	"scheduled_at", "retry_count", "max_retries", "error_message", "started_at", "completed_at",
	"payload", "created_at", "updated_at",
}

func newTestStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "postgres")
	return NewStorage(db, slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func addItemRow(rows *sqlmock.Rows, id string, priority int, scheduledAt time.Time) *sqlmock.Rows {
	return rows.AddRow(id, "int-1", "all", "inbound", "sync", priority, "processing",
		scheduledAt, 0, 3, nil, scheduledAt, nil, []byte(`{"provider":"greenhouse"}`), scheduledAt, scheduledAt)
}

func TestClaimPending(t *testing.T) {
	s, mock := newTestStorage(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(itemRowColumns)
	addItemRow(rows, "b", 5, now.Add(-time.Minute))
	addItemRow(rows, "a", 1, now)
	addItemRow(rows, "c", 5, now.Add(-2*time.Minute))

	mock.ExpectQuery(`WITH claimed AS \( SELECT id FROM sync_queue WHERE status = \$1 AND scheduled_at <= NOW\(\) ORDER BY priority ASC, scheduled_at ASC LIMIT \$2 FOR UPDATE SKIP LOCKED \) UPDATE sync_queue SET status = \$3`).
		WithArgs(domain.StatusPending, 4, domain.StatusProcessing).
		WillReturnRows(rows)

	items, err := s.ClaimPending(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "c", items[1].ID)
	assert.Equal(t, "b", items[2].ID)
	assert.Nil(t, items[0].ErrorMessage)
	assert.JSONEq(t, `{"provider":"greenhouse"}`, string(items[0].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPending_Error(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectQuery("WITH claimed AS").WillReturnError(errors.New("connection reset"))

	_, err := s.ClaimPending(context.Background(), 10)
	assert.ErrorContains(t, err, "failed to claim pending items")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitions(t *testing.T) {
	runAt := time.Now().UTC().Add(time.Minute)

	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock) *sqlmock.ExpectedExec
		call   func(s *Storage) error
	}{
		{
			name: "completed",
			expect: func(mock sqlmock.Sqlmock) *sqlmock.ExpectedExec {
				return mock.ExpectExec(`UPDATE sync_queue SET status = \$1, completed_at = NOW\(\)`).
					WithArgs(domain.StatusCompleted, "item-1", domain.StatusProcessing)
			},
			call: func(s *Storage) error { return s.MarkCompleted(context.Background(), "item-1") },
		},
		{
			name: "retry",
			expect: func(mock sqlmock.Sqlmock) *sqlmock.ExpectedExec {
				return mock.ExpectExec(`UPDATE sync_queue SET status = \$1, retry_count = \$2, scheduled_at = \$3`).
					WithArgs(domain.StatusPending, 1, runAt, "timeout", "item-1", domain.StatusProcessing)
			},
			call: func(s *Storage) error { return s.MarkRetry(context.Background(), "item-1", 1, runAt, "timeout") },
		},
		{
			name: "failed",
			expect: func(mock sqlmock.Sqlmock) *sqlmock.ExpectedExec {
				return mock.ExpectExec(`UPDATE sync_queue SET status = \$1, retry_count = \$2, error_message = \$3`).
					WithArgs(domain.StatusFailed, 2, "timeout", "item-1", domain.StatusProcessing)
			},
			call: func(s *Storage) error { return s.MarkFailed(context.Background(), "item-1", 2, "timeout") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStorage(t)
			tt.expect(mock).WillReturnResult(sqlmock.NewResult(0, 1))

			require.NoError(t, tt.call(s))
			assert.NoError(t, mock.ExpectationsWereMet())
		})

		t.Run(tt.name+" not processing", func(t *testing.T) {
			s, mock := newTestStorage(t)
			tt.expect(mock).WillReturnResult(sqlmock.NewResult(0, 0))

			err := tt.call(s)
			assert.ErrorIs(t, err, domain.ErrItemNotFound)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEnqueueUnlessActive(t *testing.T) {
	item := domain.NewItem{
		IntegrationID: "int-1",
		Direction:     domain.DirectionInbound,
		Priority:      domain.PriorityNormal,
		Payload:       json.RawMessage(`{"provider":"lever"}`),
	}

	tests := []struct {
		name     string
		affected int64
		inserted bool
	}{
		{name: "no active row", affected: 1, inserted: true},
		{name: "active row exists", affected: 0, inserted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStorage(t)

			mock.ExpectBegin()
			mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1::text \|\| ':' \|\| \$2::text\)\)`).
				WithArgs("int-1", domain.DirectionInbound).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`INSERT INTO sync_queue (.+) SELECT (.+) WHERE NOT EXISTS \( SELECT 1 FROM sync_queue WHERE integration_id = \$1 AND direction = \$3 AND status IN \(\$6, \$10\) \)`).
				WithArgs("int-1", domain.EntityAll, domain.DirectionInbound, domain.ActionSync,
					domain.PriorityNormal, domain.StatusPending, sqlmock.AnyArg(), domain.DefaultMaxRetries,
					[]byte(`{"provider":"lever"}`), domain.StatusProcessing).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			mock.ExpectCommit()

			inserted, err := s.EnqueueUnlessActive(context.Background(), item)
			require.NoError(t, err)
			assert.Equal(t, tt.inserted, inserted)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEnqueueUnlessActive_LockFailureRollsBack(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("int-1", domain.DirectionOutbound).
		WillReturnError(errors.New("canceling statement due to lock timeout"))
	mock.ExpectRollback()

	inserted, err := s.EnqueueUnlessActive(context.Background(), domain.NewItem{
		IntegrationID: "int-1",
		Direction:     domain.DirectionOutbound,
	})
	require.Error(t, err)
	assert.False(t, inserted)
	assert.Contains(t, err.Error(), "failed to lock integration int-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay(t *testing.T) {
	t.Run("failed item", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectExec(`UPDATE sync_queue SET status = \$1, retry_count = 0, scheduled_at = NOW\(\), error_message = NULL`).
			WithArgs(domain.StatusPending, "item-1", domain.StatusFailed).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Replay(context.Background(), "item-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not failed or unknown", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectExec("UPDATE sync_queue").
			WithArgs(domain.StatusPending, "item-2", domain.StatusFailed).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.Replay(context.Background(), "item-2")
		assert.ErrorIs(t, err, queue.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetByID_NotFound(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectQuery("SELECT (.+) FROM sync_queue WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(itemRowColumns))

	_, err := s.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList(t *testing.T) {
	now := time.Now().UTC()

	t.Run("first page by status", func(t *testing.T) {
		s, mock := newTestStorage(t)

		mock.ExpectQuery(`SELECT (.+) FROM sync_queue WHERE 1=1 AND status = \$1 ORDER BY created_at DESC, id DESC LIMIT \$2`).
			WithArgs(domain.StatusFailed, 21).
			WillReturnRows(addItemRow(sqlmock.NewRows(itemRowColumns), "item-1", 5, now))

		items, err := s.List(context.Background(), domain.Filter{Status: domain.StatusFailed, PageSize: 20})
		require.NoError(t, err)
		assert.Len(t, items, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("after cursor", func(t *testing.T) {
		s, mock := newTestStorage(t)
		cursor := &domain.Cursor{CreatedAt: now, ID: "item-5"}

		mock.ExpectQuery(`WHERE 1=1 AND \(created_at, id\) < \(\$1, \$2\) ORDER BY created_at DESC, id DESC LIMIT \$3`).
			WithArgs(now, "item-5", 11).
			WillReturnRows(sqlmock.NewRows(itemRowColumns))

		items, err := s.List(context.Background(), domain.Filter{PageSize: 10, Cursor: cursor})
		require.NoError(t, err)
		assert.Empty(t, items)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStatsAndDepth(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FILTER").
		WillReturnRows(sqlmock.NewRows([]string{"pending", "processing", "completed", "failed"}).
			AddRow(4, 2, 10, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM sync_queue WHERE status = \\$1").
		WithArgs(domain.StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{Pending: 4, Processing: 2, Completed: 10, Failed: 1}, stats)

	depth, err := s.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, depth)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStale(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectExec(`UPDATE sync_queue SET status = \$1, started_at = NULL, updated_at = NOW\(\) WHERE status = \$2 AND started_at < \$3`).
		WithArgs(domain.StatusPending, domain.StatusProcessing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.RecoverStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSyncEnabled(t *testing.T) {
	s, mock := newTestStorage(t)

	mock.ExpectQuery("SELECT id, provider, direction, entity_type FROM integrations WHERE sync_enabled = true").
		WillReturnRows(sqlmock.NewRows([]string{"id", "provider", "direction", "entity_type"}).
			AddRow("int-1", "greenhouse", "bidirectional", "all").
			AddRow("int-2", "lever", "inbound", "candidates"))

	integrations, err := s.ListSyncEnabled(context.Background())
	require.NoError(t, err)
	require.Len(t, integrations, 2)
	assert.Equal(t, []string{"inbound", "outbound"}, integrations[0].Directions())
	assert.Equal(t, []string{"inbound"}, integrations[1].Directions())
	assert.NoError(t, mock.ExpectationsWereMet())
}
