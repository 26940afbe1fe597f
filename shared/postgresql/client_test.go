package postgresql

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return sqlx.NewDb(mockDB, "postgres"), mock
}

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{
			name: "discrete fields",
			config: Config{
				Host: "db", Port: 5432, User: "app", Password: "secret", Database: "jobs", SSLMode: "require",
			},
			want: "host=db port=5432 user=app password=secret dbname=jobs sslmode=require",
		},
		{
			name:   "sslmode defaults to disable",
			config: Config{Host: "db", Port: 5432, User: "app", Password: "secret", Database: "jobs"},
			want:   "host=db port=5432 user=app password=secret dbname=jobs sslmode=disable",
		},
		{
			name:   "url wins",
			config: Config{URL: "postgres://app@db/jobs", Host: "ignored"},
			want:   "postgres://app@db/jobs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.DSN())
		})
	}
}

func TestWithTx(t *testing.T) {
	t.Run("commit on success", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM job_dead_letters").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := WithTx(context.Background(), db, func(tx *sqlx.Tx) error {
			_, err := tx.Exec("DELETE FROM job_dead_letters WHERE id = $1", "x")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback on error", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		cause := errors.New("republish failed")
		err := WithTx(context.Background(), db, func(tx *sqlx.Tx) error {
			return cause
		})
		assert.ErrorIs(t, err, cause)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestClient_HealthCheck(t *testing.T) {
	db, mock := newMock(t)
	client := NewFromDB(db, slog.New(slog.NewTextHandler(io.Discard, nil)))

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	require.NoError(t, client.HealthCheck(context.Background()))

	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection reset"))
	err := client.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database health check failed")

	assert.NoError(t, mock.ExpectationsWereMet())
}
