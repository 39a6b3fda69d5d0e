package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestAppendWritesRow(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO events`).
		WithArgs("2026-03-01T12:00:00.000000Z", "policy.created", "policy", "p1", "system", `{"state":"pending"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := conn.Begin()
	require.NoError(t, err)
	w := Writer{Now: func() time.Time { return fixed }}
	require.NoError(t, w.Append(context.Background(), tx, "policy.created", "policy", "p1", "", EventPayload{"state": "pending"}))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendWrapsError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO events`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	tx, err := conn.Begin()
	require.NoError(t, err)
	err = Writer{}.Append(context.Background(), tx, "policy.expired", "policy", "p2", "sweeper", nil)
	require.ErrorContains(t, err, "append event policy.expired")
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}
