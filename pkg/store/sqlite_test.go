package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
)

func newMockSQLite(t *testing.T) (*SQLite, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &SQLite{db: db}, mock
}

func TestSQLite_Append_CommitsSingleTransaction(t *testing.T) {
	s, mock := newMockSQLite(t)
	ctx := context.Background()

	input := &envelope.Envelope{MessageID: "cmd-1", TS: 10, Source: envelope.Source{Agent: "orders"}}
	output := &envelope.Envelope{MessageID: "evt-1", TS: 11, Source: envelope.Source{Agent: "orders"}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").WithArgs(
		"cmd-1", "acme", "prod", "orders", "key-1", roleInput, sqlmock.AnyArg(), int64(10),
	).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO events").WithArgs(
		"evt-1", "acme", "prod", "orders", "key-1", roleOutput, sqlmock.AnyArg(), int64(11),
	).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("INSERT INTO entity_versions").WithArgs(
		"acme", "prod", "orders", "e1", int64(4),
	).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Append(ctx, "acme", "prod", "key-1", input, []*envelope.Envelope{output},
		[]EntityBump{{Agent: "orders", EntityID: "e1", Version: 4}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_Append_RollsBackOnFailure(t *testing.T) {
	s, mock := newMockSQLite(t)
	ctx := context.Background()

	input := &envelope.Envelope{MessageID: "cmd-1", TS: 10, Source: envelope.Source{Agent: "orders"}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.Append(ctx, "acme", "prod", "key-1", input, nil, nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_RequiresScope(t *testing.T) {
	s, _ := newMockSQLite(t)
	assert.Panics(t, func() {
		_, _ = s.CurrentEntityVersion(context.Background(), "", "prod", "orders", "e1")
	})
}
