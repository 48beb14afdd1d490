package clearance

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFormKey = "https://docs.google.com/forms/d/e/cleared/viewform"
	testEmail   = "amy@school.edu"
)

func newMockProvider(t *testing.T) (*RecordProvider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRecordProvider(db), mock
}

func TestRecordCheckCleared(t *testing.T) {
	p, mock := newMockProvider(t)

	clearedAt := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT cleared, cleared_at FROM violation_clearances").
		WithArgs(testFormKey, testEmail).
		WillReturnRows(sqlmock.NewRows([]string{"cleared", "cleared_at"}).AddRow(true, clearedAt))

	st, err := p.Check(context.Background(), Query{FormKey: testFormKey, StudentEmail: testEmail})
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.Cleared)
	assert.Equal(t, "2026-09-01T10:00:00Z", st.ClearedAt)
	assert.Equal(t, "record", st.Source)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCheckNoRow(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectQuery("SELECT cleared, cleared_at FROM violation_clearances").
		WithArgs(testFormKey, testEmail).
		WillReturnRows(sqlmock.NewRows([]string{"cleared", "cleared_at"}))

	st, err := p.Check(context.Background(), Query{FormKey: testFormKey, StudentEmail: testEmail})
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestRecordCheckRevokedRow(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectQuery("SELECT cleared, cleared_at FROM violation_clearances").
		WithArgs(testFormKey, testEmail).
		WillReturnRows(sqlmock.NewRows([]string{"cleared", "cleared_at"}).AddRow(false, nil))

	st, err := p.Check(context.Background(), Query{FormKey: testFormKey, StudentEmail: testEmail})
	require.NoError(t, err)
	assert.Nil(t, st, "a cleared=false row reads as not cleared")
}

func TestRecordGrantAndRevoke(t *testing.T) {
	p, mock := newMockProvider(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO violation_clearances").
		WithArgs(testFormKey, testEmail, true, sqlmock.AnyArg(), "proctor-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, p.Grant(ctx, testFormKey, testEmail, "proctor-1"))

	mock.ExpectExec("DELETE FROM violation_clearances").
		WithArgs(testFormKey, testEmail).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.Revoke(ctx, testFormKey, testEmail))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCheckQueryError(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectQuery("SELECT cleared, cleared_at FROM violation_clearances").
		WillReturnError(assert.AnError)

	_, err := p.Check(context.Background(), Query{FormKey: testFormKey, StudentEmail: testEmail})
	assert.Error(t, err)
}
