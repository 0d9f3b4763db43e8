package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/prodq/internal/domain"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, New(mock)
}

var jobCols = []string{"id", "type", "status", "input", "output", "error", "is_scheduled",
	"api_calls_used", "started_at", "completed_at", "created_at", "updated_at"}

func TestGetJob(t *testing.T) {
	mock, s := newMock(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	mock.ExpectQuery("from jobs where id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(
			"job-1", domain.JobProduct, domain.Running, []byte(`{"type":"product","asin":"B08N5WRWNW"}`),
			nil, nil, false, 2, &started, nil, time.Now(), time.Now()))

	j, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Running, j.Status)
	assert.Equal(t, domain.JobProduct, j.Type)
	assert.Equal(t, 2, j.APICallsUsed)
	assert.Nil(t, j.Output)

	var in domain.JobInput
	require.NoError(t, json.Unmarshal(j.Input, &in))
	assert.Equal(t, "B08N5WRWNW", in.ASIN)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectQuery("from jobs where id").WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertJobConflict(t *testing.T) {
	mock, s := newMock(t)
	now := time.Now()
	mock.ExpectExec("insert into jobs").
		WithArgs("job-1", domain.JobProduct, domain.Running, []byte("{}"), false, &now).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "jobs_pkey"})

	err := s.InsertJob(context.Background(), &domain.Job{
		ID: "job-1", Type: domain.JobProduct, Status: domain.Running, StartedAt: &now,
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningMissing(t *testing.T) {
	mock, s := newMock(t)
	at := time.Now()
	mock.ExpectExec("update jobs").WithArgs("job-1", at).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.ErrorIs(t, s.MarkRunning(context.Background(), "job-1", at), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	mock, s := newMock(t)
	at := time.Now()
	mock.ExpectExec("update jobs").
		WithArgs("job-1", "monthly API call limit exceeded", 0, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkFailed(context.Background(), "job-1", "monthly API call limit exceeded", 0, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSuspendJob(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectExec("update jobs").WithArgs("job-1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("update jobs").WithArgs("job-2").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.SuspendJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SuspendJob(context.Background(), "job-2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertProduct(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectQuery("insert into products").
		WithArgs("B08N5WRWNW", "Echo Dot", "", "Amazon", "", []byte(`["https://x.test/a.jpg"]`),
			pgxmock.AnyArg(), 10, "", "USD", []byte(`{}`), []byte(`[]`)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))

	p := &domain.Product{ASIN: "B08N5WRWNW", Title: "Echo Dot", Brand: "Amazon",
		Images: []string{"https://x.test/a.jpg"}, ReviewCount: 10, Currency: "USD"}
	id, err := s.InsertProduct(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	assert.Equal(t, int64(11), p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertProductDuplicate(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectQuery("insert into products").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "products_asin_key"})

	_, err := s.InsertProduct(context.Background(), &domain.Product{ASIN: "B08N5WRWNW"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestProductIDByASINNotFound(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectQuery("select id from products").WithArgs("B000000000").WillReturnError(pgx.ErrNoRows)

	_, err := s.ProductIDByASIN(context.Background(), "B000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceReviews(t *testing.T) {
	mock, s := newMock(t)
	now := time.Now()
	rs := []domain.Review{
		{Rating: 5, Text: "great", Author: "Ann", CollectedAt: now},
		{Rating: 2, Text: "meh", Author: "Bo", Verified: true, HelpfulCount: 3, CollectedAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec("delete from reviews").WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("DELETE", 4))
	for _, r := range rs {
		mock.ExpectExec("insert into reviews").
			WithArgs(int64(7), r.Rating, r.Title, r.Text, r.Author, r.ReviewDate, r.Verified, r.HelpfulCount, r.CollectedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, s.ReplaceReviews(context.Background(), 7, rs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceReviewsRollsBackOnInsertError(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from reviews").WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("insert into reviews").WillReturnError(&pgconn.PgError{Code: "23514"})
	mock.ExpectRollback()

	err := s.ReplaceReviews(context.Background(), 7, []domain.Review{{Rating: 9, Text: "x"}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureAndIncrementUsage(t *testing.T) {
	mock, s := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec("insert into api_usage").WithArgs("2024-03", 1000).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("select month, calls_used, calls_limit").WithArgs("2024-03").
		WillReturnRows(pgxmock.NewRows([]string{"month", "calls_used", "calls_limit", "updated_at"}).
			AddRow("2024-03", 12, 1000, now))
	mock.ExpectExec("insert into api_usage").WithArgs("2024-03", 1000, 1).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec, err := s.EnsureUsage(ctx, "2024-03", 1000)
	require.NoError(t, err)
	assert.Equal(t, 12, rec.CallsUsed)
	require.NoError(t, s.IncrementUsage(ctx, "2024-03", 1000, 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}
