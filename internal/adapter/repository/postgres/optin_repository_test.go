package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/subwatch/internal/adapter/metrics"
	"github.com/V4T54L/subwatch/internal/domain"
)

func TestOptInRepository_OptInByOrgID(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	insert := regexp.QuoteMeta("INSERT INTO org_config (org_id, opt_in_type, created, updated) VALUES ($1, $2, NOW(), NOW()) ON CONFLICT (org_id) DO NOTHING")

	newRepo := func(t *testing.T) (*OptInRepository, sqlmock.Sqlmock, *metrics.Metrics) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		m := metrics.New(prometheus.NewRegistry())
		return NewOptInRepository(db, logger, time.Minute, m), mock, m
	}

	t.Run("Cached After First Opt In", func(t *testing.T) {
		repo, mock, m := newRepo(t)
		mock.ExpectExec(insert).WithArgs("org1", "PROMETHEUS").WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.OptInByOrgID(ctx, "org1", domain.OptInPrometheus))
		require.NoError(t, repo.OptInByOrgID(ctx, "org1", domain.OptInPrometheus))

		assert.NoError(t, mock.ExpectationsWereMet())
		assert.Equal(t, 1.0, testutil.ToFloat64(m.OptInCacheMisses))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.OptInCacheHits))
	})

	t.Run("Expired Entry Goes Back To Database", func(t *testing.T) {
		repo, mock, _ := newRepo(t)
		now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		repo.now = func() time.Time { return now }

		mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, repo.OptInByOrgID(ctx, "org1", domain.OptInPrometheus))
		now = now.Add(2 * time.Minute)
		require.NoError(t, repo.OptInByOrgID(ctx, "org1", domain.OptInPrometheus))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Expired Entries Are Swept", func(t *testing.T) {
		repo, mock, _ := newRepo(t)
		now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		repo.now = func() time.Time { return now }
		for i := 0; i < 3; i++ {
			mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(0, 1))
		}

		require.NoError(t, repo.OptInByOrgID(ctx, "org1", domain.OptInPrometheus))
		require.NoError(t, repo.OptInByOrgID(ctx, "org2", domain.OptInPrometheus))
		assert.Len(t, repo.cache, 2)

		now = now.Add(2 * time.Minute)
		require.NoError(t, repo.OptInByOrgID(ctx, "org3", domain.OptInPrometheus))
		assert.Equal(t, []string{"org3"}, slices.Collect(maps.Keys(repo.cache)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Errors Are Not Cached", func(t *testing.T) {
		repo, mock, _ := newRepo(t)
		dbErr := errors.New("connection reset by peer")
		mock.ExpectExec(insert).WillReturnError(dbErr)
		mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(0, 1))

		require.ErrorIs(t, repo.OptInByOrgID(ctx, "org1", domain.OptInPrometheus), dbErr)
		require.NoError(t, repo.OptInByOrgID(ctx, "org1", domain.OptInPrometheus))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS events").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, EnsureSchema(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
