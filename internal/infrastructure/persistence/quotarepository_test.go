package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"presenca/internal/domain/quota"
	"presenca/internal/infrastructure/persistence/models"
	"presenca/internal/shared/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// A single connection keeps every session on the same in-memory database
	// and serializes concurrent transactions instead of failing with BUSY.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&models.DailyQuotaModel{}, &models.ConsultationModel{})
	require.NoError(t, err)

	return db
}

func TestQuotaRepository_Consume(t *testing.T) {
	db := setupTestDB(t)
	repo := NewQuotaRepository(db, logger.NewLogger())
	ctx := context.Background()

	principal := quota.Principal{Login: "partner-a", Secret: "s3cret"}

	t.Run("creates row lazily on first consumption", func(t *testing.T) {
		record, err := repo.Consume(ctx, principal, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 10, record.Total)
		assert.Equal(t, 1, record.Used)
		assert.Equal(t, 9, record.Remaining)
	})

	t.Run("accumulates usage on the same row", func(t *testing.T) {
		record, err := repo.Consume(ctx, principal, 3, 10)
		require.NoError(t, err)
		assert.Equal(t, 4, record.Used)
		assert.Equal(t, 6, record.Remaining)

		var count int64
		require.NoError(t, db.Model(&models.DailyQuotaModel{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("rejects consumption past the ceiling without mutating", func(t *testing.T) {
		_, err := repo.Consume(ctx, principal, 6, 10)
		require.NoError(t, err)

		_, err = repo.Consume(ctx, principal, 1, 10)
		require.Error(t, err)

		var exceeded *quota.ExceededError
		require.True(t, errors.As(err, &exceeded))
		assert.Equal(t, 10, exceeded.Total)
		assert.Equal(t, 10, exceeded.Used)
		assert.Equal(t, 0, exceeded.Remaining)
		assert.Equal(t, 1, exceeded.Requested)

		var row models.DailyQuotaModel
		require.NoError(t, db.First(&row).Error)
		assert.Equal(t, 10, row.Used)
	})

	t.Run("row total overrides the configured default", func(t *testing.T) {
		other := quota.Principal{Login: "partner-b", Secret: "x"}
		three := 3
		require.NoError(t, db.Create(&models.DailyQuotaModel{
			Login: other.Login, Secret: other.Secret, Total: &three,
		}).Error)

		_, err := repo.Consume(ctx, other, 4, 100)
		var exceeded *quota.ExceededError
		require.True(t, errors.As(err, &exceeded))
		assert.Equal(t, 3, exceeded.Total)
	})

	t.Run("zero stored total falls back to the configured default", func(t *testing.T) {
		other := quota.Principal{Login: "partner-zero", Secret: "x"}
		zero := 0
		require.NoError(t, db.Create(&models.DailyQuotaModel{
			Login: other.Login, Secret: other.Secret, Total: &zero,
		}).Error)

		// Legacy rows carry total = 0 meaning "no explicit ceiling", not a
		// hard zero budget.
		record, err := repo.Consume(ctx, other, 1, 25)
		require.NoError(t, err)
		assert.Equal(t, 25, record.Total)
		assert.Equal(t, 1, record.Used)
	})

	t.Run("validates principal and delta", func(t *testing.T) {
		_, err := repo.Consume(ctx, quota.Principal{Login: "only-login"}, 1, 10)
		assert.Error(t, err)

		_, err = repo.Consume(ctx, principal, 0, 10)
		assert.Error(t, err)

		_, err = repo.Consume(ctx, principal, -2, 10)
		assert.Error(t, err)
	})
}

func TestQuotaRepository_Consume_Concurrent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewQuotaRepository(db, logger.NewLogger())
	ctx := context.Background()

	principal := quota.Principal{Login: "partner-race", Secret: "s"}
	const total = 5
	const attempts = 12

	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = repo.Consume(ctx, principal, 1, total)
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		var exceeded *quota.ExceededError
		require.True(t, errors.As(err, &exceeded), "unexpected error: %v", err)
		rejected++
	}
	assert.Equal(t, total, ok)
	assert.Equal(t, attempts-total, rejected)

	var row models.DailyQuotaModel
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, total, row.Used)
}

func TestQuotaRepository_ResetStale(t *testing.T) {
	db := setupTestDB(t)
	repo := NewQuotaRepository(db, logger.NewLogger())
	ctx := context.Background()

	yesterday := time.Now().Add(-48 * time.Hour)
	ten := 10
	zero := 0

	seed := func(login string, used int, updatedAt time.Time, total *int) uint {
		row := models.DailyQuotaModel{
			Login: login, Secret: "s", Total: total, Used: used, Remaining: &zero,
		}
		require.NoError(t, db.Create(&row).Error)
		// Create sets updated_at itself; push it back explicitly.
		require.NoError(t, db.Model(&models.DailyQuotaModel{}).
			Where("id = ?", row.ID).
			Update("updated_at", updatedAt).Error)
		return row.ID
	}

	staleID := seed("stale", 7, yesterday, &ten)
	seed("fresh", 4, time.Now(), &ten)
	seed("stale-unused", 0, yesterday, &ten)
	nullTotalID := seed("stale-null-total", 2, yesterday, nil)

	records, err := repo.ResetStale(ctx, quota.ResetFilter{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[uint]quota.ResetRecord{}
	for _, r := range records {
		byID[r.ID] = r
	}

	stale := byID[staleID]
	assert.Equal(t, 7, stale.PreviousUsed)
	assert.Equal(t, 0, stale.Used)
	assert.Equal(t, 10, stale.Remaining)
	assert.True(t, stale.UpdatedAt.After(stale.PreviousUpdatedAt))

	// A null total cannot produce a usable remaining budget.
	assert.Equal(t, 0, byID[nullTotalID].Remaining)

	var fresh models.DailyQuotaModel
	require.NoError(t, db.Where("`loginP` = ?", "fresh").First(&fresh).Error)
	assert.Equal(t, 4, fresh.Used)

	t.Run("second sweep on the same day matches nothing", func(t *testing.T) {
		again, err := repo.ResetStale(ctx, quota.ResetFilter{})
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}

func TestQuotaRepository_ResetStale_Filter(t *testing.T) {
	db := setupTestDB(t)
	repo := NewQuotaRepository(db, logger.NewLogger())
	ctx := context.Background()

	yesterday := time.Now().Add(-48 * time.Hour)
	ten := 10
	for _, login := range []string{"keep", "sweep"} {
		row := models.DailyQuotaModel{Login: login, Secret: "s", Total: &ten, Used: 5}
		require.NoError(t, db.Create(&row).Error)
		require.NoError(t, db.Model(&models.DailyQuotaModel{}).
			Where("id = ?", row.ID).
			Update("updated_at", yesterday).Error)
	}

	records, err := repo.ResetStale(ctx, quota.ResetFilter{Login: "sweep"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sweep", records[0].Login)

	var kept models.DailyQuotaModel
	require.NoError(t, db.Where("`loginP` = ?", "keep").First(&kept).Error)
	assert.Equal(t, 5, kept.Used)
}
