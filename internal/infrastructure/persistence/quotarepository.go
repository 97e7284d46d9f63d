package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"presenca/internal/domain/quota"
	"presenca/internal/infrastructure/persistence/models"
	"presenca/internal/shared/biztime"
	sharedb "presenca/internal/shared/db"
	apperrors "presenca/internal/shared/errors"
	"presenca/internal/shared/logger"
)

// QuotaRepository implements quota.Ledger on the legacy consult_day table.
type QuotaRepository struct {
	db     *gorm.DB
	tm     *sharedb.TransactionManager
	logger logger.Interface
}

func NewQuotaRepository(db *gorm.DB, log logger.Interface) *QuotaRepository {
	return &QuotaRepository{
		db:     db,
		tm:     sharedb.NewTransactionManager(db),
		logger: log.Named("quota.repository"),
	}
}

var _ quota.Ledger = (*QuotaRepository)(nil)

// Consume runs the read-check-increment sequence under SERIALIZABLE isolation
// with a write-intent lock on the most recent row for the principal, so two
// concurrent requesters can never both observe stale usage and both pass the
// limit check. The row is created lazily and re-read under the same lock, so
// the check applies uniformly to fresh and existing rows.
func (r *QuotaRepository) Consume(ctx context.Context, principal quota.Principal, delta int, configuredTotal int) (*quota.Record, error) {
	if !principal.Valid() {
		return nil, apperrors.NewValidationError("login and secret are required to consume daily quota")
	}
	if delta <= 0 {
		return nil, apperrors.NewValidationError("quota delta must be a positive integer")
	}

	var final models.DailyQuotaModel
	err := r.tm.RunSerializable(ctx, func(txCtx context.Context) error {
		tx := sharedb.GetTxFromContext(txCtx, r.db)
		row, err := r.lockLatest(tx, principal)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fresh := models.DailyQuotaModel{
				Login:     principal.Login,
				Secret:    principal.Secret,
				Total:     &configuredTotal,
				Used:      0,
				Remaining: &configuredTotal,
			}
			if err := tx.Create(&fresh).Error; err != nil {
				return fmt.Errorf("failed to create quota row: %w", err)
			}
			if row, err = r.lockLatest(tx, principal); err != nil {
				return fmt.Errorf("failed to re-read quota row after insert: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("failed to lock quota row: %w", err)
		}

		total := row.EffectiveTotal(configuredTotal)
		remaining := total - row.Used
		if remaining < 0 {
			remaining = 0
		}
		if delta > remaining {
			return &quota.ExceededError{
				Total:     total,
				Used:      row.Used,
				Remaining: remaining,
				Requested: delta,
			}
		}

		nextUsed := row.Used + delta
		nextRemaining := total - nextUsed
		if nextRemaining < 0 {
			nextRemaining = 0
		}
		if err := tx.Model(&models.DailyQuotaModel{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"usado":      nextUsed,
				"restantes":  nextRemaining,
				"updated_at": time.Now(),
			}).Error; err != nil {
			return fmt.Errorf("failed to update quota row: %w", err)
		}

		if err := tx.Where("`loginP` = ? AND `senhaP` = ?", principal.Login, principal.Secret).
			Order("id DESC").
			First(&final).Error; err != nil {
			return fmt.Errorf("failed to reload quota row: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return toQuotaRecord(&final, configuredTotal), nil
}

// lockLatest reads the most recent quota row for the principal with intent to
// write, holding the lock for the rest of the transaction.
func (r *QuotaRepository) lockLatest(tx *gorm.DB, principal quota.Principal) (*models.DailyQuotaModel, error) {
	var row models.DailyQuotaModel
	err := sharedb.ForUpdate(tx, "").
		Where("`loginP` = ? AND `senhaP` = ?", principal.Login, principal.Secret).
		Order("id DESC").
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ResetStale zeroes every counter whose last update precedes the current
// business date and whose used count is positive, optionally filtered to one
// principal. The date predicate is self-limiting: a second sweep on the same
// day matches nothing.
func (r *QuotaRepository) ResetStale(ctx context.Context, filter quota.ResetFilter) ([]quota.ResetRecord, error) {
	startOfToday := biztime.StartOfToday()

	var records []quota.ResetRecord
	err := r.tm.RunInTransaction(ctx, func(txCtx context.Context) error {
		tx := sharedb.GetTxFromContext(txCtx, r.db)
		stale := func(q *gorm.DB) *gorm.DB {
			q = q.Where("usado > 0").Where("updated_at < ?", startOfToday)
			if filter.Login != "" {
				q = q.Where("`loginP` = ?", filter.Login)
			}
			if filter.Secret != "" {
				q = q.Where("`senhaP` = ?", filter.Secret)
			}
			return q
		}

		var before []models.DailyQuotaModel
		if err := sharedb.ForUpdate(stale(tx), "").Find(&before).Error; err != nil {
			return fmt.Errorf("failed to read stale quota rows: %w", err)
		}
		if len(before) == 0 {
			return nil
		}

		ids := make([]uint, len(before))
		previous := make(map[uint]models.DailyQuotaModel, len(before))
		for i, m := range before {
			ids[i] = m.ID
			previous[m.ID] = m
		}

		now := time.Now()
		if err := tx.Model(&models.DailyQuotaModel{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"usado":      0,
				"restantes":  gorm.Expr("CASE WHEN total IS NULL OR total < 0 THEN 0 ELSE total END"),
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("failed to reset stale quota rows: %w", err)
		}

		var after []models.DailyQuotaModel
		if err := tx.Where("id IN ?", ids).Find(&after).Error; err != nil {
			return fmt.Errorf("failed to reload reset quota rows: %w", err)
		}

		records = make([]quota.ResetRecord, 0, len(after))
		for _, m := range after {
			prev := previous[m.ID]
			remaining := 0
			if m.Remaining != nil {
				remaining = *m.Remaining
			}
			records = append(records, quota.ResetRecord{
				ID:                m.ID,
				Login:             m.Login,
				PreviousUsed:      prev.Used,
				Used:              m.Used,
				Remaining:         remaining,
				PreviousUpdatedAt: prev.UpdatedAt,
				UpdatedAt:         m.UpdatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func toQuotaRecord(m *models.DailyQuotaModel, configuredTotal int) *quota.Record {
	total := m.EffectiveTotal(configuredTotal)
	remaining := total - m.Used
	if remaining < 0 {
		remaining = 0
	}
	if m.Remaining != nil {
		remaining = *m.Remaining
	}
	return &quota.Record{
		ID:        m.ID,
		Principal: quota.Principal{Login: m.Login, Secret: m.Secret},
		Total:     total,
		Used:      m.Used,
		Remaining: remaining,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
