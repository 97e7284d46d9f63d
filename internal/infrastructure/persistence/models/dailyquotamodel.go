package models

import (
	"time"
)

// DailyQuotaModel is the persistence model for the per-principal daily quota
// counter. Column names follow the legacy `consult_day` table shared with the
// previous implementation; do not rename them.
type DailyQuotaModel struct {
	ID        uint   `gorm:"primarykey"`
	Login     string `gorm:"column:loginP;size:120;not null;index:idx_consult_day_principal,priority:1"`
	Secret    string `gorm:"column:senhaP;size:120;not null;index:idx_consult_day_principal,priority:2"`
	Total     *int   `gorm:"column:total"`
	Used      int    `gorm:"column:usado;not null;default:0"`
	Remaining *int   `gorm:"column:restantes"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName specifies the table name for GORM
func (DailyQuotaModel) TableName() string {
	return "consult_day"
}

// EffectiveTotal resolves the row's ceiling, falling back to the configured
// default when the column is null or zero. Legacy rows use 0 interchangeably
// with NULL for "no explicit ceiling".
func (m *DailyQuotaModel) EffectiveTotal(configured int) int {
	if m.Total != nil && *m.Total != 0 {
		return *m.Total
	}
	return configured
}
