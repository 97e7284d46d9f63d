package migration

import (
	"presenca/internal/infrastructure/persistence/models"
)

func AutoMigrateModels() []interface{} {
	return []interface{}{
		&models.DailyQuotaModel{},
		&models.ConsultationModel{},
	}
}
