package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"presenca/internal/domain/consultation"
	"presenca/internal/infrastructure/persistence/models"
	"presenca/internal/shared/logger"
)

func newConsultationRepo(t *testing.T) (*ConsultationRepository, *gorm.DB) {
	db := setupTestDB(t)
	return NewConsultationRepository(db, logger.NewLogger()), db
}

func enqueue(t *testing.T, repo *ConsultationRepository, owner string, cpfs ...string) {
	rows := make([]consultation.SubjectRow, len(cpfs))
	for i, cpf := range cpfs {
		rows[i] = consultation.SubjectRow{CPF: cpf, Name: "SUBJECT " + cpf}
	}
	_, err := repo.EnqueuePending(context.Background(), rows, owner, "lote-teste", time.Now())
	require.NoError(t, err)
}

func TestConsultationRepository_EnqueuePending(t *testing.T) {
	repo, db := newConsultationRepo(t)
	ctx := context.Background()

	t.Run("sanitizes identifiers and counts drops", func(t *testing.T) {
		rows := []consultation.SubjectRow{
			{CPF: "123.456.789-01", Name: "Maria", Phone: "(11) 98888-7777"},
			{CPF: "no digits here", Name: "dropped"},
			{CPF: "00000000191"},
		}
		result, err := repo.EnqueuePending(ctx, rows, "owner-1", "lote-1", time.Now())
		require.NoError(t, err)
		assert.Equal(t, 2, result.Inserted)
		assert.Equal(t, 1, result.Skipped)

		var m models.ConsultationModel
		require.NoError(t, db.Where("cpf = ?", 12345678901).First(&m).Error)
		assert.Equal(t, string(consultation.StatusPending), m.Status)
		require.NotNil(t, m.Phone)
		assert.Equal(t, int64(11988887777), *m.Phone)
		assert.Equal(t, "owner-1", m.Login)
		assert.Equal(t, "lote-1", m.BatchLabel)
	})

	t.Run("all rows invalid inserts nothing", func(t *testing.T) {
		result, err := repo.EnqueuePending(ctx, []consultation.SubjectRow{{CPF: "abc"}}, "owner-1", "lote-2", time.Now())
		require.NoError(t, err)
		assert.Zero(t, result.Inserted)
		assert.Equal(t, 1, result.Skipped)
	})
}

func TestConsultationRepository_ListPending_Fairness(t *testing.T) {
	repo, _ := newConsultationRepo(t)
	ctx := context.Background()

	// Owner A floods the queue before owner B's single row arrives.
	cpfsA := make([]string, 10)
	for i := range cpfsA {
		cpfsA[i] = "100000000" + string(rune('0'+i)) + "0"
	}
	enqueue(t, repo, "owner-a", cpfsA...)
	enqueue(t, repo, "owner-b", "20000000000")

	items, err := repo.ListPending(ctx, 6)
	require.NoError(t, err)
	require.Len(t, items, 6)

	owners := map[string]int{}
	for _, item := range items {
		owners[item.Owner]++
	}
	// Per-owner arrival rank interleaves the owners: B's first row ranks
	// alongside A's first row instead of behind A's whole batch.
	assert.Equal(t, 1, owners["owner-b"])
	assert.Equal(t, 5, owners["owner-a"])

	t.Run("zero limit returns nothing", func(t *testing.T) {
		items, err := repo.ListPending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}

func TestConsultationRepository_Claim(t *testing.T) {
	repo, db := newConsultationRepo(t)
	ctx := context.Background()

	enqueue(t, repo, "owner-c", "30000000000")
	var m models.ConsultationModel
	require.NoError(t, db.Where("cpf = ?", 30000000000).First(&m).Error)

	t.Run("claims a pending row exactly once", func(t *testing.T) {
		item, err := repo.Claim(ctx, m.ID)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, consultation.StatusProcessing, item.Status)
		assert.Equal(t, "owner-c", item.Owner)

		again, err := repo.Claim(ctx, m.ID)
		require.NoError(t, err)
		assert.Nil(t, again)
	})

	t.Run("missing row yields nil without error", func(t *testing.T) {
		item, err := repo.Claim(ctx, 99999)
		require.NoError(t, err)
		assert.Nil(t, item)
	})
}

func TestConsultationRepository_Claim_Concurrent(t *testing.T) {
	repo, db := newConsultationRepo(t)
	ctx := context.Background()

	enqueue(t, repo, "owner-race", "40000000000")
	var m models.ConsultationModel
	require.NoError(t, db.Where("cpf = ?", 40000000000).First(&m).Error)

	const claimers = 8
	var wg sync.WaitGroup
	winners := make([]*consultation.QueueItem, claimers)
	claimErrs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			winners[i], claimErrs[i] = repo.Claim(ctx, m.ID)
		}(i)
	}
	wg.Wait()

	var won int
	for i := range winners {
		require.NoError(t, claimErrs[i])
		if winners[i] != nil {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestConsultationRepository_MarkStatus(t *testing.T) {
	repo, db := newConsultationRepo(t)
	ctx := context.Background()

	enqueue(t, repo, "owner-d", "50000000000")
	var m models.ConsultationModel
	require.NoError(t, db.Where("cpf = ?", 50000000000).First(&m).Error)

	msg := "processing failed"
	affected, err := repo.MarkStatus(ctx, m.ID, consultation.StatusError, &msg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	require.NoError(t, db.First(&m, m.ID).Error)
	assert.Equal(t, string(consultation.StatusError), m.Status)
	require.NotNil(t, m.Message)
	assert.Equal(t, msg, *m.Message)

	t.Run("nil message preserves the previous one", func(t *testing.T) {
		affected, err := repo.MarkStatus(ctx, m.ID, consultation.StatusPending, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), affected)

		require.NoError(t, db.First(&m, m.ID).Error)
		assert.Equal(t, string(consultation.StatusPending), m.Status)
		require.NotNil(t, m.Message)
		assert.Equal(t, msg, *m.Message)
	})
}

func TestConsultationRepository_CompleteClaimed(t *testing.T) {
	repo, db := newConsultationRepo(t)
	ctx := context.Background()

	seedClaimed := func(cpf int64) *consultation.QueueItem {
		enqueue(t, repo, "owner-e", "0"+time.Now().Format("150405")+"0000")
		var m models.ConsultationModel
		require.NoError(t, db.Order("id DESC").First(&m).Error)
		require.NoError(t, db.Model(&m).Update("cpf", cpf).Error)
		item, err := repo.Claim(ctx, m.ID)
		require.NoError(t, err)
		require.NotNil(t, item)
		return item
	}

	t.Run("first facet merges, siblings share identity", func(t *testing.T) {
		item := seedClaimed(60000000001)

		eligible := "Sim"
		margin := "350.00"
		offer1 := "CREDITO A"
		offer2 := "CREDITO B"
		offer3 := "CREDITO C"
		cpf := int64(60000000001)
		payload := json.RawMessage(`{"ok":true}`)
		msg := "consulta concluida"

		facets := []consultation.Facet{
			{CPF: &cpf, Eligible: &eligible, AvailableMargin: &margin, OfferName: &offer1, Payload: payload},
			{CPF: &cpf, OfferName: &offer2},
			{CPF: &cpf, OfferName: &offer3},
			{OfferName: &offer1}, // no identifier, skipped
		}

		result, err := repo.CompleteClaimed(ctx, item, facets, consultation.CompleteOptions{
			Status:  consultation.StatusConcluded,
			Message: &msg,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Updated)
		assert.Equal(t, 2, result.Inserted)
		assert.Equal(t, 1, result.Skipped)

		var updated models.ConsultationModel
		require.NoError(t, db.First(&updated, item.ID).Error)
		assert.Equal(t, string(consultation.StatusConcluded), updated.Status)
		require.NotNil(t, updated.Eligible)
		assert.Equal(t, "Sim", *updated.Eligible)
		require.NotNil(t, updated.OfferName)
		assert.Equal(t, "CREDITO A", *updated.OfferName)
		require.NotNil(t, updated.Message)
		assert.Equal(t, msg, *updated.Message)

		var siblings []models.ConsultationModel
		require.NoError(t, db.Where("cpf = ? AND id <> ?", cpf, item.ID).Find(&siblings).Error)
		require.Len(t, siblings, 2)
		for _, s := range siblings {
			assert.Equal(t, item.Owner, s.Login)
			assert.Equal(t, item.BatchLabel, s.BatchLabel)
			assert.Equal(t, string(consultation.StatusConcluded), s.Status)
			assert.WithinDuration(t, item.CreatedAt, s.CreatedAt, time.Second)
		}
	})

	t.Run("zero valid facets degrade to a terminal mark", func(t *testing.T) {
		item := seedClaimed(60000000002)
		msg := "nenhum vinculo encontrado"

		result, err := repo.CompleteClaimed(ctx, item, nil, consultation.CompleteOptions{
			Status:  consultation.StatusError,
			Message: &msg,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Updated)
		assert.Zero(t, result.Inserted)

		var updated models.ConsultationModel
		require.NoError(t, db.First(&updated, item.ID).Error)
		assert.Equal(t, string(consultation.StatusError), updated.Status)
		require.NotNil(t, updated.CPF)
		assert.Equal(t, int64(60000000002), *updated.CPF, "subject columns survive an empty completion")
	})
}

func TestConsultationRepository_InsertResults(t *testing.T) {
	repo, db := newConsultationRepo(t)
	ctx := context.Background()

	cpf := int64(70000000000)
	name := "JOAO DA SILVA"
	msg := "ok"
	result, err := repo.InsertResults(ctx,
		[]consultation.Facet{{CPF: &cpf, Name: &name}, {}},
		"owner-f", "Individual", time.Now(), consultation.StatusConcluded, &msg)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Skipped)

	var m models.ConsultationModel
	require.NoError(t, db.Where("cpf = ?", cpf).First(&m).Error)
	assert.Equal(t, "Individual", m.BatchLabel)
	assert.Equal(t, string(consultation.StatusConcluded), m.Status)
}

func TestConsultationRepository_LookupConsultedToday(t *testing.T) {
	repo, db := newConsultationRepo(t)
	ctx := context.Background()

	enqueue(t, repo, "owner-g", "80000000001", "80000000002")

	// Push one row's creation into the previous day.
	require.NoError(t, db.Model(&models.ConsultationModel{}).
		Where("cpf = ?", 80000000002).
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	seen, err := repo.LookupConsultedToday(ctx, "owner-g",
		[]int64{80000000001, 80000000002, 80000000003})
	require.NoError(t, err)

	assert.Contains(t, seen, int64(80000000001))
	assert.NotContains(t, seen, int64(80000000002))
	assert.NotContains(t, seen, int64(80000000003))

	t.Run("scoped to the owner", func(t *testing.T) {
		seen, err := repo.LookupConsultedToday(ctx, "someone-else", []int64{80000000001})
		require.NoError(t, err)
		assert.Empty(t, seen)
	})

	t.Run("empty input short-circuits", func(t *testing.T) {
		seen, err := repo.LookupConsultedToday(ctx, "owner-g", nil)
		require.NoError(t, err)
		assert.Empty(t, seen)
	})
}
