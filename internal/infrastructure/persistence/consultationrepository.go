package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"presenca/internal/domain/consultation"
	"presenca/internal/infrastructure/persistence/models"
	"presenca/internal/shared/biztime"
	sharedb "presenca/internal/shared/db"
	"presenca/internal/shared/logger"
	"presenca/internal/shared/utils"
)

const (
	maxNameLen    = 100
	maxLabelLen   = 50
	maxMessageLen = 500
)

// ConsultationRepository implements consultation.Repository on the legacy
// consulta_presenca table.
type ConsultationRepository struct {
	db     *gorm.DB
	tm     *sharedb.TransactionManager
	logger logger.Interface
}

func NewConsultationRepository(db *gorm.DB, log logger.Interface) *ConsultationRepository {
	return &ConsultationRepository{
		db:     db,
		tm:     sharedb.NewTransactionManager(db),
		logger: log.Named("consultation.repository"),
	}
}

var _ consultation.Repository = (*ConsultationRepository)(nil)

func (r *ConsultationRepository) EnqueuePending(ctx context.Context, rows []consultation.SubjectRow, owner, batchLabel string, createdAt time.Time) (consultation.EnqueueResult, error) {
	var result consultation.EnqueueResult

	ms := make([]models.ConsultationModel, 0, len(rows))
	for _, row := range rows {
		cpf := digitsToInt(row.CPF)
		if cpf == nil {
			result.Skipped++
			continue
		}
		ms = append(ms, models.ConsultationModel{
			CPF:        cpf,
			Name:       trimmedPtr(row.Name, maxNameLen),
			Phone:      digitsToInt(row.Phone),
			Login:      owner,
			BatchLabel: truncate(batchLabel, maxLabelLen),
			Status:     string(consultation.StatusPending),
			CreatedAt:  createdAt,
			UpdatedAt:  createdAt,
		})
	}
	if len(ms) == 0 {
		return result, nil
	}

	if err := r.db.WithContext(ctx).Create(&ms).Error; err != nil {
		return consultation.EnqueueResult{}, fmt.Errorf("failed to enqueue pending consultations: %w", err)
	}
	result.Inserted = len(ms)
	return result, nil
}

// ListPending reads up to limit pending rows without blocking on rows locked
// by a concurrent claimer. Ordering interleaves owners by per-owner arrival
// rank, then id, so one owner's large batch cannot starve another owner's
// small one within a poll cycle.
func (r *ConsultationRepository) ListPending(ctx context.Context, limit int) ([]consultation.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := "SELECT cp.* FROM consulta_presenca cp " +
		"JOIN (SELECT id, ROW_NUMBER() OVER (PARTITION BY `loginP` ORDER BY id) AS fair_rank " +
		"FROM consulta_presenca WHERE status = ?) ranked ON ranked.id = cp.id " +
		"ORDER BY ranked.fair_rank, cp.id LIMIT ?"
	if sharedb.SupportsRowLocking(r.db) {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var ms []models.ConsultationModel
	if err := r.db.WithContext(ctx).
		Raw(query, string(consultation.StatusPending), limit).
		Scan(&ms).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending consultations: %w", err)
	}

	items := make([]consultation.QueueItem, len(ms))
	for i := range ms {
		items[i] = *toQueueItem(&ms[i])
	}
	return items, nil
}

// Claim transitions one row from Pendente to Processando. The read takes a
// non-blocking write-intent lock; the status predicate on the update makes
// the transition race-free on dialects without row locks as well. A row that
// raced away or does not exist yields (nil, nil).
func (r *ConsultationRepository) Claim(ctx context.Context, id uint) (*consultation.QueueItem, error) {
	var claimed *consultation.QueueItem
	err := r.tm.RunInTransaction(ctx, func(txCtx context.Context) error {
		tx := sharedb.GetTxFromContext(txCtx, r.db)
		var m models.ConsultationModel
		err := sharedb.ForUpdate(tx, sharedb.SkipLocked).
			Where("id = ? AND status = ?", id, string(consultation.StatusPending)).
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock pending consultation %d: %w", id, err)
		}

		now := time.Now()
		res := tx.Model(&models.ConsultationModel{}).
			Where("id = ? AND status = ?", id, string(consultation.StatusPending)).
			Updates(map[string]interface{}{
				"status":     string(consultation.StatusProcessing),
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to claim consultation %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		m.Status = string(consultation.StatusProcessing)
		m.UpdatedAt = now
		claimed = toQueueItem(&m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *ConsultationRepository) MarkStatus(ctx context.Context, id uint, status consultation.Status, message *string) (int64, error) {
	updates := map[string]interface{}{
		"status":     string(status),
		"updated_at": time.Now(),
	}
	if message != nil {
		updates["mensagem"] = truncate(*message, maxMessageLen)
	}

	res := r.db.WithContext(ctx).
		Model(&models.ConsultationModel{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark consultation %d as %s: %w", id, status, res.Error)
	}
	return res.RowsAffected, nil
}

// CompleteClaimed finishes a claimed row in a single transaction. The first
// valid facet merges into the original row in place; nil facet fields leave
// the existing column values untouched. Remaining facets insert as sibling
// rows sharing the owner, batch label and creation timestamp of the original,
// so they are recognizable as one unit of work.
func (r *ConsultationRepository) CompleteClaimed(ctx context.Context, item *consultation.QueueItem, facets []consultation.Facet, opts consultation.CompleteOptions) (consultation.CompleteResult, error) {
	valid := make([]consultation.Facet, 0, len(facets))
	for i := range facets {
		if facets[i].Valid() {
			valid = append(valid, facets[i])
		}
	}
	result := consultation.CompleteResult{Skipped: len(facets) - len(valid)}

	err := r.tm.RunInTransaction(ctx, func(txCtx context.Context) error {
		tx := sharedb.GetTxFromContext(txCtx, r.db)
		now := time.Now()

		if len(valid) == 0 {
			res := tx.Model(&models.ConsultationModel{}).
				Where("id = ?", item.ID).
				Updates(terminalUpdates(opts, now))
			if res.Error != nil {
				return fmt.Errorf("failed to finalize consultation %d: %w", item.ID, res.Error)
			}
			result.Updated = int(res.RowsAffected)
			return nil
		}

		updates := facetUpdates(&valid[0])
		for k, v := range terminalUpdates(opts, now) {
			updates[k] = v
		}
		res := tx.Model(&models.ConsultationModel{}).
			Where("id = ?", item.ID).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to merge facet into consultation %d: %w", item.ID, res.Error)
		}
		result.Updated = int(res.RowsAffected)

		if len(valid) == 1 {
			return nil
		}
		siblings := make([]models.ConsultationModel, 0, len(valid)-1)
		for i := range valid[1:] {
			m := modelFromFacet(&valid[i+1])
			m.Login = item.Owner
			m.BatchLabel = item.BatchLabel
			m.Status = string(opts.Status)
			if opts.Message != nil {
				m.Message = strPtr(truncate(*opts.Message, maxMessageLen))
			}
			m.CreatedAt = item.CreatedAt
			m.UpdatedAt = now
			siblings = append(siblings, m)
		}
		if err := tx.Create(&siblings).Error; err != nil {
			return fmt.Errorf("failed to insert sibling facets for consultation %d: %w", item.ID, err)
		}
		result.Inserted = len(siblings)
		return nil
	})
	if err != nil {
		return consultation.CompleteResult{}, err
	}
	return result, nil
}

func (r *ConsultationRepository) InsertResults(ctx context.Context, facets []consultation.Facet, owner, batchLabel string, createdAt time.Time, status consultation.Status, message *string) (consultation.CompleteResult, error) {
	var result consultation.CompleteResult

	ms := make([]models.ConsultationModel, 0, len(facets))
	for i := range facets {
		if !facets[i].Valid() {
			result.Skipped++
			continue
		}
		m := modelFromFacet(&facets[i])
		m.Login = owner
		m.BatchLabel = truncate(batchLabel, maxLabelLen)
		m.Status = string(status)
		if message != nil {
			m.Message = strPtr(truncate(*message, maxMessageLen))
		}
		m.CreatedAt = createdAt
		m.UpdatedAt = createdAt
		ms = append(ms, m)
	}
	if len(ms) == 0 {
		return result, nil
	}

	if err := r.db.WithContext(ctx).Create(&ms).Error; err != nil {
		return consultation.CompleteResult{}, fmt.Errorf("failed to insert consultation results: %w", err)
	}
	result.Inserted = len(ms)
	return result, nil
}

func (r *ConsultationRepository) LookupConsultedToday(ctx context.Context, owner string, cpfs []int64) (map[int64]struct{}, error) {
	seen := make(map[int64]struct{}, len(cpfs))
	if len(cpfs) == 0 {
		return seen, nil
	}

	dayStart, dayEnd := biztime.DayBounds(biztime.Now())
	var found []int64
	if err := r.db.WithContext(ctx).
		Model(&models.ConsultationModel{}).
		Distinct("cpf").
		Where("`loginP` = ?", owner).
		Where("cpf IN ?", cpfs).
		Where("created_at >= ? AND created_at < ?", dayStart, dayEnd).
		Pluck("cpf", &found).Error; err != nil {
		return nil, fmt.Errorf("failed to look up consultations done today: %w", err)
	}

	for _, cpf := range found {
		seen[cpf] = struct{}{}
	}
	return seen, nil
}

func terminalUpdates(opts consultation.CompleteOptions, now time.Time) map[string]interface{} {
	updates := map[string]interface{}{
		"status":     string(opts.Status),
		"updated_at": now,
	}
	if opts.Message != nil {
		updates["mensagem"] = truncate(*opts.Message, maxMessageLen)
	}
	return updates
}

// facetUpdates maps the facet's non-nil fields to their legacy columns.
func facetUpdates(f *consultation.Facet) map[string]interface{} {
	updates := map[string]interface{}{}
	set := func(column string, ok bool, value interface{}) {
		if ok {
			updates[column] = value
		}
	}
	set("cpf", f.CPF != nil, f.CPF)
	set("nome", f.Name != nil, f.Name)
	set("telefone", f.Phone != nil, f.Phone)
	set("matricula", f.Enrollment != nil, f.Enrollment)
	set("numeroInscricaoEmpregador", f.EmployerTaxID != nil, f.EmployerTaxID)
	set("elegivel", f.Eligible != nil, f.Eligible)
	set("valorMargemDisponivel", f.AvailableMargin != nil, f.AvailableMargin)
	set("valorMargemBase", f.BaseMargin != nil, f.BaseMargin)
	set("valorTotalDevido", f.TotalDue != nil, f.TotalDue)
	set("dataAdmissao", f.AdmissionDate != nil, f.AdmissionDate)
	set("dataNascimento", f.BirthDate != nil, f.BirthDate)
	set("nomeMae", f.MotherName != nil, f.MotherName)
	set("sexo", f.Sex != nil, f.Sex)
	set("nomeTipo", f.OfferName != nil, f.OfferName)
	set("prazo", f.TermMonths != nil, f.TermMonths)
	set("taxaJuros", f.InterestRate != nil, f.InterestRate)
	set("valorLiberado", f.ReleasedAmount != nil, f.ReleasedAmount)
	set("valorParcela", f.InstallmentAmount != nil, f.InstallmentAmount)
	set("taxaSeguro", f.InsuranceRate != nil, f.InsuranceRate)
	set("valorSeguro", f.InsuranceAmount != nil, f.InsuranceAmount)
	set("payload", len(f.Payload) > 0, []byte(f.Payload))
	return updates
}

func modelFromFacet(f *consultation.Facet) models.ConsultationModel {
	return models.ConsultationModel{
		CPF:               f.CPF,
		Name:              f.Name,
		Phone:             f.Phone,
		Enrollment:        f.Enrollment,
		EmployerTaxID:     f.EmployerTaxID,
		Eligible:          f.Eligible,
		AvailableMargin:   f.AvailableMargin,
		BaseMargin:        f.BaseMargin,
		TotalDue:          f.TotalDue,
		AdmissionDate:     f.AdmissionDate,
		BirthDate:         f.BirthDate,
		MotherName:        f.MotherName,
		Sex:               f.Sex,
		OfferName:         f.OfferName,
		TermMonths:        f.TermMonths,
		InterestRate:      f.InterestRate,
		ReleasedAmount:    f.ReleasedAmount,
		InstallmentAmount: f.InstallmentAmount,
		InsuranceRate:     f.InsuranceRate,
		InsuranceAmount:   f.InsuranceAmount,
		Payload:           []byte(f.Payload),
	}
}

func toQueueItem(m *models.ConsultationModel) *consultation.QueueItem {
	item := &consultation.QueueItem{
		ID:         m.ID,
		Owner:      m.Login,
		BatchLabel: m.BatchLabel,
		Status:     consultation.Status(m.Status),
		Message:    m.Message,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if m.CPF != nil {
		item.CPF = *m.CPF
	}
	if m.Name != nil {
		item.Name = *m.Name
	}
	if m.Phone != nil {
		item.Phone = *m.Phone
	}
	return item
}

// digitsToInt strips non-digits and parses the remainder, returning nil when
// nothing is left or the value would overflow the column.
func digitsToInt(value string) *int64 {
	digits := utils.OnlyDigits(value)
	if digits == "" || len(digits) > 18 {
		return nil
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func trimmedPtr(value string, max int) *string {
	if value == "" {
		return nil
	}
	return strPtr(truncate(value, max))
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}

func strPtr(s string) *string {
	return &s
}
