package consultation

import (
	"context"
	"strconv"
	"time"

	domain "presenca/internal/domain/consultation"
	"presenca/internal/domain/quota"
	apperrors "presenca/internal/shared/errors"
	"presenca/internal/shared/logger"
	"presenca/internal/shared/utils"
)

// IndividualBatchLabel marks rows produced by the synchronous one-subject flow.
const IndividualBatchLabel = "Individual"

// Config carries the service's business settings.
type Config struct {
	// DefaultPrincipal is the partner credential used when a request does not
	// supply its own.
	DefaultPrincipal quota.Principal
	// DefaultTotal is the daily quota ceiling applied to lazily created rows.
	DefaultTotal int
	// MaxBatchRows caps one batch ingestion request; zero disables the cap.
	MaxBatchRows int
}

// Service orchestrates consultations: quota consumption, workflow execution
// through the single-flight lane, and result persistence.
type Service struct {
	queue  domain.Repository
	ledger quota.Ledger
	runner Runner
	lane   *Serializer
	cfg    Config
	logger logger.Interface
}

func NewService(queue domain.Repository, ledger quota.Ledger, runner Runner, lane *Serializer, cfg Config, log logger.Interface) *Service {
	return &Service{
		queue:  queue,
		ledger: ledger,
		runner: runner,
		lane:   lane,
		cfg:    cfg,
		logger: log.Named("consultation.service"),
	}
}

// Lane exposes the execution lane for observability.
func (s *Service) Lane() *Serializer {
	return s.lane
}

// IndividualOutcome reports a synchronous one-subject consultation.
type IndividualOutcome struct {
	Quota     *quota.Record
	Result    *WorkflowResult
	Persisted domain.CompleteResult
}

// ProcessIndividual runs the full flow for one subject: consume one quota
// unit, execute the workflow and persist its facets, all inside the execution
// lane so the external session never runs concurrently.
func (s *Service) ProcessIndividual(ctx context.Context, subject Subject, principal quota.Principal) (*IndividualOutcome, error) {
	normalized, err := s.normalizeSubject(subject)
	if err != nil {
		return nil, err
	}
	principal = s.resolvePrincipal(principal)

	var outcome IndividualOutcome
	err = s.lane.Run(ctx, func(ctx context.Context) error {
		record, err := s.ledger.Consume(ctx, principal, 1, s.cfg.DefaultTotal)
		if err != nil {
			return err
		}
		outcome.Quota = record

		result, err := s.runner.Run(ctx, normalized, principal)
		if err != nil {
			return err
		}
		outcome.Result = result

		status := domain.StatusConcluded
		if !result.Success {
			status = domain.StatusError
		}
		persisted, err := s.queue.InsertResults(ctx, result.Facets, principal.Login, IndividualBatchLabel, time.Now(), status, &result.Message)
		if err != nil {
			return err
		}
		outcome.Persisted = persisted
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("individual consultation finished",
		"cpf", normalized.CPF,
		"success", outcome.Result.Success,
		"message", outcome.Result.Message,
		"quota_used", outcome.Quota.Used,
		"quota_remaining", outcome.Quota.Remaining,
	)
	return &outcome, nil
}

// BatchOutcome reports a batch ingestion: how many rows were enqueued and how
// many were dropped at each filter stage.
type BatchOutcome struct {
	Enqueued              int
	SkippedInvalid        int // no usable identifier
	SkippedDuplicateBatch int // repeated within the request
	SkippedConsultedToday int // already consulted today for this owner
}

// EnqueueBatch sanitizes and deduplicates the rows, drops subjects already
// consulted today for the owner (advisory check; a race costs at most one
// duplicate) and enqueues the remainder as Pendente for the polling scheduler.
func (s *Service) EnqueueBatch(ctx context.Context, rows []domain.SubjectRow, principal quota.Principal, batchLabel string) (*BatchOutcome, error) {
	if len(rows) == 0 {
		return nil, apperrors.NewValidationError("batch contains no rows")
	}
	if s.cfg.MaxBatchRows > 0 && len(rows) > s.cfg.MaxBatchRows {
		return nil, apperrors.NewValidationError(
			"batch exceeds the maximum number of rows",
			strconv.Itoa(s.cfg.MaxBatchRows))
	}
	principal = s.resolvePrincipal(principal)
	if batchLabel == "" {
		batchLabel = "Arquivo em lote"
	}

	outcome := &BatchOutcome{}

	seen := make(map[string]struct{}, len(rows))
	unique := make([]domain.SubjectRow, 0, len(rows))
	cpfs := make([]int64, 0, len(rows))
	for _, row := range rows {
		cpf := utils.NormalizeCPF(row.CPF)
		if cpf == "" {
			outcome.SkippedInvalid++
			continue
		}
		if _, dup := seen[cpf]; dup {
			outcome.SkippedDuplicateBatch++
			continue
		}
		seen[cpf] = struct{}{}
		n, _ := strconv.ParseInt(cpf, 10, 64)
		cpfs = append(cpfs, n)
		unique = append(unique, domain.SubjectRow{
			CPF:   cpf,
			Name:  utils.NormalizeName(row.Name),
			Phone: utils.NormalizePhone(row.Phone),
		})
	}
	if len(unique) == 0 {
		return outcome, nil
	}

	consulted, err := s.queue.LookupConsultedToday(ctx, principal.Login, cpfs)
	if err != nil {
		return nil, err
	}

	toEnqueue := make([]domain.SubjectRow, 0, len(unique))
	for _, row := range unique {
		n, _ := strconv.ParseInt(row.CPF, 10, 64)
		if _, done := consulted[n]; done {
			outcome.SkippedConsultedToday++
			continue
		}
		toEnqueue = append(toEnqueue, row)
	}
	if len(toEnqueue) == 0 {
		return outcome, nil
	}

	inserted, err := s.queue.EnqueuePending(ctx, toEnqueue, principal.Login, batchLabel, time.Now())
	if err != nil {
		return nil, err
	}
	outcome.Enqueued = inserted.Inserted
	outcome.SkippedInvalid += inserted.Skipped

	s.logger.Infow("batch enqueued",
		"owner", principal.Login,
		"batch", batchLabel,
		"enqueued", outcome.Enqueued,
		"skipped_invalid", outcome.SkippedInvalid,
		"skipped_duplicate", outcome.SkippedDuplicateBatch,
		"skipped_consulted_today", outcome.SkippedConsultedToday,
	)
	return outcome, nil
}

// ClaimedOutcome reports the processing of one claimed queue item.
type ClaimedOutcome struct {
	Quota     *quota.Record
	Result    *WorkflowResult
	Persisted domain.CompleteResult
}

// ProcessClaimed drives one claimed queue row through the lane: consume one
// quota unit for the row's owner, run the workflow and upsert the terminal
// result. Quota and workflow errors propagate to the caller, which decides
// the terminal status of the row.
func (s *Service) ProcessClaimed(ctx context.Context, item *domain.QueueItem) (*ClaimedOutcome, error) {
	principal := s.resolvePrincipal(quota.Principal{Login: item.Owner, Secret: s.cfg.DefaultPrincipal.Secret})

	var outcome ClaimedOutcome
	err := s.lane.Run(ctx, func(ctx context.Context) error {
		record, err := s.ledger.Consume(ctx, principal, 1, s.cfg.DefaultTotal)
		if err != nil {
			return err
		}
		outcome.Quota = record

		subject := Subject{
			CPF:   item.CPFString(),
			Name:  item.Name,
			Phone: phoneString(item.Phone),
		}
		result, err := s.runner.Run(ctx, subject, principal)
		if err != nil {
			return err
		}
		outcome.Result = result

		status := domain.StatusConcluded
		if !result.Success {
			status = domain.StatusError
		}
		persisted, err := s.queue.CompleteClaimed(ctx, item, result.Facets, domain.CompleteOptions{
			Status:  status,
			Message: &result.Message,
		})
		if err != nil {
			return err
		}
		outcome.Persisted = persisted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

func (s *Service) normalizeSubject(subject Subject) (Subject, error) {
	cpf := utils.NormalizeCPF(subject.CPF)
	if cpf == "" {
		return Subject{}, apperrors.NewValidationError("invalid CPF")
	}
	phone := utils.NormalizePhone(subject.Phone)
	if phone == "" {
		// The partner API refuses subjects without a phone.
		phone = utils.RandomPhone()
	}
	return Subject{
		CPF:   cpf,
		Name:  utils.NormalizeName(subject.Name),
		Phone: phone,
	}, nil
}

func (s *Service) resolvePrincipal(principal quota.Principal) quota.Principal {
	if principal.Login == "" {
		principal.Login = s.cfg.DefaultPrincipal.Login
	}
	if principal.Secret == "" {
		principal.Secret = s.cfg.DefaultPrincipal.Secret
	}
	return principal
}

func phoneString(phone int64) string {
	if phone == 0 {
		return ""
	}
	return strconv.FormatInt(phone, 10)
}
