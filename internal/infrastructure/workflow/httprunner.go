// Package workflow delegates the multi-step partner conversation to the
// external automation collaborator over HTTP.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	consultapp "presenca/internal/application/consultation"
	domain "presenca/internal/domain/consultation"
	"presenca/internal/domain/quota"
	"presenca/internal/shared/logger"
)

const (
	// Maximum response body size accepted from the collaborator (1MB).
	maxResponseSize = 1 << 20
	// Default per-attempt timeout when none is configured.
	defaultTimeout = 2 * time.Minute
)

// Config tunes the HTTP delegate.
type Config struct {
	BaseURL        string
	TimeoutMS      int
	Retries        int
	RetryDelayMS   int
	RequestsPerMin int
}

// consultRequest is the wire request to the collaborator.
type consultRequest struct {
	CPF    string `json:"cpf"`
	Name   string `json:"nome"`
	Phone  string `json:"telefone"`
	Login  string `json:"loginP"`
	Secret string `json:"senhaP"`
}

// consultResponse is the collaborator's wire response. One consultation can
// yield several result rows, one per credit offer found.
type consultResponse struct {
	Success bool            `json:"sucesso"`
	Message string          `json:"mensagem"`
	Results []consultResult `json:"resultados"`
}

type consultResult struct {
	CPF               *int64  `json:"cpf"`
	Name              *string `json:"nome"`
	Phone             *int64  `json:"telefone"`
	Enrollment        *string `json:"matricula"`
	EmployerTaxID     *string `json:"numeroInscricaoEmpregador"`
	Eligible          *string `json:"elegivel"`
	AvailableMargin   *string `json:"valorMargemDisponivel"`
	BaseMargin        *string `json:"valorMargemBase"`
	TotalDue          *string `json:"valorTotalDevido"`
	AdmissionDate     *string `json:"dataAdmissao"`
	BirthDate         *string `json:"dataNascimento"`
	MotherName        *string `json:"nomeMae"`
	Sex               *string `json:"sexo"`
	OfferName         *string `json:"nomeTipo"`
	TermMonths        *int64  `json:"prazo"`
	InterestRate      *string `json:"taxaJuros"`
	ReleasedAmount    *string `json:"valorLiberado"`
	InstallmentAmount *string `json:"valorParcela"`
	InsuranceRate     *string `json:"taxaSeguro"`
	InsuranceAmount   *string `json:"valorSeguro"`
}

// HTTPRunner implements the workflow Runner by calling the automation
// collaborator. Outbound calls are paced with a token bucket so retries and
// the execution lane together never exceed the partner's tolerated rate.
type HTTPRunner struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logger.Interface
}

func NewHTTPRunner(cfg Config, log logger.Interface) *HTTPRunner {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	if cfg.RequestsPerMin > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMin))
	}
	return &HTTPRunner{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		logger:  log.Named("workflow.http"),
	}
}

var _ consultapp.Runner = (*HTTPRunner)(nil)

// Run executes one consultation through the collaborator, retrying transient
// failures up to the configured attempt budget.
func (r *HTTPRunner) Run(ctx context.Context, subject consultapp.Subject, principal quota.Principal) (*consultapp.WorkflowResult, error) {
	body, err := json.Marshal(consultRequest{
		CPF:    subject.CPF,
		Name:   subject.Name,
		Phone:  subject.Phone,
		Login:  principal.Login,
		Secret: principal.Secret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode consultation request: %w", err)
	}

	attempts := r.cfg.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	retryDelay := time.Duration(r.cfg.RetryDelayMS) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, retryable, err := r.doOnce(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable || attempt == attempts {
			break
		}

		r.logger.Warnw("workflow attempt failed, retrying",
			"cpf", subject.CPF,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if retryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return nil, fmt.Errorf("workflow failed after %d attempt(s): %w", attempts, lastErr)
}

// doOnce performs a single collaborator call. The second return reports
// whether the failure is worth retrying.
func (r *HTTPRunner) doOnce(ctx context.Context, body []byte) (*consultapp.WorkflowResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/consulta", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("collaborator request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read collaborator response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("collaborator returned status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("collaborator returned status %d: %s", resp.StatusCode, truncateForLog(raw))
	}

	var decoded consultResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false, fmt.Errorf("failed to decode collaborator response: %w", err)
	}

	facets := make([]domain.Facet, 0, len(decoded.Results))
	for i := range decoded.Results {
		facets = append(facets, toFacet(&decoded.Results[i], raw))
	}

	return &consultapp.WorkflowResult{
		Success: decoded.Success,
		Message: decoded.Message,
		Facets:  facets,
		Raw:     json.RawMessage(raw),
	}, false, nil
}

func toFacet(res *consultResult, raw []byte) domain.Facet {
	return domain.Facet{
		CPF:               res.CPF,
		Name:              res.Name,
		Phone:             res.Phone,
		Enrollment:        res.Enrollment,
		EmployerTaxID:     res.EmployerTaxID,
		Eligible:          res.Eligible,
		AvailableMargin:   res.AvailableMargin,
		BaseMargin:        res.BaseMargin,
		TotalDue:          res.TotalDue,
		AdmissionDate:     parseDate(res.AdmissionDate),
		BirthDate:         parseDate(res.BirthDate),
		MotherName:        res.MotherName,
		Sex:               res.Sex,
		OfferName:         res.OfferName,
		TermMonths:        res.TermMonths,
		InterestRate:      res.InterestRate,
		ReleasedAmount:    res.ReleasedAmount,
		InstallmentAmount: res.InstallmentAmount,
		InsuranceRate:     res.InsuranceRate,
		InsuranceAmount:   res.InsuranceAmount,
		Payload:           json.RawMessage(raw),
	}
}

// parseDate accepts the two formats the collaborator emits.
func parseDate(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t
		}
	}
	return nil
}

func truncateForLog(raw []byte) string {
	const limit = 200
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
