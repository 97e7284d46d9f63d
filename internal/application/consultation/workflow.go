package consultation

import (
	"context"
	"encoding/json"

	domain "presenca/internal/domain/consultation"
	"presenca/internal/domain/quota"
)

// Subject is the normalized input to one workflow execution.
type Subject struct {
	CPF   string `json:"cpf"`
	Name  string `json:"nome"`
	Phone string `json:"telefone"`
}

// WorkflowResult is the opaque outcome of the external multi-step partner
// conversation (login, consent term, employment links, margin, offer tables).
// The step logic itself lives in the automation collaborator; this layer only
// consumes its final shape.
type WorkflowResult struct {
	Success bool
	Message string
	Facets  []domain.Facet
	// Raw is the collaborator's full response, persisted for audit.
	Raw json.RawMessage
}

// Runner abstracts the external workflow automation collaborator.
//
// Implementations are expected to bound their own duration; callers hold the
// execution lane for the whole call.
type Runner interface {
	Run(ctx context.Context, subject Subject, principal quota.Principal) (*WorkflowResult, error)
}
