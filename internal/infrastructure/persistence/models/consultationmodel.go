package models

import (
	"time"

	"gorm.io/datatypes"
)

// ConsultationModel is the persistence model for consultation queue rows and
// their computed result facets. Column names follow the legacy
// `consulta_presenca` table shared with the previous implementation.
//
// A row is created in status Pendente by ingestion and carries only the
// subject columns; the completion upsert fills the result columns in place.
// Additional offers computed for the same subject insert as sibling rows
// sharing loginP/tipoConsulta/created_at.
type ConsultationModel struct {
	ID    uint    `gorm:"primarykey"`
	CPF   *int64  `gorm:"column:cpf"`
	Name  *string `gorm:"column:nome;size:100"`
	Phone *int64  `gorm:"column:telefone"`
	Login string  `gorm:"column:loginP;size:50;index:idx_consulta_owner_created,priority:1"`

	Enrollment      *string    `gorm:"column:matricula;size:255"`
	EmployerTaxID   *string    `gorm:"column:numeroInscricaoEmpregador;size:255"`
	Eligible        *string    `gorm:"column:elegivel;size:10"`
	AvailableMargin *string    `gorm:"column:valorMargemDisponivel;size:20"`
	BaseMargin      *string    `gorm:"column:valorMargemBase;size:20"`
	TotalDue        *string    `gorm:"column:valorTotalDevido;size:20"`
	AdmissionDate   *time.Time `gorm:"column:dataAdmissao;type:date"`
	BirthDate       *time.Time `gorm:"column:dataNascimento;type:date"`
	MotherName      *string    `gorm:"column:nomeMae;size:100"`
	Sex             *string    `gorm:"column:sexo;size:2"`

	OfferName         *string `gorm:"column:nomeTipo;size:150"`
	TermMonths        *int64  `gorm:"column:prazo"`
	InterestRate      *string `gorm:"column:taxaJuros;size:5"`
	ReleasedAmount    *string `gorm:"column:valorLiberado;size:10"`
	InstallmentAmount *string `gorm:"column:valorParcela;size:10"`
	InsuranceRate     *string `gorm:"column:taxaSeguro;size:10"`
	InsuranceAmount   *string `gorm:"column:valorSeguro;size:10"`

	BatchLabel string         `gorm:"column:tipoConsulta;size:50"`
	Status     string         `gorm:"column:status;size:20;not null;default:Pendente;index:idx_consulta_status"`
	Message    *string        `gorm:"column:mensagem;size:500"`
	Payload    datatypes.JSON `gorm:"column:payload"`

	CreatedAt time.Time `gorm:"index:idx_consulta_owner_created,priority:2"`
	UpdatedAt time.Time
}

// TableName specifies the table name for GORM
func (ConsultationModel) TableName() string {
	return "consulta_presenca"
}
