package models

import "time"

// DriftType классифицирует расхождение между платёжным провайдером
// и ролями чат-платформы.
type DriftType string

const (
	// DriftMissingAccess — оплата активна, но управляемой роли нет.
	DriftMissingAccess DriftType = "MISSING_ACCESS"
	// DriftUnauthorizedAccess — оплата неактивна, но управляемая роль есть.
	DriftUnauthorizedAccess DriftType = "UNAUTHORIZED_ACCESS"
	// DriftRoleMismatch — роль есть, но не соответствует тарифу.
	DriftRoleMismatch DriftType = "ROLE_MISMATCH"
	// DriftDebtorMismatch — база считает субъекта должником, роли Debtor нет.
	DriftDebtorMismatch DriftType = "DEBTOR_MISMATCH"
)

// Severity — важность найденного расхождения.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// DriftIssue — неизменяемая находка одного прохода сверки.
// Дедуплицируется по паре (SubjectID, Type); каждый запуск создаёт
// свой набор находок заново.
type DriftIssue struct {
	Type           DriftType `json:"type"`
	SubjectID      string    `json:"subject_id"`
	ChatID         string    `json:"chat_id,omitempty"`
	Description    string    `json:"description"`
	PaymentStatus  string    `json:"payment_status"`
	DatabaseStatus string    `json:"database_status"`
	ObservedRoles  []string  `json:"observed_roles,omitempty"`
	Severity       Severity  `json:"severity"`
}

// ReconciliationRun — запись аудита одного запуска сверки. Только добавляется.
type ReconciliationRun struct {
	ID               string       `json:"id"`
	Trigger          string       `json:"trigger"` // schedule, manual, reverification
	AutoFix          bool         `json:"auto_fix"`
	IsReverification bool         `json:"is_reverification"`
	SubjectsChecked  int          `json:"subjects_checked"`
	IssuesFound      int          `json:"issues_found"`
	IssuesFixed      int          `json:"issues_fixed"`
	Issues           []DriftIssue `json:"issues"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
}
