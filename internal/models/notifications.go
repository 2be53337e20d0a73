package models

// ClaimReminderEmail — сообщение очереди notifications.claim: напоминание
// оплатившему участнику привязать чат-идентичность.
type ClaimReminderEmail struct {
	Email      string `json:"email"`
	SubjectID  string `json:"subject_id"`
	CadenceKey string `json:"cadence_key"`
}

// RecoveryFollowupEmail — сообщение очереди notifications.recovery:
// письмо владельцу после восстановления доступа.
type RecoveryFollowupEmail struct {
	Email        string `json:"email"`
	SubjectID    string `json:"subject_id"`
	RestoredRole string `json:"restored_role"`
}

// ReconcileSummaryEmail — сообщение очереди notifications.reconcile:
// сводка запуска сверки для админов.
type ReconcileSummaryEmail struct {
	Email       string `json:"email"`
	RunID       string `json:"run_id"`
	Trigger     string `json:"trigger"`
	IssuesFound int    `json:"issues_found"`
	IssuesFixed int    `json:"issues_fixed"`
}
