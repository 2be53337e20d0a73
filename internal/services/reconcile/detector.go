// Package reconcile сверяет статусы платёжного провайдера с ролями
// чат-платформы и при включённом авто-исправлении устраняет расхождения.
package reconcile

import (
	"fmt"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
	"github.com/magabrotheeeer/membership-keeper/internal/models"
	"github.com/magabrotheeeer/membership-keeper/internal/paymentprovider"
)

// Detector классифицирует расхождения между двумя снимками. Детектор
// детерминирован: при одинаковых снимках два прохода дают одинаковый
// набор находок.
type Detector struct {
	roles config.RoleGateway
}

// NewDetector создает новый Detector.
func NewDetector(roles config.RoleGateway) *Detector {
	return &Detector{roles: roles}
}

// Detect сопоставляет субъектов со снимками платежей и ролей. Субъекты без
// чат-идентичности пропускаются: непривязанность — валидное состояние, а не
// расхождение. Активность участника команды определяется статусом команды.
// Находки дедуплицируются по паре (субъект, тип).
func (d *Detector) Detect(subjects []*models.Subject,
	payments map[string]string, roleSnapshot map[string][]string) []models.DriftIssue {

	teamStatus := make(map[string]string)
	for _, subject := range subjects {
		if subject.Kind == models.KindTeam && subject.CustomerID != nil {
			teamStatus[subject.ID] = payments[*subject.CustomerID]
		}
	}

	var issues []models.DriftIssue
	seen := make(map[string]bool)
	add := func(issue models.DriftIssue) {
		key := issue.SubjectID + "|" + string(issue.Type)
		if seen[key] {
			return
		}
		seen[key] = true
		issues = append(issues, issue)
	}

	for _, subject := range subjects {
		if subject.Kind != models.KindMember || subject.ChatID == nil {
			continue
		}
		chatID := *subject.ChatID

		paymentStatus := d.paymentStatus(subject, payments, teamStatus)
		active := paymentprovider.IsActiveStatus(paymentStatus)
		observed := roleSnapshot[chatID]
		hasAccess := d.hasAccessRole(observed)
		hasDebtor := d.hasRole(observed, d.roles.DebtorRole)

		base := models.DriftIssue{
			SubjectID:      subject.ID,
			ChatID:         chatID,
			PaymentStatus:  paymentStatus,
			DatabaseStatus: string(subject.Status),
			ObservedRoles:  observed,
		}

		switch {
		case active && !hasAccess && !subject.IsInDebtorState:
			issue := base
			issue.Type = models.DriftMissingAccess
			issue.Severity = models.SeverityHigh
			issue.Description = fmt.Sprintf("subject %s pays but holds no managed role", subject.ID)
			add(issue)
		case !active && hasAccess && !subject.IsInDebtorState:
			issue := base
			issue.Type = models.DriftUnauthorizedAccess
			issue.Severity = models.SeverityHigh
			issue.Description = fmt.Sprintf("subject %s holds a managed role without an active subscription", subject.ID)
			add(issue)
		case active && hasAccess:
			expected := d.expectedRole(subject)
			if !d.hasRole(observed, expected) {
				issue := base
				issue.Type = models.DriftRoleMismatch
				issue.Severity = models.SeverityMedium
				issue.Description = fmt.Sprintf("subject %s holds a managed role, expected %s", subject.ID, expected)
				add(issue)
			}
		}

		if subject.IsInDebtorState && !hasDebtor {
			issue := base
			issue.Type = models.DriftDebtorMismatch
			issue.Severity = models.SeverityMedium
			issue.Description = fmt.Sprintf("subject %s is a debtor in the database but lacks the %s role", subject.ID, d.roles.DebtorRole)
			add(issue)
		}
	}

	return issues
}

// paymentStatus возвращает статус оплаты субъекта: для участника команды —
// статус командной подписки.
func (d *Detector) paymentStatus(subject *models.Subject,
	payments map[string]string, teamStatus map[string]string) string {
	if subject.TeamID != nil {
		return teamStatus[*subject.TeamID]
	}
	if subject.CustomerID != nil {
		return payments[*subject.CustomerID]
	}
	return ""
}

// expectedRole — роль, положенная субъекту прямо сейчас: должнику Debtor,
// остальным роль тарифа.
func (d *Detector) expectedRole(subject *models.Subject) string {
	if subject.IsInDebtorState {
		return d.roles.DebtorRole
	}
	return d.roles.RoleForTier(subject.Tier)
}

// hasAccessRole сообщает, есть ли среди ролей хотя бы одна управляемая
// роль доступа. Debtor ролью доступа не считается.
func (d *Detector) hasAccessRole(observed []string) bool {
	for _, role := range d.roles.ManagedRoles {
		if d.hasRole(observed, role) {
			return true
		}
	}
	return false
}

func (d *Detector) hasRole(observed []string, role string) bool {
	for _, r := range observed {
		if r == role {
			return true
		}
	}
	return false
}
