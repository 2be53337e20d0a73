// Package models содержит доменные структуры биллингового жизненного цикла:
// субъекты (участники и команды), эпизоды неоплаты, найденные расхождения
// и записи запусков сверки.
package models

import "time"

// SubjectKind различает индивидуального участника и команду.
type SubjectKind string

const (
	// KindMember — индивидуальный участник сообщества.
	KindMember SubjectKind = "member"
	// KindTeam — командная подписка, объединяющая несколько участников.
	KindTeam SubjectKind = "team"
)

// BillingStatus отражает состояние оплаты субъекта.
type BillingStatus string

const (
	BillingNone      BillingStatus = "none"
	BillingActive    BillingStatus = "active"
	BillingPastDue   BillingStatus = "past_due"
	BillingCancelled BillingStatus = "cancelled"
)

// Subject представляет единицу биллингового жизненного цикла — участника
// или команду. Поля эпизода неоплаты (PaymentFailedAt и связанные с ним)
// заполняются и очищаются только вместе: эпизод начинается и заканчивается
// как единое целое.
type Subject struct {
	ID         string        // Уникальный идентификатор субъекта
	Kind       SubjectKind   // member или team
	TeamID     *string       // Для участника команды — идентификатор команды
	ChatID     *string       // Идентификатор в чат-платформе; nil — идентичность не привязана
	Email      *string       // Почта для claim-напоминаний и писем владельцу
	Tier       string        // Тариф, определяющий положенную роль
	IsOwner    bool          // Владелец команды
	CustomerID *string       // Идентификатор клиента у платёжного провайдера
	Status     BillingStatus // Текущий статус оплаты

	IntroCompleted bool      // Пройдено ли знакомство с сообществом
	CreatedAt      time.Time // Момент регистрации, якорь claim-каденции

	// Поля эпизода неоплаты. PaymentFailedAt != nil тогда и только тогда,
	// когда субъект внутри эпизода (grace или debtor).
	PaymentFailedAt   *time.Time
	GracePeriodEndsAt *time.Time
	DebtorStateEndsAt *time.Time
	IsInDebtorState   bool
	PreviousRole      *string // Роль до входа в debtor, пишется один раз за эпизод
}

// InEpisode сообщает, находится ли субъект внутри эпизода неоплаты.
func (s *Subject) InEpisode() bool {
	return s.PaymentFailedAt != nil
}

// PendingInvite — приглашение участника в команду, ещё не принятое.
type PendingInvite struct {
	ID          int
	TeamID      string
	Email       string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	Invalidated bool
}
