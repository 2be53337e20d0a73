package models

// EventKind — тип события от платёжного провайдера, доставленного вебхуком.
type EventKind string

const (
	EventSubscriptionDeleted EventKind = "subscription.deleted"
	EventPaymentFailed       EventKind = "invoice.payment_failed"
	EventInvoicePaid         EventKind = "invoice.paid"
)

// BillingReason различает причину оплаты счёта. Восстановление после
// эпизода неоплаты засчитывается только для продления цикла подписки:
// первая оплата и checkout никогда не трактуются как recovery.
type BillingReason string

const (
	ReasonSubscriptionCycle  BillingReason = "subscription_cycle"
	ReasonSubscriptionCreate BillingReason = "subscription_create"
	ReasonManual             BillingReason = "manual"
)

// PaymentEvent — типизированное событие вебхука, уже проверенное по подписи.
// EventID используется для дедупликации повторных доставок.
type PaymentEvent struct {
	EventID       string
	Kind          EventKind
	CustomerID    string
	BillingReason BillingReason
}
