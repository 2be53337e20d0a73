// Package paymentprovider реализует клиента платёжного провайдера:
// постраничную выгрузку подписок для сверки и типы полезной нагрузки вебхуков.
package paymentprovider

import "time"

// Subscription — подписка клиента у провайдера.
type Subscription struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// subscriptionPage — страница списка подписок.
type subscriptionPage struct {
	Data    []Subscription `json:"data"`
	HasMore bool           `json:"has_more"`
}

// Статусы подписки, считающиеся активными для сверки. past_due активен,
// потому что первую неоплату обслуживает льготный период, а не снятие роли.
var activeStatuses = map[string]bool{
	"active":   true,
	"trialing": true,
	"past_due": true,
}

// IsActiveStatus сообщает, даёт ли статус подписки доступ.
func IsActiveStatus(status string) bool {
	return activeStatuses[status]
}
