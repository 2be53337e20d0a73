package rabbitmq

import "github.com/streadway/amqp"

// NotifyPublisher публикует сообщения в exchange notifications.
// Сервисы зависят от него через собственные интерфейсы.
type NotifyPublisher struct {
	ch *amqp.Channel
}

// NewNotifyPublisher создает новый NotifyPublisher.
func NewNotifyPublisher(ch *amqp.Channel) *NotifyPublisher {
	return &NotifyPublisher{ch: ch}
}

// Publish отправляет message с ключом маршрутизации routingKey.
func (p *NotifyPublisher) Publish(routingKey string, message any) error {
	return PublishMessage(p.ch, "notifications", routingKey, message)
}
