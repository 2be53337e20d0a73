package rabbitmq

// QueueConfig описывает очередь и ключ маршрутизации в exchange notifications.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// GetNotificationQueues возвращает очереди почтовых уведомлений:
// claim-напоминания, письма владельцам после восстановления
// и сводки сверки для админов.
func GetNotificationQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: "notifications.claim", RoutingKey: "claim"},
		{QueueName: "notifications.recovery", RoutingKey: "recovery"},
		{QueueName: "notifications.reconcile", RoutingKey: "reconcile"},
	}
}
