// Package sender потребляет сообщения очередей уведомлений и отправляет
// письма по SMTP.
package sender

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/magabrotheeeer/membership-keeper/internal/lib/sl"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/smtp"
	"github.com/magabrotheeeer/membership-keeper/internal/models"
)

// Service отправляет почтовые уведомления из очередей.
type Service struct {
	transport smtp.TransportInterface
	log       *slog.Logger
}

// New создает новый Service.
func New(transport smtp.TransportInterface, log *slog.Logger) *Service {
	return &Service{
		transport: transport,
		log:       log,
	}
}

// SendClaimReminder отправляет напоминание привязать чат-идентичность.
func (s *Service) SendClaimReminder(body []byte) error {
	var message models.ClaimReminderEmail
	if err := json.Unmarshal(body, &message); err != nil {
		s.log.Error("failed to unmarshal claim reminder", sl.Err(err))
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	subject := "Подписка оплачена — осталось привязать аккаунт"
	bodyText := "Здравствуйте!\n\n" +
		"Ваша подписка активна, но аккаунт сообщества ещё не привязан, " +
		"поэтому доступ к каналам пока закрыт.\n\n" +
		"Привяжите аккаунт в личном кабинете, и роль будет выдана автоматически."

	return s.sendEmail([]string{message.Email}, subject, bodyText)
}

// SendRecoveryFollowup отправляет владельцу письмо о восстановлении доступа.
func (s *Service) SendRecoveryFollowup(body []byte) error {
	var message models.RecoveryFollowupEmail
	if err := json.Unmarshal(body, &message); err != nil {
		s.log.Error("failed to unmarshal recovery followup", sl.Err(err))
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	subject := "Оплата получена, доступ восстановлен"
	bodyText := fmt.Sprintf("Здравствуйте!\n\n"+
		"Оплата подписки прошла успешно. Доступ к сообществу полностью "+
		"восстановлен, роль %s возвращена.\n\nСпасибо, что остаётесь с нами.",
		message.RestoredRole)

	return s.sendEmail([]string{message.Email}, subject, bodyText)
}

// SendReconcileSummary отправляет админам сводку запуска сверки.
func (s *Service) SendReconcileSummary(body []byte) error {
	var message models.ReconcileSummaryEmail
	if err := json.Unmarshal(body, &message); err != nil {
		s.log.Error("failed to unmarshal reconcile summary", sl.Err(err))
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	subject := fmt.Sprintf("Сверка %s: найдено расхождений — %d", message.Trigger, message.IssuesFound)
	bodyText := fmt.Sprintf("Запуск сверки %s (%s) завершён.\n\n"+
		"Найдено расхождений: %d\nИсправлено автоматически: %d\n\n"+
		"Подробности — в записи запуска в админской панели.",
		message.RunID, message.Trigger, message.IssuesFound, message.IssuesFixed)

	return s.sendEmail([]string{message.Email}, subject, bodyText)
}

func (s *Service) sendEmail(to []string, subject, bodyText string) error {
	msg := strings.Join([]string{
		"From: " + s.transport.GetSMTPUser(),
		"To: " + strings.Join(to, ";"),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"",
		bodyText,
	}, "\r\n")

	client, err := s.transport.Connect()
	if err != nil {
		s.log.Error("failed to connect to SMTP server", sl.Err(err))
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Mail(s.transport.GetSMTPUser()); err != nil {
		s.log.Error("failed to set MAIL FROM", slog.String("from", s.transport.GetSMTPUser()), sl.Err(err))
		return err
	}
	for _, addr := range to {
		if err := client.Rcpt(addr); err != nil {
			s.log.Error("failed to set RCPT TO", slog.String("recipient", addr), sl.Err(err))
			return err
		}
	}

	wc, err := client.Data()
	if err != nil {
		s.log.Error("failed to get data writer", sl.Err(err))
		return err
	}
	if _, err = wc.Write([]byte(msg)); err != nil {
		s.log.Error("failed to write email body", sl.Err(err))
		return err
	}
	if err = wc.Close(); err != nil {
		s.log.Error("failed to close data writer", sl.Err(err))
		return err
	}
	if err = client.Quit(); err != nil {
		s.log.Error("failed to quit SMTP client", sl.Err(err))
		return err
	}

	s.log.Info("email sent successfully", slog.Any("to", to))
	return nil
}
