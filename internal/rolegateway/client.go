// Package rolegateway реализует клиента бот-API чат-платформы: выдача и
// снятие управляемых ролей, исключение из гильдии, личные сообщения и
// оповещение админского канала.
//
// Все вызовы ролей и kick повторяются с фиксированным бэкоффом; субъект,
// уже покинувший гильдию, считается нефатальным пропуском, а не ошибкой.
package rolegateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/sl"
)

// ErrNotInGuild возвращается, когда участник отсутствует в гильдии.
// Вызывающий код трактует это как пропуск, не как сбой.
var ErrNotInGuild = errors.New("member not in guild")

// Client — HTTP клиент бот-API чат-платформы.
type Client struct {
	cfg        config.RoleGateway
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger
}

// NewClient создаёт нового клиента чат-платформы.
func NewClient(cfg config.RoleGateway, log *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		// Единый лимитер на все вызовы, чтобы не упереться в лимиты платформы.
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.BatchSize)/cfg.BatchDelay.Seconds()), cfg.BatchSize),
		log:     log,
	}
}

type memberResponse struct {
	ChatID string   `json:"chat_id"`
	Roles  []string `json:"roles"`
}

type messageRequest struct {
	Content string `json:"content"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.GatewayURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.cfg.GatewayToken)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do выполняет запрос с ожиданием лимитера и повторами с фиксированным
// бэкоффом. Ответ 404 превращается в ErrNotInGuild без повторов.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotInGuild)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("gateway rejected request: %s", resp.Status))
		case resp.StatusCode >= 500:
			return fmt.Errorf("gateway unavailable: %s", resp.Status)
		}

		if result != nil {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return backoff.Permanent(err)
			}
		}
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.CallRetryDelay), c.cfg.CallMaxRetries)
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func (c *Client) memberPath(chatID string) string {
	return "/guilds/" + url.PathEscape(c.cfg.GuildID) + "/members/" + url.PathEscape(chatID)
}

// CurrentRole возвращает управляемую роль участника; пустая строка — роли нет.
func (c *Client) CurrentRole(ctx context.Context, chatID string) (string, error) {
	var member memberResponse
	if err := c.do(ctx, http.MethodGet, c.memberPath(chatID), nil, &member); err != nil {
		return "", err
	}
	held := make(map[string]bool, len(member.Roles))
	for _, role := range member.Roles {
		held[role] = true
	}
	// Порядок ManagedRoles в конфиге определяет приоритет при нескольких ролях.
	for _, role := range c.cfg.ManagedRoles {
		if held[role] {
			return role, nil
		}
	}
	return "", nil
}

// AddRole выдаёт роль участнику.
func (c *Client) AddRole(ctx context.Context, chatID, roleName string) error {
	return c.do(ctx, http.MethodPut, c.memberPath(chatID)+"/roles/"+url.PathEscape(roleName), nil, nil)
}

// RemoveRole снимает роль с участника. Снятие уже отсутствующей роли —
// пустая операция на стороне платформы, поэтому повтор безопасен.
func (c *Client) RemoveRole(ctx context.Context, chatID, roleName string) error {
	return c.do(ctx, http.MethodDelete, c.memberPath(chatID)+"/roles/"+url.PathEscape(roleName), nil, nil)
}

// RemoveAllManagedRoles снимает все управляемые роли, включая Debtor.
func (c *Client) RemoveAllManagedRoles(ctx context.Context, chatID string) error {
	const op = "rolegateway.RemoveAllManagedRoles"
	roles := make([]string, 0, len(c.cfg.ManagedRoles)+1)
	roles = append(roles, c.cfg.ManagedRoles...)
	roles = append(roles, c.cfg.DebtorRole)
	for _, role := range roles {
		if err := c.RemoveRole(ctx, chatID, role); err != nil {
			if errors.Is(err, ErrNotInGuild) {
				return err
			}
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// Kick исключает участника из гильдии.
func (c *Client) Kick(ctx context.Context, chatID, reason string) error {
	return c.do(ctx, http.MethodDelete, c.memberPath(chatID)+"?reason="+url.QueryEscape(reason), nil, nil)
}

// DM отправляет личное сообщение. Лучшее из возможного: сбой логируется
// и возвращается false, наружу ошибка не уходит.
func (c *Client) DM(ctx context.Context, chatID, text string) bool {
	err := c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(chatID)+"/messages", messageRequest{Content: text}, nil)
	if err != nil {
		c.log.Warn("failed to send dm", slog.String("chat_id", chatID), sl.Err(err))
		return false
	}
	return true
}

// ListManagedRoles возвращает свежий снимок управляемых ролей по всей гильдии.
// Используется только сверкой, кеш не применяется.
func (c *Client) ListManagedRoles(ctx context.Context) (map[string][]string, error) {
	const op = "rolegateway.ListManagedRoles"

	var members []memberResponse
	path := "/guilds/" + url.PathEscape(c.cfg.GuildID) + "/members"
	if err := c.do(ctx, http.MethodGet, path, nil, &members); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	managed := make(map[string]bool, len(c.cfg.ManagedRoles)+1)
	for _, role := range c.cfg.ManagedRoles {
		managed[role] = true
	}
	managed[c.cfg.DebtorRole] = true

	snapshot := make(map[string][]string, len(members))
	for _, member := range members {
		var roles []string
		for _, role := range member.Roles {
			if managed[role] {
				roles = append(roles, role)
			}
		}
		if len(roles) > 0 {
			snapshot[member.ChatID] = roles
		}
	}
	return snapshot, nil
}

// AlertAdmin отправляет сообщение в админский канал. Сбой только логируется:
// оповещение не должно ронять вызвавшую операцию.
func (c *Client) AlertAdmin(ctx context.Context, message string) {
	path := "/channels/" + url.PathEscape(c.cfg.AdminChannelID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, messageRequest{Content: message}, nil); err != nil {
		c.log.Error("failed to alert admin channel", sl.Err(err))
	}
}
