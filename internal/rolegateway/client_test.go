package rolegateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
)

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.RoleGateway{
		GatewayURL:     server.URL,
		GatewayToken:   "test-token",
		GuildID:        "guild-1",
		AdminChannelID: "admin-channel",
		ManagedRoles:   []string{"Lord", "Knight"},
		DebtorRole:     "Debtor",
		BaselineRole:   "Knight",
		RequestTimeout: time.Second,
		BatchSize:      5,
		BatchDelay:     10 * time.Millisecond,
		CallMaxRetries: 3,
		CallRetryDelay: time.Millisecond,
	}
	return NewClient(cfg, newNoopLogger()), server
}

func TestClient_CurrentRole(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/guilds/guild-1/members/chat-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(memberResponse{
			ChatID: "chat-1",
			Roles:  []string{"Everyone", "Knight"},
		})
	}))

	role, err := client.CurrentRole(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "Knight", role)
}

func TestClient_CurrentRole_NoManagedRole(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(memberResponse{ChatID: "chat-1", Roles: []string{"Everyone"}})
	}))

	role, err := client.CurrentRole(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Empty(t, role)
}

func TestClient_NotInGuild(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.CurrentRole(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotInGuild)
	// 404 не повторяется
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	err := client.AddRole(context.Background(), "chat-1", "Debtor")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DM_BestEffort(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	ok := client.DM(context.Background(), "chat-1", "hello")
	assert.False(t, ok)
}

func TestClient_ListManagedRoles(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/guilds/guild-1/members", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]memberResponse{
			{ChatID: "chat-1", Roles: []string{"Knight", "Everyone"}},
			{ChatID: "chat-2", Roles: []string{"Debtor"}},
			{ChatID: "chat-3", Roles: []string{"Everyone"}},
		})
	}))

	snapshot, err := client.ListManagedRoles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"chat-1": {"Knight"},
		"chat-2": {"Debtor"},
	}, snapshot)
}

func TestNewClient_LimiterRate(t *testing.T) {
	cfg := config.RoleGateway{
		BatchSize:  5,
		BatchDelay: 2 * time.Second,
	}
	client := NewClient(cfg, newNoopLogger())

	// 5 вызовов на 2 секунды — 2.5 в секунду, всплеск размером с пачку.
	assert.InDelta(t, 2.5, float64(client.limiter.Limit()), 0.001)
	assert.Equal(t, 5, client.limiter.Burst())
}

func TestClient_RemoveAllManagedRoles_ConfigSliceUntouched(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	backing := []string{"Lord", "Knight", "Sentinel"}
	client.cfg.ManagedRoles = backing[:2:3]

	err := client.RemoveAllManagedRoles(context.Background(), "chat-1")
	require.NoError(t, err)

	// Запасная ёмкость конфигного слайса не перезаписывается ролью Debtor.
	assert.Equal(t, []string{"Lord", "Knight", "Sentinel"}, backing)
}

func TestClient_RemoveAllManagedRoles(t *testing.T) {
	var removed []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			removed = append(removed, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	err := client.RemoveAllManagedRoles(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/guilds/guild-1/members/chat-1/roles/Lord",
		"/guilds/guild-1/members/chat-1/roles/Knight",
		"/guilds/guild-1/members/chat-1/roles/Debtor",
	}, removed)
}
