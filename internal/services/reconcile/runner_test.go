package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
	"github.com/magabrotheeeer/membership-keeper/internal/models"
	"github.com/magabrotheeeer/membership-keeper/internal/paymentprovider"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) ListAllSubjects(ctx context.Context) ([]*models.Subject, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Subject), args.Error(1)
}

type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) CreateRun(ctx context.Context, run *models.ReconciliationRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRunStore) FinishRun(ctx context.Context, run *models.ReconciliationRun, finishedAt time.Time) error {
	args := m.Called(ctx, run, finishedAt)
	return args.Error(0)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) ListManagedRoles(ctx context.Context) (map[string][]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]string), args.Error(1)
}

func (m *MockGateway) AddRole(ctx context.Context, chatID, roleName string) error {
	args := m.Called(ctx, chatID, roleName)
	return args.Error(0)
}

func (m *MockGateway) RemoveAllManagedRoles(ctx context.Context, chatID string) error {
	args := m.Called(ctx, chatID)
	return args.Error(0)
}

func (m *MockGateway) AlertAdmin(ctx context.Context, message string) {
	m.Called(ctx, message)
}

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) ListAllSubscriptions(ctx context.Context) ([]paymentprovider.Subscription, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]paymentprovider.Subscription), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(routingKey string, message any) error {
	args := m.Called(routingKey, message)
	return args.Error(0)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func newRunner(repo *MockRepository, runs *MockRunStore, gateway *MockGateway,
	provider *MockProvider, pub *MockPublisher, cfg config.Reconciliation) *Runner {
	return NewRunner(repo, runs, gateway, provider, pub, testRoles(), cfg, newNoopLogger())
}

func TestRunner_CleanRun_NoAlerts(t *testing.T) {
	subject := member("m1", "chat-1", "cus_1", "knight")

	repo := new(MockRepository)
	runs := new(MockRunStore)
	gateway := new(MockGateway)
	provider := new(MockProvider)
	pub := new(MockPublisher)

	repo.On("ListAllSubjects", mock.Anything).Return([]*models.Subject{subject}, nil).Once()
	provider.On("ListAllSubscriptions", mock.Anything).Return([]paymentprovider.Subscription{
		{CustomerID: "cus_1", Status: "active"},
	}, nil).Once()
	gateway.On("ListManagedRoles", mock.Anything).Return(map[string][]string{
		"chat-1": {"Knight"},
	}, nil).Once()
	runs.On("CreateRun", mock.Anything, mock.Anything).Return(nil).Once()
	runs.On("FinishRun", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	runner := newRunner(repo, runs, gateway, provider, pub, config.Reconciliation{})
	run, err := runner.Run(context.Background(), TriggerSchedule, false)

	require.NoError(t, err)
	assert.Equal(t, 1, run.SubjectsChecked)
	assert.Zero(t, run.IssuesFound)
	gateway.AssertNotCalled(t, "AlertAdmin", mock.Anything, mock.Anything)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	runs.AssertExpectations(t)
}

func TestRunner_AutoFixMissingAccess(t *testing.T) {
	subject := member("m1", "chat-1", "cus_1", "lord")

	repo := new(MockRepository)
	runs := new(MockRunStore)
	gateway := new(MockGateway)
	provider := new(MockProvider)
	pub := new(MockPublisher)

	repo.On("ListAllSubjects", mock.Anything).Return([]*models.Subject{subject}, nil)
	provider.On("ListAllSubscriptions", mock.Anything).Return([]paymentprovider.Subscription{
		{CustomerID: "cus_1", Status: "active"},
	}, nil)
	gateway.On("ListManagedRoles", mock.Anything).Return(map[string][]string{}, nil)
	runs.On("CreateRun", mock.Anything, mock.Anything).Return(nil)
	runs.On("FinishRun", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	gateway.On("AddRole", mock.Anything, "chat-1", "Lord").Return(nil).Once()
	gateway.On("AlertAdmin", mock.Anything, mock.Anything).Once()
	pub.On("Publish", "reconcile", mock.Anything).Return(nil).Once()

	runner := newRunner(repo, runs, gateway, provider, pub,
		config.Reconciliation{AutoFix: true, AdminEmail: "ops@example.com"})

	reverified := false
	runner.scheduleReverify = func(_ time.Duration, _ func()) { reverified = true }

	run, err := runner.Run(context.Background(), TriggerManual, false)

	require.NoError(t, err)
	assert.Equal(t, 1, run.IssuesFound)
	assert.Equal(t, 1, run.IssuesFixed)
	assert.True(t, reverified)
	gateway.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestRunner_ReverificationDoesNotCascade(t *testing.T) {
	subject := member("m1", "chat-1", "cus_1", "knight")

	repo := new(MockRepository)
	runs := new(MockRunStore)
	gateway := new(MockGateway)
	provider := new(MockProvider)
	pub := new(MockPublisher)

	repo.On("ListAllSubjects", mock.Anything).Return([]*models.Subject{subject}, nil)
	provider.On("ListAllSubscriptions", mock.Anything).Return([]paymentprovider.Subscription{
		{CustomerID: "cus_1", Status: "active"},
	}, nil)
	gateway.On("ListManagedRoles", mock.Anything).Return(map[string][]string{}, nil)
	runs.On("CreateRun", mock.Anything, mock.Anything).Return(nil)
	runs.On("FinishRun", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	gateway.On("AddRole", mock.Anything, "chat-1", "Knight").Return(nil)
	gateway.On("AlertAdmin", mock.Anything, mock.Anything)

	runner := newRunner(repo, runs, gateway, provider, pub, config.Reconciliation{AutoFix: true})

	scheduled := 0
	runner.scheduleReverify = func(_ time.Duration, _ func()) { scheduled++ }

	// Повторная проверка сама исправления нашла и применила, но новую
	// проверку не ставит.
	run, err := runner.Run(context.Background(), TriggerReverification, true)

	require.NoError(t, err)
	assert.Equal(t, 1, run.IssuesFixed)
	assert.Zero(t, scheduled)
}

func TestRunner_ReverifyScheduledOnce(t *testing.T) {
	runner := newRunner(new(MockRepository), new(MockRunStore), new(MockGateway),
		new(MockProvider), new(MockPublisher), config.Reconciliation{ReverifyDelay: time.Hour})

	scheduled := 0
	runner.scheduleReverify = func(_ time.Duration, _ func()) { scheduled++ }

	runner.enqueueReverify()
	runner.enqueueReverify()

	assert.Equal(t, 1, scheduled)
}

func TestRunner_SnapshotFailureStillFinishesRun(t *testing.T) {
	repo := new(MockRepository)
	runs := new(MockRunStore)
	gateway := new(MockGateway)
	provider := new(MockProvider)

	repo.On("ListAllSubjects", mock.Anything).Return([]*models.Subject{}, nil)
	provider.On("ListAllSubscriptions", mock.Anything).Return(nil, assert.AnError)
	gateway.On("ListManagedRoles", mock.Anything).Return(map[string][]string{}, nil)
	runs.On("CreateRun", mock.Anything, mock.Anything).Return(nil).Once()
	// Отметка завершения ставится даже при ошибке сверки.
	runs.On("FinishRun", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	runner := newRunner(repo, runs, gateway, provider, new(MockPublisher), config.Reconciliation{})
	_, err := runner.Run(context.Background(), TriggerSchedule, false)

	assert.Error(t, err)
	runs.AssertExpectations(t)
}

func TestRunner_FixFailureDoesNotBlockOthers(t *testing.T) {
	m1 := member("m1", "chat-1", "cus_1", "knight")
	m2 := member("m2", "chat-2", "cus_2", "knight")

	repo := new(MockRepository)
	runs := new(MockRunStore)
	gateway := new(MockGateway)
	provider := new(MockProvider)

	repo.On("ListAllSubjects", mock.Anything).Return([]*models.Subject{m1, m2}, nil)
	provider.On("ListAllSubscriptions", mock.Anything).Return([]paymentprovider.Subscription{
		{CustomerID: "cus_1", Status: "active"},
		{CustomerID: "cus_2", Status: "active"},
	}, nil)
	gateway.On("ListManagedRoles", mock.Anything).Return(map[string][]string{}, nil)
	runs.On("CreateRun", mock.Anything, mock.Anything).Return(nil)
	runs.On("FinishRun", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	gateway.On("AddRole", mock.Anything, "chat-1", "Knight").Return(assert.AnError).Once()
	gateway.On("AddRole", mock.Anything, "chat-2", "Knight").Return(nil).Once()
	gateway.On("AlertAdmin", mock.Anything, mock.Anything)

	runner := newRunner(repo, runs, gateway, provider, new(MockPublisher), config.Reconciliation{AutoFix: true})
	runner.scheduleReverify = func(_ time.Duration, _ func()) {}

	run, err := runner.Run(context.Background(), TriggerSchedule, false)

	require.NoError(t, err)
	assert.Equal(t, 2, run.IssuesFound)
	assert.Equal(t, 1, run.IssuesFixed)
	gateway.AssertExpectations(t)
}
