package notifier

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
	"github.com/magabrotheeeer/membership-keeper/internal/models"
)

// fakeRepository моделирует журнал отправленных ключей в памяти: повторная
// запись того же ключа возвращает false, как и INSERT ... ON CONFLICT.
type fakeRepository struct {
	mu       sync.Mutex
	subjects map[string]*models.Subject
	sent     map[string]map[string]bool
}

func newFakeRepository(subjects ...*models.Subject) *fakeRepository {
	r := &fakeRepository{
		subjects: make(map[string]*models.Subject),
		sent:     make(map[string]map[string]bool),
	}
	for _, s := range subjects {
		r.subjects[s.ID] = s
	}
	return r
}

func (r *fakeRepository) ListOpenEpisodes(_ context.Context) ([]*models.Subject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Subject
	for _, s := range r.subjects {
		if s.TeamID == nil && s.PaymentFailedAt != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeRepository) ListTeamMembers(_ context.Context, teamID string) ([]*models.Subject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Subject
	for _, s := range r.subjects {
		if s.TeamID != nil && *s.TeamID == teamID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeRepository) ListUnclaimed(_ context.Context) ([]*models.Subject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Subject
	for _, s := range r.subjects {
		if s.ChatID == nil && s.Email != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeRepository) GetSubject(_ context.Context, id string) (*models.Subject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subjects[id], nil
}

func (r *fakeRepository) AppendSentNotification(_ context.Context, subjectID, cadenceKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent[subjectID] == nil {
		r.sent[subjectID] = make(map[string]bool)
	}
	if r.sent[subjectID][cadenceKey] {
		return false, nil
	}
	r.sent[subjectID][cadenceKey] = true
	return true, nil
}

func (r *fakeRepository) ListSentNotifications(_ context.Context, subjectID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for k := range r.sent[subjectID] {
		keys = append(keys, k)
	}
	return keys, nil
}

type MockMessenger struct {
	mock.Mock
}

func (m *MockMessenger) DM(ctx context.Context, chatID, text string) bool {
	args := m.Called(ctx, chatID, text)
	return args.Bool(0)
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

func newScheduler(repo SubjectRepository, messenger Messenger, publisher Publisher) *Scheduler {
	throttle := config.RoleGateway{BatchSize: 5, BatchDelay: 0}
	return New(repo, messenger, publisher, throttle, newNoopLogger())
}

func strptr(s string) *string { return &s }

func TestScheduler_EpisodeCadence_FiresDueKeysOnce(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	failedAt := now.Add(-25 * time.Hour)
	subject := &models.Subject{
		ID:              "m1",
		ChatID:          strptr("chat-1"),
		PaymentFailedAt: &failedAt,
	}

	repo := newFakeRepository(subject)
	messenger := new(MockMessenger)
	// Просрочены два смещения: 0h и 24h.
	messenger.On("DM", mock.Anything, "chat-1", mock.Anything).Return(true).Twice()

	scheduler := newScheduler(repo, messenger, new(MockPublisher))
	require.NoError(t, scheduler.RunEpisodeCadence(context.Background(), now))

	messenger.AssertExpectations(t)
	keys, err := repo.ListSentNotifications(context.Background(), "m1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"payment_failed_immediate", "grace_warning_24h"}, keys)
}

func TestScheduler_EpisodeCadence_SecondRunIsSilent(t *testing.T) {
	now := time.Now().UTC()
	failedAt := now.Add(-50 * time.Hour)
	subject := &models.Subject{
		ID:              "m1",
		ChatID:          strptr("chat-1"),
		PaymentFailedAt: &failedAt,
	}

	repo := newFakeRepository(subject)
	messenger := new(MockMessenger)
	messenger.On("DM", mock.Anything, "chat-1", mock.Anything).Return(true).Times(3)

	scheduler := newScheduler(repo, messenger, new(MockPublisher))
	require.NoError(t, scheduler.RunEpisodeCadence(context.Background(), now))
	// Повторный прогон при том же now не шлёт ничего нового.
	require.NoError(t, scheduler.RunEpisodeCadence(context.Background(), now))

	messenger.AssertExpectations(t)
	messenger.AssertNumberOfCalls(t, "DM", 3)
}

func TestScheduler_EpisodeCadence_DeliveryFailureStillRecordsKey(t *testing.T) {
	now := time.Now().UTC()
	failedAt := now.Add(-time.Minute)
	subject := &models.Subject{
		ID:              "m1",
		ChatID:          strptr("chat-1"),
		PaymentFailedAt: &failedAt,
	}

	repo := newFakeRepository(subject)
	messenger := new(MockMessenger)
	messenger.On("DM", mock.Anything, "chat-1", mock.Anything).Return(false).Once()

	scheduler := newScheduler(repo, messenger, new(MockPublisher))
	require.NoError(t, scheduler.RunEpisodeCadence(context.Background(), now))
	// Ключ записан несмотря на сбой доставки: повтора не будет.
	require.NoError(t, scheduler.RunEpisodeCadence(context.Background(), now))

	messenger.AssertNumberOfCalls(t, "DM", 1)
	keys, err := repo.ListSentNotifications(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"payment_failed_immediate"}, keys)
}

func TestScheduler_EpisodeCadence_UnclaimedIsDatabaseOnly(t *testing.T) {
	now := time.Now().UTC()
	failedAt := now.Add(-time.Minute)
	subject := &models.Subject{ID: "m1", PaymentFailedAt: &failedAt}

	repo := newFakeRepository(subject)
	messenger := new(MockMessenger)

	scheduler := newScheduler(repo, messenger, new(MockPublisher))
	require.NoError(t, scheduler.RunEpisodeCadence(context.Background(), now))

	messenger.AssertNotCalled(t, "DM", mock.Anything, mock.Anything, mock.Anything)
	keys, err := repo.ListSentNotifications(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"payment_failed_immediate"}, keys)
}

func TestScheduler_EpisodeCadence_TeamFansOutToMembers(t *testing.T) {
	now := time.Now().UTC()
	failedAt := now.Add(-time.Minute)
	teamID := "t1"
	team := &models.Subject{ID: "t1", Kind: models.KindTeam, PaymentFailedAt: &failedAt}
	owner := &models.Subject{ID: "owner", Kind: models.KindMember, TeamID: &teamID, ChatID: strptr("chat-owner")}
	m2 := &models.Subject{ID: "m2", Kind: models.KindMember, TeamID: &teamID, ChatID: strptr("chat-2")}
	m3 := &models.Subject{ID: "m3", Kind: models.KindMember, TeamID: &teamID}

	repo := newFakeRepository(team, owner, m2, m3)
	messenger := new(MockMessenger)
	messenger.On("DM", mock.Anything, "chat-owner", mock.Anything).Return(true).Once()
	messenger.On("DM", mock.Anything, "chat-2", mock.Anything).Return(true).Once()

	scheduler := newScheduler(repo, messenger, new(MockPublisher))
	require.NoError(t, scheduler.RunEpisodeCadence(context.Background(), now))

	// Сообщение получил каждый привязанный участник, ключ записан один раз
	// на команде, у участников журнал пуст.
	messenger.AssertExpectations(t)
	keys, err := repo.ListSentNotifications(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"payment_failed_immediate"}, keys)
	for _, id := range []string{"owner", "m2", "m3"} {
		memberKeys, err := repo.ListSentNotifications(context.Background(), id)
		require.NoError(t, err)
		assert.Empty(t, memberKeys, id)
	}

	// Повторный прогон молчит: ключ на команде уже записан.
	require.NoError(t, scheduler.RunEpisodeCadence(context.Background(), now))
	messenger.AssertNumberOfCalls(t, "DM", 2)
}

func TestScheduler_ClaimCadence_PublishesDueReminders(t *testing.T) {
	now := time.Now().UTC()
	subject := &models.Subject{
		ID:        "m1",
		Email:     strptr("m1@example.com"),
		Status:    models.BillingActive,
		CreatedAt: now.Add(-8 * 24 * time.Hour),
	}

	repo := newFakeRepository(subject)
	publisher := new(MockPublisher)
	publisher.On("Publish", "claim", models.ClaimReminderEmail{
		Email: "m1@example.com", SubjectID: "m1", CadenceKey: "claim_48h",
	}).Return(nil).Once()
	publisher.On("Publish", "claim", models.ClaimReminderEmail{
		Email: "m1@example.com", SubjectID: "m1", CadenceKey: "claim_week1",
	}).Return(nil).Once()

	scheduler := newScheduler(repo, new(MockMessenger), publisher)
	require.NoError(t, scheduler.RunClaimCadence(context.Background(), now))

	publisher.AssertExpectations(t)
}

func TestScheduler_ClaimCadence_AbortsOnceClaimed(t *testing.T) {
	now := time.Now().UTC()
	subject := &models.Subject{
		ID:        "m1",
		Email:     strptr("m1@example.com"),
		CreatedAt: now.Add(-40 * 24 * time.Hour),
	}

	repo := newFakeRepository(subject)
	publisher := new(MockPublisher)
	publisher.On("Publish", "claim", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		// Привязка происходит параллельно с первой отправкой.
		repo.mu.Lock()
		repo.subjects["m1"].ChatID = strptr("chat-1")
		repo.mu.Unlock()
	}).Once()

	scheduler := newScheduler(repo, new(MockMessenger), publisher)
	require.NoError(t, scheduler.RunClaimCadence(context.Background(), now))

	// Остаток каденции оборван после привязки.
	publisher.AssertNumberOfCalls(t, "Publish", 1)
}

func TestScheduler_ClaimCadence_NothingBeforeFirstOffset(t *testing.T) {
	now := time.Now().UTC()
	subject := &models.Subject{
		ID:        "m1",
		Email:     strptr("m1@example.com"),
		CreatedAt: now.Add(-47 * time.Hour),
	}

	repo := newFakeRepository(subject)
	publisher := new(MockPublisher)

	scheduler := newScheduler(repo, new(MockMessenger), publisher)
	require.NoError(t, scheduler.RunClaimCadence(context.Background(), now))

	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestCadenceTables_AreOrdered(t *testing.T) {
	for i := 1; i < len(episodeCadence); i++ {
		assert.Greater(t, episodeCadence[i].Offset, episodeCadence[i-1].Offset)
	}
	for i := 1; i < len(claimCadence); i++ {
		assert.Greater(t, claimCadence[i].Offset, claimCadence[i-1].Offset)
	}
}
