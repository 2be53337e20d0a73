package runread

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/membership-keeper/internal/models"
	"github.com/magabrotheeeer/membership-keeper/internal/storage/repository"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) GetRun(ctx context.Context, id string) (*models.ReconciliationRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReconciliationRun), args.Error(1)
}

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(key string, result any) (bool, error) {
	args := m.Called(key, result)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) Set(key string, value any, expiration time.Duration) error {
	args := m.Called(key, value, expiration)
	return args.Error(0)
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func doRequest(t *testing.T, handler *Handler, id string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/reconcile/runs/{id}", handler.ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/reconcile/runs/"+id, nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestHandler_InvalidID(t *testing.T) {
	handler := New(noopLogger(), new(MockService), new(MockCache))

	rr := doRequest(t, handler, "not-a-uuid")

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_NotFound(t *testing.T) {
	id := uuid.NewString()
	service := new(MockService)
	service.On("GetRun", mock.Anything, id).Return(nil, repository.ErrRunNotFound)
	cache := new(MockCache)
	cache.On("Get", "run:"+id, mock.Anything).Return(false, nil)

	rr := doRequest(t, New(noopLogger(), service, cache), id)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	service.AssertExpectations(t)
}

func TestHandler_FinishedRunCached(t *testing.T) {
	id := uuid.NewString()
	finished := time.Now()
	run := &models.ReconciliationRun{ID: id, Trigger: "manual", FinishedAt: &finished}

	service := new(MockService)
	service.On("GetRun", mock.Anything, id).Return(run, nil)
	cache := new(MockCache)
	cache.On("Get", "run:"+id, mock.Anything).Return(false, nil)
	cache.On("Set", "run:"+id, run, time.Hour).Return(nil)

	rr := doRequest(t, New(noopLogger(), service, cache), id)

	require.Equal(t, http.StatusOK, rr.Code)
	cache.AssertExpectations(t)
}

func TestHandler_UnfinishedRunNotCached(t *testing.T) {
	id := uuid.NewString()
	run := &models.ReconciliationRun{ID: id, Trigger: "schedule"}

	service := new(MockService)
	service.On("GetRun", mock.Anything, id).Return(run, nil)
	cache := new(MockCache)
	cache.On("Get", "run:"+id, mock.Anything).Return(false, nil)

	rr := doRequest(t, New(noopLogger(), service, cache), id)

	require.Equal(t, http.StatusOK, rr.Code)
	cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandler_CacheHitSkipsStorage(t *testing.T) {
	id := uuid.NewString()

	service := new(MockService)
	cache := new(MockCache)
	cache.On("Get", "run:"+id, mock.Anything).Return(true, nil)

	rr := doRequest(t, New(noopLogger(), service, cache), id)

	require.Equal(t, http.StatusOK, rr.Code)
	service.AssertNotCalled(t, "GetRun", mock.Anything, mock.Anything)
}