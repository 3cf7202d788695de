package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/associazione-ets/go-push-service/internal/api"
	"github.com/associazione-ets/go-push-service/pkg/push"
)

// --- Mocks ---

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) Subscribe(ctx context.Context, user urn.URN, endpoint, p256dh, auth string) (push.Subscription, error) {
	args := m.Called(ctx, user, endpoint, p256dh, auth)
	return args.Get(0).(push.Subscription), args.Error(1)
}
func (m *MockRegistry) Unsubscribe(ctx context.Context, user urn.URN) (int, error) {
	args := m.Called(ctx, user)
	return args.Int(0), args.Error(1)
}
func (m *MockRegistry) ListAll(ctx context.Context) ([]push.Subscription, error) {
	args := m.Called(ctx)
	return args.Get(0).([]push.Subscription), args.Error(1)
}
func (m *MockRegistry) Delete(ctx context.Context, ids []string) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) Send(ctx context.Context, payload push.Payload) (push.Result, error) {
	args := m.Called(ctx, payload)
	return args.Get(0).(push.Result), args.Error(1)
}

// --- Setup ---

const (
	adminURN  = "urn:ets:user:admin"
	memberURN = "urn:ets:user:member-1"
	testKey   = "BPn6f3CTRFairRERViQFaCX3UJ5w"
)

func setupAPI(t *testing.T) (*api.SubscriptionAPI, *MockRegistry, *MockBroadcaster) {
	t.Helper()
	registry := new(MockRegistry)
	broadcaster := new(MockBroadcaster)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := api.NewSubscriptionAPI(registry, broadcaster, testKey, []string{adminURN}, logger)
	return handler, registry, broadcaster
}

// withUser injects the caller identity the way the auth middleware would.
// The handlers read the user handle, so ContextWithUserID alone is not
// enough; ContextWithUser populates both keys.
func withUser(req *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUser(req.Context(), userID, userID, "")
	return req.WithContext(ctx)
}

// --- Tests ---

func TestSubscribe(t *testing.T) {
	member, _ := urn.Parse(memberURN)
	validBody := `{"endpoint":"https://fcm.googleapis.com/fcm/send/abc","p256dh":"key","auth":"secret"}`

	t.Run("Success", func(t *testing.T) {
		handler, registry, _ := setupAPI(t)
		registry.On("Subscribe", mock.Anything, member, "https://fcm.googleapis.com/fcm/send/abc", "key", "secret").
			Return(push.Subscription{ID: "abc", UserID: member, CreatedAt: time.Now()}, nil)

		req := withUser(httptest.NewRequest("POST", "/subscriptions", bytes.NewReader([]byte(validBody))), memberURN)
		w := httptest.NewRecorder()

		handler.Subscribe(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		registry.AssertExpectations(t)
	})

	t.Run("Rejects Unauthenticated", func(t *testing.T) {
		handler, registry, _ := setupAPI(t)
		req := httptest.NewRequest("POST", "/subscriptions", bytes.NewReader([]byte(validBody)))
		w := httptest.NewRecorder()

		handler.Subscribe(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		registry.AssertNotCalled(t, "Subscribe")
	})

	t.Run("Rejects Invalid JSON", func(t *testing.T) {
		handler, _, _ := setupAPI(t)
		req := withUser(httptest.NewRequest("POST", "/subscriptions", bytes.NewReader([]byte("{not json"))), memberURN)
		w := httptest.NewRecorder()

		handler.Subscribe(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Rejects Incomplete Subscription", func(t *testing.T) {
		handler, registry, _ := setupAPI(t)
		// Missing auth
		body := `{"endpoint":"https://valid.example/send/1","p256dh":"key","auth":""}`
		req := withUser(httptest.NewRequest("POST", "/subscriptions", bytes.NewReader([]byte(body))), memberURN)
		w := httptest.NewRecorder()

		handler.Subscribe(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		registry.AssertNotCalled(t, "Subscribe")
	})

	t.Run("Storage Failure", func(t *testing.T) {
		handler, registry, _ := setupAPI(t)
		registry.On("Subscribe", mock.Anything, member, mock.Anything, mock.Anything, mock.Anything).
			Return(push.Subscription{}, errors.New("firestore unavailable"))

		req := withUser(httptest.NewRequest("POST", "/subscriptions", bytes.NewReader([]byte(validBody))), memberURN)
		w := httptest.NewRecorder()

		handler.Subscribe(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestUnsubscribe(t *testing.T) {
	member, _ := urn.Parse(memberURN)

	t.Run("Success", func(t *testing.T) {
		handler, registry, _ := setupAPI(t)
		registry.On("Unsubscribe", mock.Anything, member).Return(2, nil)

		req := withUser(httptest.NewRequest("DELETE", "/subscriptions", nil), memberURN)
		w := httptest.NewRecorder()

		handler.Unsubscribe(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		registry.AssertExpectations(t)
	})

	t.Run("Nothing To Remove Is Still Success", func(t *testing.T) {
		handler, registry, _ := setupAPI(t)
		registry.On("Unsubscribe", mock.Anything, member).Return(0, nil)

		req := withUser(httptest.NewRequest("DELETE", "/subscriptions", nil), memberURN)
		w := httptest.NewRecorder()

		handler.Unsubscribe(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, true, body["success"])
	})
}

func TestSendNotification(t *testing.T) {
	validBody := `{"title":"Assemblea","body":"Convocazione ore 18"}`

	t.Run("Success", func(t *testing.T) {
		handler, _, broadcaster := setupAPI(t)
		broadcaster.On("Send", mock.Anything, push.Payload{Title: "Assemblea", Body: "Convocazione ore 18"}).
			Return(push.Result{SuccessCount: 3, FailCount: 1}, nil)

		req := withUser(httptest.NewRequest("POST", "/notifications/send", bytes.NewReader([]byte(validBody))), adminURN)
		w := httptest.NewRecorder()

		handler.SendNotification(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var result push.Result
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, push.Result{SuccessCount: 3, FailCount: 1}, result)
		broadcaster.AssertExpectations(t)
	})

	t.Run("Rejects Non Admin", func(t *testing.T) {
		handler, _, broadcaster := setupAPI(t)
		req := withUser(httptest.NewRequest("POST", "/notifications/send", bytes.NewReader([]byte(validBody))), memberURN)
		w := httptest.NewRecorder()

		handler.SendNotification(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		broadcaster.AssertNotCalled(t, "Send")
	})

	t.Run("Rejects Missing Title Or Body", func(t *testing.T) {
		handler, _, broadcaster := setupAPI(t)
		req := withUser(httptest.NewRequest("POST", "/notifications/send", bytes.NewReader([]byte(`{"title":"only title"}`))), adminURN)
		w := httptest.NewRecorder()

		handler.SendNotification(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		broadcaster.AssertNotCalled(t, "Send")
	})

	t.Run("Missing Vapid Config", func(t *testing.T) {
		handler, _, broadcaster := setupAPI(t)
		broadcaster.On("Send", mock.Anything, mock.Anything).
			Return(push.Result{}, push.ErrNotConfigured)

		req := withUser(httptest.NewRequest("POST", "/notifications/send", bytes.NewReader([]byte(validBody))), adminURN)
		w := httptest.NewRecorder()

		handler.SendNotification(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Broadcast Failure", func(t *testing.T) {
		handler, _, broadcaster := setupAPI(t)
		broadcaster.On("Send", mock.Anything, mock.Anything).
			Return(push.Result{}, errors.New("listing subscriptions failed"))

		req := withUser(httptest.NewRequest("POST", "/notifications/send", bytes.NewReader([]byte(validBody))), adminURN)
		w := httptest.NewRecorder()

		handler.SendNotification(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestVapidPublicKey(t *testing.T) {
	t.Run("Returns Configured Key", func(t *testing.T) {
		handler, _, _ := setupAPI(t)
		w := httptest.NewRecorder()

		handler.VapidPublicKey(w, httptest.NewRequest("GET", "/notifications/vapid-public-key", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, testKey, body["publicKey"])
	})

	t.Run("Not Found When Unconfigured", func(t *testing.T) {
		registry := new(MockRegistry)
		broadcaster := new(MockBroadcaster)
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		handler := api.NewSubscriptionAPI(registry, broadcaster, "", nil, logger)
		w := httptest.NewRecorder()

		handler.VapidPublicKey(w, httptest.NewRequest("GET", "/notifications/vapid-public-key", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
