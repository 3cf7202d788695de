package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"log/slog"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/associazione-ets/go-push-service/pkg/push"
)

// SubscriptionAPI is the thin HTTP surface over the registry and the
// dispatcher: subscribe, unsubscribe, admin broadcast, and the public
// application server key.
type SubscriptionAPI struct {
	Registry    push.Registry
	Broadcaster push.Broadcaster
	Logger      *slog.Logger

	vapidPublicKey string
	admins         map[string]struct{}
}

func NewSubscriptionAPI(
	registry push.Registry,
	broadcaster push.Broadcaster,
	vapidPublicKey string,
	adminUsers []string,
	logger *slog.Logger,
) *SubscriptionAPI {
	admins := make(map[string]struct{}, len(adminUsers))
	for _, admin := range adminUsers {
		if trimmed := strings.TrimSpace(admin); trimmed != "" {
			admins[trimmed] = struct{}{}
		}
	}
	return &SubscriptionAPI{
		Registry:       registry,
		Broadcaster:    broadcaster,
		Logger:         logger,
		vapidPublicKey: vapidPublicKey,
		admins:         admins,
	}
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// Subscribe registers the caller's browser push endpoint. Re-registering an
// endpoint is idempotent: the newest keys win.
func (api *SubscriptionAPI) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		api.Logger.Warn("Subscribe: validation failed", "reason", "missing fields")
		response.WriteJSONError(w, http.StatusBadRequest, "incomplete subscription")
		return
	}

	if _, err := api.Registry.Subscribe(ctx, caller, req.Endpoint, req.P256dh, req.Auth); err != nil {
		api.Logger.Error("failed to store subscription", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Subscription registered", "user", caller, "endpoint", req.Endpoint)

	response.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Unsubscribe removes every subscription the caller owns. Always succeeds,
// even when there was nothing to remove.
func (api *SubscriptionAPI) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}

	removed, err := api.Registry.Unsubscribe(ctx, caller)
	if err != nil {
		api.Logger.Error("failed to remove subscriptions", "user", caller, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Subscriptions removed", "user", caller, "count", removed)

	response.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// SendNotification triggers a broadcast to every registered subscription.
// Administrator-only.
func (api *SubscriptionAPI) SendNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := api.caller(w, r)
	if !ok {
		return
	}
	if _, isAdmin := api.admins[caller.String()]; !isAdmin {
		api.Logger.Warn("SendNotification: rejected non-admin caller", "user", caller)
		response.WriteJSONError(w, http.StatusForbidden, "administrator role required")
		return
	}

	var payload push.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if payload.Title == "" || payload.Body == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing title or body")
		return
	}

	result, err := api.Broadcaster.Send(ctx, payload)
	if err != nil {
		if errors.Is(err, push.ErrNotConfigured) {
			response.WriteJSONError(w, http.StatusBadRequest, "vapid keys not configured")
			return
		}
		api.Logger.Error("broadcast failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "broadcast failed")
		return
	}
	api.Logger.Info("Broadcast sent", "by", caller, "success", result.SuccessCount, "fail", result.FailCount)

	response.WriteJSON(w, http.StatusOK, result)
}

// VapidPublicKey hands the application server key to the PWA; the browser
// needs it before pushManager.subscribe can run.
func (api *SubscriptionAPI) VapidPublicKey(w http.ResponseWriter, _ *http.Request) {
	if api.vapidPublicKey == "" {
		response.WriteJSONError(w, http.StatusNotFound, "vapid keys not configured")
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]string{"publicKey": api.vapidPublicKey})
}

func (api *SubscriptionAPI) caller(w http.ResponseWriter, r *http.Request) (urn.URN, bool) {
	var zero urn.URN
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return zero, false
	}
	caller, err := urn.Parse(userID)
	if err != nil {
		api.Logger.Warn("caller identity is not a valid urn", "user_id", userID, "err", err)
		response.WriteJSONError(w, http.StatusUnauthorized, "invalid identity")
		return zero, false
	}
	return caller, true
}
