package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/associazione-ets/go-push-service/pkg/push"
)

const collection = "push_subscriptions"

// SubscriptionStore implements push.Registry using Google Cloud Firestore.
//
// The document ID is a digest of the endpoint, so Subscribe is a single
// atomic Set: two racing registrations for the same endpoint land on the same
// document and the store can never hold two rows for one endpoint. A device
// re-registering under a new owner simply overwrites the old owner's record.
type SubscriptionStore struct {
	client *firestore.Client
}

func NewSubscriptionStore(client *firestore.Client) *SubscriptionStore {
	return &SubscriptionStore{client: client}
}

// subscriptionRecord is the internal DB representation.
type subscriptionRecord struct {
	ID        string    `firestore:"id"`
	UserID    string    `firestore:"user_id"`
	Endpoint  string    `firestore:"endpoint"`
	P256dh    string    `firestore:"p256dh"`
	Auth      string    `firestore:"auth"`
	CreatedAt time.Time `firestore:"created_at"`
}

func (s *SubscriptionStore) Subscribe(ctx context.Context, user urn.URN, endpoint, p256dh, auth string) (push.Subscription, error) {
	id := endpointID(endpoint)
	record := subscriptionRecord{
		ID:        id,
		UserID:    user.String(),
		Endpoint:  endpoint,
		P256dh:    p256dh,
		Auth:      auth,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := s.client.Collection(collection).Doc(id).Set(ctx, record); err != nil {
		return push.Subscription{}, fmt.Errorf("persist subscription: %w", err)
	}

	return push.Subscription{
		ID:        id,
		UserID:    user,
		Endpoint:  endpoint,
		P256dh:    p256dh,
		Auth:      auth,
		CreatedAt: record.CreatedAt,
	}, nil
}

func (s *SubscriptionStore) Unsubscribe(ctx context.Context, user urn.URN) (int, error) {
	iter := s.client.Collection(collection).Where("user_id", "==", user.String()).Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("query subscriptions for %s: %w", user.String(), err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return removed, fmt.Errorf("delete subscription %s: %w", doc.Ref.ID, err)
		}
		removed++
	}
	return removed, nil
}

func (s *SubscriptionStore) ListAll(ctx context.Context) ([]push.Subscription, error) {
	iter := s.client.Collection(collection).Documents(ctx)
	defer iter.Stop()

	subs := make([]push.Subscription, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record subscriptionRecord
		if err := doc.DataTo(&record); err != nil {
			// Safe to skip corrupt rows; the dispatcher treats each
			// subscription independently anyway.
			continue
		}
		owner, err := urn.Parse(record.UserID)
		if err != nil {
			continue
		}

		subs = append(subs, push.Subscription{
			ID:        record.ID,
			UserID:    owner,
			Endpoint:  record.Endpoint,
			P256dh:    record.P256dh,
			Auth:      record.Auth,
			CreatedAt: record.CreatedAt,
		})
	}
	return subs, nil
}

func (s *SubscriptionStore) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		// Firestore deletes are idempotent: an id that is already gone is
		// not an error.
		if _, err := s.client.Collection(collection).Doc(id).Delete(ctx); err != nil {
			return fmt.Errorf("delete subscription %s: %w", id, err)
		}
	}
	return nil
}

func endpointID(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:])
}
