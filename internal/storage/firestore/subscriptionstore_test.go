//go:build integration

package firestore_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	fs "github.com/associazione-ets/go-push-service/internal/storage/firestore"
)

func setupSuite(t *testing.T) (context.Context, *fs.SubscriptionStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	projectID := "test-subscription-store"
	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return ctx, fs.NewSubscriptionStore(client)
}

func TestSubscriptionStore_Integration(t *testing.T) {
	ctx, store := setupSuite(t)
	alice, _ := urn.Parse("urn:ets:user:alice")
	bob, _ := urn.Parse("urn:ets:user:bob")

	t.Run("Subscribe Is An Upsert Per Endpoint", func(t *testing.T) {
		endpoint := "https://fcm.googleapis.com/fcm/send/upsert-test"

		first, err := store.Subscribe(ctx, alice, endpoint, "old-p256dh", "old-auth")
		require.NoError(t, err)

		// Same endpoint, fresh keys: the newest registration wins.
		second, err := store.Subscribe(ctx, alice, endpoint, "new-p256dh", "new-auth")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID, "same endpoint must map to the same row")

		subs, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "new-p256dh", subs[0].P256dh)
		assert.Equal(t, "new-auth", subs[0].Auth)

		require.NoError(t, store.Delete(ctx, []string{first.ID}))
	})

	t.Run("Unsubscribe Removes Only The Caller's Rows", func(t *testing.T) {
		_, err := store.Subscribe(ctx, alice, "https://push.example/alice-1", "k", "a")
		require.NoError(t, err)
		_, err = store.Subscribe(ctx, alice, "https://push.example/alice-2", "k", "a")
		require.NoError(t, err)
		bobSub, err := store.Subscribe(ctx, bob, "https://push.example/bob-1", "k", "a")
		require.NoError(t, err)

		removed, err := store.Unsubscribe(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		subs, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, bob, subs[0].UserID)

		require.NoError(t, store.Delete(ctx, []string{bobSub.ID}))
	})

	t.Run("Unsubscribe With Nothing Registered", func(t *testing.T) {
		ghost, _ := urn.Parse("urn:ets:user:ghost")
		removed, err := store.Unsubscribe(ctx, ghost)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("Delete Is Idempotent", func(t *testing.T) {
		sub, err := store.Subscribe(ctx, alice, "https://push.example/delete-me", "k", "a")
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, []string{sub.ID}))
		// A second delete of the same id must not fail.
		require.NoError(t, store.Delete(ctx, []string{sub.ID, "never-existed"}))

		subs, err := store.ListAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, subs)
	})
}
