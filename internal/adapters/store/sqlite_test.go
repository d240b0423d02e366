package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/heartline/internal/app/notify"
	"github.com/dkeye/heartline/internal/domain"
)

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "notifications.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.Save(ctx, domain.Notification{
		Recipient: "bob",
		Kind:      domain.NotifyInterest,
		Fields:    map[string]any{"from": "alice"},
		CreatedAt: base,
	})
	require.NoError(t, err)
	second, err := s.Save(ctx, domain.Notification{
		Recipient: "bob",
		Kind:      domain.NotifyMessage,
		CreatedAt: base.Add(time.Minute),
	})
	require.NoError(t, err)
	_, err = s.Save(ctx, domain.Notification{Recipient: "carol", Kind: domain.NotifyMessage, CreatedAt: base})
	require.NoError(t, err)

	list, err := s.ListUnread(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)
	assert.Equal(t, "alice", list[0].Fields["from"])
	assert.Equal(t, map[string]any{}, list[1].Fields)
	assert.True(t, list[0].CreatedAt.Equal(base))
	assert.False(t, list[0].Delivered)

	require.NoError(t, s.MarkDelivered(ctx, first))
	list, err = s.ListUnread(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, list[0].Delivered)

	require.NoError(t, s.MarkRead(ctx, "bob", first))
	require.NoError(t, s.MarkRead(ctx, "bob", first), "acking twice is harmless")
	list, err = s.ListUnread(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second, list[0].ID)
}

func TestSQLiteMarkReadForeignOrUnknown(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	id, err := s.Save(ctx, domain.Notification{Recipient: "bob", Kind: domain.NotifyMessage})
	require.NoError(t, err)

	assert.ErrorIs(t, s.MarkRead(ctx, "carol", id), notify.ErrNotificationNotFound)
	assert.ErrorIs(t, s.MarkRead(ctx, "bob", "missing"), notify.ErrNotificationNotFound)
}

func TestSQLiteEmptyList(t *testing.T) {
	s := openTemp(t)
	list, err := s.ListUnread(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "n.db")

	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.Save(ctx, domain.Notification{Recipient: "bob", Kind: domain.NotifyStoryReply})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.ListUnread(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, domain.NotifyStoryReply, list[0].Kind)
}
