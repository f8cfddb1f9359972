package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "layoutid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, db.Set(ctx, "k", []byte{1, 2, 3, 4}))
	require.NoError(t, db.Set(ctx, "k", []byte{5, 6, 7, 8}))

	got, err := db.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, got)
}

func TestMetadata(t *testing.T) {
	db := openTestDB(t)

	v, err := db.GetMetadata("retrain.status")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, db.SetMetadata("retrain.status", "running"))
	require.NoError(t, db.SetMetadata("retrain.status", "ok"))

	v, err = db.GetMetadata("retrain.status")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "ok", *v)
}

func TestConfirmations(t *testing.T) {
	db := openTestDB(t)

	_, err := db.InsertConfirmation(Confirmation{LayoutCode: "101", SourceName: "a.pdf", StoredPath: "/t/a", TextPath: "/c/a.txt"})
	require.NoError(t, err)
	id, err := db.InsertConfirmation(Confirmation{LayoutCode: "202", SourceName: "b.xlsx", StoredPath: "/t/b", TextPath: "/c/b.txt"})
	require.NoError(t, err)

	list, err := db.ListConfirmations(10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "202", list[0].LayoutCode)
	assert.Equal(t, "a.pdf", list[1].SourceName)
	assert.NotEmpty(t, list[1].CreatedAt)

	list, err = db.ListConfirmations(1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestIntakeMessages(t *testing.T) {
	db := openTestDB(t)

	first, err := db.UpsertIntakeMessage(IntakeMessage{Provider: "imap", MessageID: "<a@x>", Subject: "extrato", Hash: "h1", RawRef: "/raw/h1.eml"})
	require.NoError(t, err)
	assert.Equal(t, MessageFetched, first.Status)

	require.NoError(t, db.UpdateIntakeStatus(first.ID, MessageIdentified))

	again, err := db.UpsertIntakeMessage(IntakeMessage{Provider: "imap", MessageID: "<a@x>", Subject: "extrato (fwd)", Hash: "h1", RawRef: "/raw/h1.eml"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, MessageIdentified, again.Status)
	assert.Equal(t, "extrato (fwd)", again.Subject)

	_, err = db.UpsertIntakeMessage(IntakeMessage{Provider: "gmail", MessageID: "<a@x>", Hash: "h2", RawRef: "/raw/h2.eml"})
	require.NoError(t, err)

	pending, err := db.ListIntakeMessages(MessageFetched, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "gmail", pending[0].Provider)
}
