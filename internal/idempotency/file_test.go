package idempotency

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	ctx := context.Background()

	s1 := NewFileStore(path, time.Millisecond)
	require.NoError(t, s1.Upsert(ctx, Record{Key: "order:shop1:42:confirm:v1", InstanceName: "shop1"}))
	require.NoError(t, s1.MarkSent(ctx, "order:shop1:42:confirm:v1", "prov-1"))
	require.NoError(t, s1.Close())

	s2 := NewFileStore(path, time.Millisecond)
	defer s2.Close()

	rec, ok, err := s2.Get(ctx, "order:shop1:42:confirm:v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, "prov-1", rec.ProviderMessageID)
	assert.Equal(t, "shop1", rec.InstanceName)
}

func TestFileStoreQuarantinesCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idempotency.json")
	require.NoError(t, os.WriteFile(path, []byte("{definitely not a json array"), 0o600))

	s := NewFileStore(path, time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "anything")
	require.NoError(t, err)
	assert.False(t, ok, "store starts empty after corruption")

	matches, err := filepath.Glob(path + ".corrupted.*")
	require.NoError(t, err)
	require.Len(t, matches, 1, "corrupted file is moved aside, not deleted")

	// The store stays usable.
	require.NoError(t, s.Upsert(ctx, Record{Key: "k1"}))
	_, ok, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreDebouncedFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	s := NewFileStore(path, 10*time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Record{Key: "k1", InstanceName: "shop1"}))
	require.NoError(t, s.Upsert(ctx, Record{Key: "k2", InstanceName: "shop1"}))

	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond, "debounced save lands on disk")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var list []Record
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "k1", list[0].Key, "snapshot is sorted by key")
	assert.Equal(t, "k2", list[1].Key)
}

func TestFileStoreCleanupDropsByAge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	s := NewFileStore(path, time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.Upsert(ctx, Record{Key: "stale"}))

	s.now = func() time.Time { return base.Add(8 * 24 * time.Hour) }
	require.NoError(t, s.Upsert(ctx, Record{Key: "recent"}))

	removed, err := s.Cleanup(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := s.Get(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(ctx, "recent")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreCloseFlushesPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotency.json")
	// Long debounce: nothing hits the disk before Close.
	s := NewFileStore(path, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Record{Key: "k1"}))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "nothing written before the debounce fires")

	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var list []Record
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "k1", list[0].Key)
}
