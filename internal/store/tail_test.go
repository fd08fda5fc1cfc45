package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/resource"
)

func TestTail_DrainsExistingEntries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, "post", resource.Record{"id": id})
		require.NoError(t, err)
	}

	all, err := s.Read(ctx, oplog.Position{}, 0)
	require.NoError(t, err)

	cur, err := s.Tail(ctx, all[0].Position)
	require.NoError(t, err)
	defer cur.Close()

	e, err := cur.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", e.DocumentID)

	e, err = cur.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", e.DocumentID)
}

func TestTail_BlocksUntilWrite(t *testing.T) {
	s := createTestStore(t, WithPollInterval(time.Hour))
	ctx := context.Background()

	cur, err := s.Tail(ctx, oplog.Position{})
	require.NoError(t, err)
	defer cur.Close()

	got := make(chan oplog.Entry, 1)
	go func() {
		e, err := cur.Next(ctx)
		if err == nil {
			got <- e
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before any write")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = s.Create(ctx, "post", resource.Record{"id": "late"})
	require.NoError(t, err)

	select {
	case e := <-got:
		assert.Equal(t, "late", e.DocumentID)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake after write")
	}
}

func TestTail_PollsForForeignWrites(t *testing.T) {
	path := t.TempDir() + "/shared.db"

	reader, err := Open(path, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer reader.Close()

	writer, err := Open(path)
	require.NoError(t, err)
	defer writer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cur, err := reader.Tail(ctx, oplog.Position{})
	require.NoError(t, err)
	defer cur.Close()

	// The reader never sees the writer's broadcast; only polling finds it.
	_, err = writer.Create(ctx, "post", resource.Record{"id": "foreign"})
	require.NoError(t, err)

	e, err := cur.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "foreign", e.DocumentID)
}

func TestTail_ContextCancel(t *testing.T) {
	s := createTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cur, err := s.Tail(ctx, oplog.Position{})
	require.NoError(t, err)
	defer cur.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = cur.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTail_Close(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	cur, err := s.Tail(ctx, oplog.Position{})
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := cur.Next(ctx)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cur.Close())
	require.NoError(t, cur.Close(), "second close is a no-op")

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrCursorClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Next")
	}
}
