package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/testutil"
)

func TestNewHub_RequiresLog(t *testing.T) {
	_, err := NewHub(HubConfig{})
	assert.Error(t, err)
}

func TestHub_SubscribeBeforeStart(t *testing.T) {
	hub, err := NewHub(HubConfig{Log: testutil.NewMemLog("app")})
	require.NoError(t, err)

	_, _, err = hub.subscribe()
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.NoError(t, hub.Stop())
}

func TestHub_StartsAtHeadAndFansOut(t *testing.T) {
	m := testutil.NewMemLog("app")
	before := m.Append("app.posts", oplog.OpInsert, "p0", nil)

	hub, err := NewHub(HubConfig{Log: m})
	require.NoError(t, err)
	require.NoError(t, hub.Start(context.Background()))
	defer hub.Stop()
	assert.Equal(t, before.Position, hub.Head())

	a, headA, err := hub.subscribe()
	require.NoError(t, err)
	b, _, err := hub.subscribe()
	require.NoError(t, err)
	assert.Equal(t, before.Position, headA)
	assert.Equal(t, 2, hub.Subscribers())

	e := m.Append("app.posts", oplog.OpInsert, "p1", nil)
	require.Eventually(t, func() bool { return a.queue.Len() == 1 && b.queue.Len() == 1 }, time.Second, time.Millisecond)

	got, ok := a.queue.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, e.Position, got.Position)
	assert.Equal(t, e.Position, hub.Head())

	hub.unsubscribe(b)
	assert.Equal(t, 1, hub.Subscribers())
	assert.True(t, b.queue.Closed())
}

func TestHub_StopEndsSubscribers(t *testing.T) {
	hub, err := NewHub(HubConfig{Log: testutil.NewMemLog("app")})
	require.NoError(t, err)
	require.NoError(t, hub.Start(context.Background()))

	s, _, err := hub.subscribe()
	require.NoError(t, err)

	require.NoError(t, hub.Stop())
	assert.True(t, s.queue.Closed())
	assert.ErrorIs(t, s.Err(), ErrHubClosed)

	_, _, err = hub.subscribe()
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_EndsSubscriberOverBacklog(t *testing.T) {
	m := testutil.NewMemLog("app")
	hub, err := NewHub(HubConfig{Log: m, MaxBacklog: 2})
	require.NoError(t, err)
	require.NoError(t, hub.Start(context.Background()))
	defer hub.Stop()

	slow, _, err := hub.subscribe()
	require.NoError(t, err)
	fast, _, err := hub.subscribe()
	require.NoError(t, err)

	var last oplog.Entry
	for i := 0; i < 3; i++ {
		last = m.Append("app.posts", oplog.OpInsert, fmt.Sprintf("p%d", i), nil)
		require.Eventually(t, func() bool { return hub.Head() == last.Position }, time.Second, time.Millisecond)
		for {
			if _, ok := fast.queue.TryDequeue(); !ok {
				break
			}
		}
	}

	assert.True(t, slow.queue.Closed())
	assert.ErrorIs(t, slow.Err(), ErrSlowSubscriber)
	assert.False(t, fast.queue.Closed())
	assert.NoError(t, fast.Err())
	assert.Equal(t, 1, hub.Subscribers())
}
