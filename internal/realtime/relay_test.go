package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRelayBridgesInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	newInstance := func() (*Hub, *RedisRelay) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		hub := NewHub()
		relay := NewRedisRelay(client, hub, nil)
		require.NoError(t, relay.Start(ctx))
		t.Cleanup(func() {
			_ = relay.Close()
			hub.Close()
		})
		return hub, relay
	}

	hubA, _ := newInstance()
	hubB, _ := newInstance()

	localA := hubA.Subscribe("user:u1:notifications")
	remoteB := hubB.Subscribe("user:u1:notifications")

	hubA.Publish(Event{Topic: "user:u1:notifications", Type: TypeInsert, Table: "notifications"})

	got := receive(t, remoteB)
	assert.Equal(t, TypeInsert, got.Type)
	assert.Equal(t, "notifications", got.Table)

	assert.Equal(t, TypeInsert, receive(t, localA).Type)
	select {
	case ev := <-localA:
		t.Fatalf("origin instance received its own echo: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisRelayCloseDetaches(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = clientA.Close()
		_ = clientB.Close()
	})
	hubA, hubB := NewHub(), NewHub()
	t.Cleanup(hubA.Close)
	t.Cleanup(hubB.Close)

	relayA := NewRedisRelay(clientA, hubA, nil)
	relayB := NewRedisRelay(clientB, hubB, nil)
	require.NoError(t, relayA.Start(ctx))
	require.NoError(t, relayB.Start(ctx))
	t.Cleanup(func() { _ = relayB.Close() })

	remoteB := hubB.Subscribe("project:p1:board")
	hubA.Publish(Event{Topic: "project:p1:board", Type: TypeUpdate, Table: "tasks"})
	assert.Equal(t, TypeUpdate, receive(t, remoteB).Type)

	require.NoError(t, relayA.Close())
	require.NoError(t, relayA.Close(), "closing twice is harmless")

	localA := hubA.Subscribe("project:p1:board")
	hubA.Publish(Event{Topic: "project:p1:board", Type: TypeDelete, Table: "tasks"})
	assert.Equal(t, TypeDelete, receive(t, localA).Type, "local delivery keeps working")
	hubB.Publish(Event{Topic: "project:p1:board", Type: TypeInsert, Table: "tasks"})
	assert.Equal(t, TypeInsert, receive(t, remoteB).Type)

	select {
	case ev := <-remoteB:
		t.Fatalf("closed relay still forwarded: %+v", ev)
	case ev := <-localA:
		t.Fatalf("closed relay still listened: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
