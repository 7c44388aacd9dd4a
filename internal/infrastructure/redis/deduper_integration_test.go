//go:build integration

package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestClient(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("warning: failed to terminate redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestDeduper_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client, err := NewClient(ctx, newTestClient(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	d := NewDeduper(client, "test")

	first, err := d.Mark(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.Mark(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	ttl, err := client.PTTL(ctx, "test:evt-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, d.Forget(ctx, "evt-1"))
	afterForget, err := d.Mark(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, afterForget)

	short, err := d.Mark(ctx, "evt-2", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, short)
	assert.Eventually(t, func() bool {
		ok, err := d.Mark(ctx, "evt-2", time.Minute)
		return err == nil && ok
	}, 2*time.Second, 25*time.Millisecond)
}

func TestLocker_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	url := newTestClient(t)

	// Two clients stand in for two API replicas.
	clientA, err := NewClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientA.Close() })
	clientB, err := NewClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientB.Close() })

	lockA := NewLocker(clientA, "test:lock", 300*time.Millisecond, zerolog.Nop())
	lockB := NewLocker(clientB, "test:lock", 300*time.Millisecond, zerolog.Nop())

	unlockA, err := lockA.Lock(ctx, "c1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = lockB.Lock(waitCtx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "lease is kept alive past its ttl while held")

	otherUnlock, err := lockB.Lock(ctx, "c2")
	require.NoError(t, err, "other connections are not blocked")
	otherUnlock()

	acquired := make(chan func(), 1)
	go func() {
		unlock, err := lockB.Lock(ctx, "c1")
		assert.NoError(t, err)
		acquired <- unlock
	}()
	time.Sleep(100 * time.Millisecond)
	unlockA()
	unlockA()

	select {
	case unlockB := <-acquired:
		val, err := clientA.Get(ctx, "test:lock:c1").Result()
		require.NoError(t, err)
		assert.NotEmpty(t, val)
		unlockB()
	case <-time.After(2 * time.Second):
		t.Fatal("second replica never acquired the released lock")
	}

	exists, err := clientA.Exists(ctx, "test:lock:c1").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestLocker_StaleOwnerCannotRelease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client, err := NewClient(ctx, newTestClient(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	l := NewLocker(client, "test:lock", time.Minute, zerolog.Nop())
	unlock, err := l.Lock(ctx, "c1")
	require.NoError(t, err)

	// Simulate the lease expiring and another replica taking it over.
	require.NoError(t, client.Set(ctx, "test:lock:c1", "other-owner", time.Minute).Err())
	unlock()

	val, err := client.Get(ctx, "test:lock:c1").Result()
	require.NoError(t, err)
	assert.Equal(t, "other-owner", val)
}
