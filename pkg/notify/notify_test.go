package notify_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/flowcore/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestLocal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := notify.NewLocal()
	channel := notify.TaskChannel("adder")

	woke, err := n.Wait(ctx, channel, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, woke)

	// a burst collapses to one pending wake-up
	require.NoError(t, n.Notify(ctx, channel))
	require.NoError(t, n.Notify(ctx, channel))

	woke, err = n.Wait(ctx, channel, time.Second)
	require.NoError(t, err)
	assert.True(t, woke)

	woke, err = n.Wait(ctx, channel, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, woke)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err = n.Wait(cancelled, channel, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocal_WakesBlockedWaiter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := notify.NewLocal()
	channel := notify.DecisionChannel("decider")

	done := make(chan bool, 1)

	go func() {
		woke, _ := n.Wait(ctx, channel, 5*time.Second)
		done <- woke
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, n.Notify(ctx, channel))

	select {
	case woke := <-done:
		assert.True(t, woke)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	n, err := notify.NewRedis(ctx, logger, "redis://"+endpoint+"/0")
	require.NoError(t, err)

	defer n.Close()

	channel := notify.TaskChannel("adder")

	require.NoError(t, n.Notify(ctx, channel))
	require.NoError(t, n.Notify(ctx, channel))

	woke, err := n.Wait(ctx, channel, time.Second)
	require.NoError(t, err)
	assert.True(t, woke)

	woke, err = n.Wait(ctx, channel, time.Second)
	require.NoError(t, err)
	assert.False(t, woke)
}
