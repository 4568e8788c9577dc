//go:build integration

package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"coordinator/internal/job"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationDocker(t *testing.T) *Docker {
	t.Helper()
	d, err := NewDocker(context.Background(), Config{WorkerID: fmt.Sprintf("it-%d", time.Now().UnixNano())})
	require.NoError(t, err)
	require.NoError(t, d.Ready(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func TestDocker_RunSuccess(t *testing.T) {
	d := newIntegrationDocker(t)

	var mu sync.Mutex
	var streamed []string
	out, err := d.Run(context.Background(), "it-success", job.Definition{
		Image:   "alpine:latest",
		Command: "cat greeting.txt && echo done",
		Inputs:  map[string]string{"greeting.txt": "hello from inputs\n"},
	}, func(_ string, lines []string) {
		mu.Lock()
		defer mu.Unlock()
		streamed = append(streamed, lines...)
	})
	require.NoError(t, err)

	assert.Equal(t, job.ReasonSuccess, out.Reason())
	assert.Equal(t, []string{"hello from inputs", "done"}, out.Logs)
	mu.Lock()
	assert.Equal(t, out.Logs, streamed)
	mu.Unlock()
}

func TestDocker_RunFailure(t *testing.T) {
	d := newIntegrationDocker(t)

	out, err := d.Run(context.Background(), "it-failure", job.Definition{
		Image:   "alpine:latest",
		Command: "echo bad >&2; exit 3",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, job.ReasonError, out.Reason())
	assert.Equal(t, []string{"bad"}, out.Logs)
}

func TestDocker_RunTimeout(t *testing.T) {
	d := newIntegrationDocker(t)

	out, err := d.Run(context.Background(), "it-timeout", job.Definition{
		Image:          "alpine:latest",
		Command:        "sleep 60",
		TimeoutSeconds: 2,
	}, nil)
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.Equal(t, job.ReasonTimedOut, out.Reason())
}

func TestDocker_Kill(t *testing.T) {
	d := newIntegrationDocker(t)

	done := make(chan Outcome, 1)
	go func() {
		out, err := d.Run(context.Background(), "it-kill", job.Definition{Image: "alpine:latest", Command: "sleep 60"}, nil)
		assert.NoError(t, err)
		done <- out
	}()

	require.Eventually(t, func() bool { return d.runs.count() == 1 }, 30*time.Second, 100*time.Millisecond)
	time.Sleep(2 * time.Second)
	require.NoError(t, d.Kill(context.Background(), "it-kill"))

	select {
	case out := <-done:
		assert.True(t, out.Killed)
		assert.Equal(t, job.ReasonCancelled, out.Reason())
	case <-time.After(30 * time.Second):
		t.Fatal("run did not stop after Kill")
	}
}
