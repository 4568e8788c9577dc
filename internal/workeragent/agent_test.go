package workeragent

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"coordinator/internal/api"
	"coordinator/internal/bus"
	"coordinator/internal/executor"
	"coordinator/internal/health"
	"coordinator/internal/job"
	"coordinator/internal/persistence"
	"coordinator/internal/queue"
	"coordinator/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor records the jobs it was asked to run. With block set, Run
// waits until the job is killed or ctx ends.
type fakeExecutor struct {
	outcome executor.Outcome
	err     error
	block   bool

	mu      sync.Mutex
	started map[string]job.Definition
	kills   map[string]chan struct{}
	killed  []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		started: make(map[string]job.Definition),
		kills:   make(map[string]chan struct{}),
	}
}

func (f *fakeExecutor) Run(ctx context.Context, jobID string, def job.Definition, logs executor.LogFunc) (executor.Outcome, error) {
	f.mu.Lock()
	f.started[jobID] = def
	kill := make(chan struct{})
	f.kills[jobID] = kill
	f.mu.Unlock()

	if logs != nil {
		logs("stdout", []string{"hello"})
	}
	if !f.block {
		return f.outcome, f.err
	}
	select {
	case <-ctx.Done():
		return executor.Outcome{}, ctx.Err()
	case <-kill:
		return executor.Outcome{ExitCode: 137, Killed: true}, nil
	}
}

func (f *fakeExecutor) Kill(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kill, ok := f.kills[jobID]
	if !ok {
		return errors.New("not running")
	}
	delete(f.kills, jobID)
	f.killed = append(f.killed, jobID)
	close(kill)
	return nil
}

func (f *fakeExecutor) Ready(context.Context) error { return nil }
func (f *fakeExecutor) Close(context.Context) error { return nil }

func (f *fakeExecutor) startedDef(jobID string) (job.Definition, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.started[jobID]
	return def, ok
}

func (f *fakeExecutor) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeExecutor) killedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

type harness struct {
	url   string
	queue *queue.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw := persistence.NewMemory()
	b := bus.NewMemory(bus.MemoryConfig{}, nil)
	queues := queue.NewQueues(queue.Config{
		StatusCollectWindow: 50 * time.Millisecond,
		WorkerSweepInterval: time.Hour,
		PersistTimeout:      time.Second,
	}, queue.Options{Instance: "agent-test", Gateway: gw, Bus: b})

	h := api.NewHandler(queues, health.NewChecker(map[string]health.Pinger{"persistence": gw}), api.SocketConfig{})
	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{Handler: h}))
	t.Cleanup(func() {
		h.CloseSockets()
		srv.Close()
		_ = queues.Close(context.Background())
		_ = b.Close(context.Background())
	})

	c, err := queues.Get(context.Background(), "build")
	require.NoError(t, err)
	return &harness{url: srv.URL, queue: c}
}

func (h *harness) submit(t *testing.T, def job.Definition) string {
	t.Helper()
	res, err := h.queue.Submit(context.Background(), "test", def, "")
	require.NoError(t, err)
	require.True(t, res.Accepted)
	return res.Record.Hash
}

func (h *harness) finished(jobID string) (job.FinishedValue, bool) {
	rec, ok := h.queue.Record(jobID)
	if !ok {
		return job.FinishedValue{}, false
	}
	return rec.Finished()
}

// startAgent runs an agent until the test ends and returns it.
func startAgent(t *testing.T, h *harness, cfg Config, exec executor.Executor) (*Agent, context.CancelFunc, <-chan error) {
	t.Helper()
	cfg.CoordinatorURL = h.url
	cfg.Queue = "build"
	if cfg.WorkerID == "" {
		cfg.WorkerID = "w1"
	}
	if cfg.RegistrationInterval == 0 {
		cfg.RegistrationInterval = 50 * time.Millisecond
	}
	agent := New(cfg, exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- agent.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return agent, cancel, done
}

func TestAgent_RunsJobAndReports(t *testing.T) {
	h := newHarness(t)
	exec := newFakeExecutor()
	exec.outcome = executor.Outcome{ExitCode: 0, Duration: 1500 * time.Millisecond, Logs: []string{"done"}}

	agent, _, _ := startAgent(t, h, Config{}, exec)
	testutil.MustWaitFor(t, func() bool {
		_, ok := h.queue.Workers().Local("w1")
		return ok
	}, "worker registered")

	id := h.submit(t, job.Definition{Image: "alpine", Command: "true"})

	testutil.MustWaitFor(t, func() bool {
		_, ok := h.finished(id)
		return ok
	}, "job finished")

	fin, _ := h.finished(id)
	assert.Equal(t, job.ReasonSuccess, fin.Reason)
	assert.Equal(t, "w1", fin.Worker)
	require.NotNil(t, fin.Result)
	require.NotNil(t, fin.Result.ExitCode)
	assert.Equal(t, 0, *fin.Result.ExitCode)
	assert.Equal(t, "1.5s", fin.Result.Duration)

	rec, _ := h.queue.Record(id)
	states := make([]job.State, 0, len(rec.History))
	for _, change := range rec.History {
		states = append(states, change.State)
	}
	assert.Equal(t, []job.State{job.StateQueued, job.StateRunning, job.StateFinished}, states)

	testutil.MustWaitFor(t, func() bool {
		_, _, unreported := agent.Stats()
		return unreported == 0
	}, "report acknowledged")
}

func TestAgent_ReportsOutcomeReason(t *testing.T) {
	tests := []struct {
		name    string
		outcome executor.Outcome
		err     error
		reason  job.FinishedReason
		message string
	}{
		{"non-zero exit", executor.Outcome{ExitCode: 3}, nil, job.ReasonError, ""},
		{"timed out", executor.Outcome{ExitCode: 137, TimedOut: true}, nil, job.ReasonTimedOut, ""},
		{"runtime failure", executor.Outcome{}, errors.New("image pull failed"), job.ReasonError, "image pull failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			exec := newFakeExecutor()
			exec.outcome = tt.outcome
			exec.err = tt.err
			startAgent(t, h, Config{}, exec)

			id := h.submit(t, job.Definition{Image: "alpine"})
			testutil.MustWaitFor(t, func() bool {
				_, ok := h.finished(id)
				return ok
			}, "job finished")

			fin, _ := h.finished(id)
			assert.Equal(t, tt.reason, fin.Reason)
			assert.Equal(t, tt.message, fin.Message)
		})
	}
}

func TestAgent_CancelStopsJob(t *testing.T) {
	h := newHarness(t)
	exec := newFakeExecutor()
	exec.block = true
	agent, _, _ := startAgent(t, h, Config{}, exec)

	id := h.submit(t, job.Definition{Image: "alpine", Command: "sleep 600"})
	testutil.MustWaitFor(t, func() bool {
		_, ok := exec.startedDef(id)
		return ok
	}, "job started")

	_, err := h.queue.Cancel(context.Background(), "test", id)
	require.NoError(t, err)

	testutil.MustWaitFor(t, func() bool {
		return len(exec.killedJobs()) == 1
	}, "job killed")
	testutil.MustWaitFor(t, func() bool {
		running, _, unreported := agent.Stats()
		return running == 0 && unreported == 0
	}, "run released without a report")

	fin, ok := h.finished(id)
	require.True(t, ok)
	assert.Equal(t, job.ReasonCancelled, fin.Reason)
	assert.Nil(t, fin.Result)
}

func TestAgent_SkipsJobsThatDoNotFit(t *testing.T) {
	h := newHarness(t)
	exec := newFakeExecutor()
	startAgent(t, h, Config{CPUs: 2}, exec)

	gpu := h.submit(t, job.Definition{Image: "cuda", GPU: 1})
	big := h.submit(t, job.Definition{Image: "alpine", CPU: 4})
	small := h.submit(t, job.Definition{Image: "alpine", CPU: 2})

	testutil.MustWaitFor(t, func() bool {
		_, ok := h.finished(small)
		return ok
	}, "fitting job finished")

	for _, id := range []string{gpu, big} {
		rec, ok := h.queue.Record(id)
		require.True(t, ok)
		assert.Equal(t, job.StateQueued, rec.State)
		_, started := exec.startedDef(id)
		assert.False(t, started)
	}
}

func TestAgent_CapsTimeoutToMaxJobDuration(t *testing.T) {
	h := newHarness(t)
	exec := newFakeExecutor()
	startAgent(t, h, Config{MaxJobDuration: 2 * time.Minute}, exec)

	id := h.submit(t, job.Definition{Image: "alpine", TimeoutSeconds: 3600})
	testutil.MustWaitFor(t, func() bool {
		_, ok := exec.startedDef(id)
		return ok
	}, "job started")

	def, _ := exec.startedDef(id)
	assert.Equal(t, 120, def.TimeoutSeconds)
}

func TestAgent_RunsOneJobPerSlot(t *testing.T) {
	h := newHarness(t)
	exec := newFakeExecutor()
	exec.block = true
	startAgent(t, h, Config{Concurrency: 1}, exec)

	h.submit(t, job.Definition{Image: "alpine", Command: "one"})
	h.submit(t, job.Definition{Image: "alpine", Command: "two"})

	testutil.MustWaitFor(t, func() bool { return exec.runs() == 1 }, "first job started")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, exec.runs())
}

func TestAgent_ShutdownDoesNotReport(t *testing.T) {
	h := newHarness(t)
	exec := newFakeExecutor()
	exec.block = true
	_, cancel, done := startAgent(t, h, Config{}, exec)

	id := h.submit(t, job.Definition{Image: "alpine", Command: "sleep 600"})
	testutil.MustWaitFor(t, func() bool {
		_, ok := exec.startedDef(id)
		return ok
	}, "job started")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}

	rec, ok := h.queue.Record(id)
	require.True(t, ok)
	assert.Equal(t, job.StateRunning, rec.State)
	assert.Equal(t, "w1", rec.Worker())
}

func TestAgent_SocketURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{"ws", "ws://coord:8080", "ws://coord:8080/v1/queues/build/ws", false},
		{"http upgraded", "http://coord:8080/", "ws://coord:8080/v1/queues/build/ws", false},
		{"https upgraded", "https://coord", "wss://coord/v1/queues/build/ws", false},
		{"path prefix", "wss://edge/coordinator", "wss://edge/coordinator/v1/queues/build/ws", false},
		{"bad scheme", "ftp://coord", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(Config{CoordinatorURL: tt.base, Queue: "build"}, newFakeExecutor())
			got, err := a.socketURL()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.NotEmpty(t, cfg.WorkerID)
	assert.Equal(t, 1, cfg.CPUs)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.RegistrationInterval)
	assert.Equal(t, 10*time.Second, cfg.ClaimTimeout)

	kept := Config{WorkerID: "w9", CPUs: 8, GPUs: 2, Concurrency: 4}.withDefaults()
	assert.Equal(t, "w9", kept.WorkerID)
	assert.Equal(t, 8, kept.CPUs)
	assert.Equal(t, 2, kept.GPUs)
	assert.Equal(t, 4, kept.Concurrency)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("COORDINATOR_URL", "ws://coord:9000")
	t.Setenv("QUEUE", "render")
	t.Setenv("WORKER_ID", "gpu-1")
	t.Setenv("WORKER_GPUS", "2")
	t.Setenv("WORKER_MAX_DURATION", "30m")

	cfg := LoadConfigFromEnv()
	assert.Equal(t, "ws://coord:9000", cfg.CoordinatorURL)
	assert.Equal(t, "render", cfg.Queue)
	assert.Equal(t, "gpu-1", cfg.WorkerID)
	assert.Equal(t, 2, cfg.GPUs)
	assert.Equal(t, 30*time.Minute, cfg.MaxJobDuration)
}
