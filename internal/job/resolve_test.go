package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func queued(id string, sec int) StateChange {
	return NewStateChange(id, "client", QueuedValue{Definition: Definition{Image: "alpine"}, Time: at(sec)})
}

func running(id, worker string, sec int) StateChange {
	return NewStateChange(id, worker, RunningValue{Worker: worker, Time: at(sec)})
}

func requeued(id string, sec int) StateChange {
	return NewStateChange(id, "sweep", ReQueuedValue{Time: at(sec)})
}

func finished(id string, reason FinishedReason, sec int) StateChange {
	return NewStateChange(id, "w", FinishedValue{Reason: reason, Time: at(sec)})
}

func build(changes ...StateChange) *Record {
	rec := NewRecord(changes[0])
	for _, c := range changes[1:] {
		rec = rec.With(c)
	}
	return rec
}

func TestPreferredWorker(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a1", PreferredWorker("a1", "z9"))
	assert.Equal(t, "a1", PreferredWorker("z9", "a1"))
	assert.Equal(t, "w", PreferredWorker("w", "w"))
}

func TestResolve(t *testing.T) {
	t.Parallel()
	const id = "job"

	tests := []struct {
		name string
		a, b *Record
		want func(a, b *Record) *Record
	}{
		{
			name: "absent a",
			a:    nil,
			b:    build(queued(id, 0)),
			want: func(_, b *Record) *Record { return b },
		},
		{
			name: "absent b",
			a:    build(queued(id, 0)),
			b:    nil,
			want: func(a, _ *Record) *Record { return a },
		},
		{
			name: "finished trumps in-flight with longer history",
			a:    build(queued(id, 0), running(id, "w1", 1), requeued(id, 2), running(id, "w2", 3)),
			b:    build(queued(id, 0), finished(id, ReasonCancelled, 1)),
			want: func(_, b *Record) *Record { return b },
		},
		{
			name: "earlier finish wins",
			a:    build(queued(id, 0), running(id, "w1", 1), finished(id, ReasonSuccess, 9)),
			b:    build(queued(id, 0), finished(id, ReasonCancelled, 5)),
			want: func(_, b *Record) *Record { return b },
		},
		{
			name: "longer history wins",
			a:    build(queued(id, 0), running(id, "w1", 1)),
			b:    build(queued(id, 0), running(id, "w1", 1), requeued(id, 2)),
			want: func(_, b *Record) *Record { return b },
		},
		{
			name: "running tie goes to smaller worker",
			a:    build(queued(id, 0), running(id, "z9", 1)),
			b:    build(queued(id, 0), running(id, "a1", 2)),
			want: func(_, b *Record) *Record { return b },
		},
		{
			name: "running same worker earlier time wins",
			a:    build(queued(id, 0), running(id, "w1", 4)),
			b:    build(queued(id, 0), running(id, "w1", 2)),
			want: func(_, b *Record) *Record { return b },
		},
		{
			name: "requeued tie earlier last entry wins",
			a:    build(queued(id, 0), requeued(id, 3)),
			b:    build(queued(id, 0), requeued(id, 7)),
			want: func(a, _ *Record) *Record { return a },
		},
		{
			name: "queued tie earlier submission wins",
			a:    build(queued(id, 8)),
			b:    build(queued(id, 4)),
			want: func(_, b *Record) *Record { return b },
		},
		{
			name: "running beats requeued at equal length",
			a:    build(queued(id, 0), requeued(id, 1)),
			b:    build(queued(id, 0), running(id, "w1", 5)),
			want: func(_, b *Record) *Record { return b },
		},
		{
			name: "different non-running states fall back to first entry",
			a:    build(queued(id, 3), running(id, "w1", 4), requeued(id, 5)),
			b:    build(queued(id, 1), finished(id, ReasonWorkerLost, 2), queued(id, 6)),
			want: func(_, b *Record) *Record { return b },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			want := tt.want(tt.a, tt.b)
			assert.Same(t, want, Resolve(tt.a, tt.b))
			assert.Same(t, want, Resolve(tt.b, tt.a), "outcome must not depend on argument order")
		})
	}
}

func TestResolve_IdenticalReturnsA(t *testing.T) {
	t.Parallel()
	a := build(queued("job", 0), running("job", "w1", 1))
	b := a.Clone()
	assert.Same(t, a, Resolve(a, b))
	assert.Same(t, b, Resolve(b, a))
}

func TestResolve_RunningClaimsAreOrderIndependent(t *testing.T) {
	t.Parallel()
	base := build(queued("job", 0))
	a1 := base.With(running("job", "a1", 10))
	z9 := base.With(running("job", "z9", 5))

	for _, pair := range [][2]*Record{{a1, z9}, {z9, a1}} {
		got := Resolve(pair[0], pair[1])
		require.NotNil(t, got)
		assert.Equal(t, "a1", got.Worker())
	}
}

func TestIdentical(t *testing.T) {
	t.Parallel()
	a := build(queued("job", 0))
	assert.True(t, Identical(a, a.Clone()))
	assert.False(t, Identical(a, a.With(running("job", "w", 1))))
	assert.False(t, Identical(a, nil))
	assert.True(t, Identical(nil, nil))

	b := build(queued("job", 0))
	b.History[0].Tag = "other"
	assert.False(t, Identical(a, b))
}
