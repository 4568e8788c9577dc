package job

import (
	"encoding/json"
	"testing"

	"coordinator/internal/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rec     *Record
		wantErr string
	}{
		{
			name: "valid",
			rec:  build(queued("j", 0), running("j", "w", 1)),
		},
		{
			name:    "empty history",
			rec:     &Record{Hash: "j", State: StateQueued},
			wantErr: "no history",
		},
		{
			name:    "does not start queued",
			rec:     NewRecord(running("j", "w", 0)),
			wantErr: "starts with Running",
		},
		{
			name: "state mismatch",
			rec: func() *Record {
				r := build(queued("j", 0), running("j", "w", 1))
				r.State = StateQueued
				return r
			}(),
			wantErr: "does not match",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.rec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRecord_CopyOnWrite(t *testing.T) {
	t.Parallel()
	orig := build(queued("j", 0))
	next := orig.With(running("j", "w", 1))

	assert.Len(t, orig.History, 1)
	assert.Equal(t, StateQueued, orig.State)
	assert.Len(t, next.History, 2)
	assert.Equal(t, StateRunning, next.State)

	replaced := next.WithLastReplaced(requeued("j", 2))
	assert.Equal(t, StateRunning, next.Last().State)
	assert.Equal(t, StateReQueued, replaced.Last().State)
	assert.Len(t, replaced.History, 2)
}

func TestRecord_WithDefinition(t *testing.T) {
	t.Parallel()
	orig := build(queued("j", 0))
	def := Definition{Image: "alpine", Env: map[string]string{"A": "1"}}

	updated := orig.WithDefinition(def)
	assert.Equal(t, "1", updated.Definition().Env["A"])
	assert.Equal(t, def, updated.Value.(QueuedValue).Definition)
	assert.Empty(t, orig.Definition().Env)

	inflight := build(queued("j", 0), running("j", "w", 1)).WithDefinition(def)
	assert.Equal(t, "1", inflight.Definition().Env["A"])
	assert.IsType(t, RunningValue{}, inflight.Value)
}

func TestRecord_JSONRoundTrip(t *testing.T) {
	t.Parallel()
	code := 0
	fin := NewStateChange("j", "w", FinishedValue{
		Reason: ReasonSuccess,
		Worker: "w",
		Result: &Result{ExitCode: &code, Logs: []string{"done"}},
		Time:   at(3),
	})
	rec := build(queued("j", 0), running("j", "w", 1), fin)

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))
	require.NoError(t, got.Validate())

	v, ok := got.Finished()
	require.True(t, ok)
	assert.Equal(t, ReasonSuccess, v.Reason)
	assert.Equal(t, []string{"done"}, v.Result.Logs)
	assert.IsType(t, RunningValue{}, got.History[1].Value)
	assert.Equal(t, "alpine", got.Definition().Image)
	assert.True(t, Identical(rec, &got))
}

func TestStateChange_UnmarshalErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"unknown state", `{"state":"Paused","job":"j","value":{}}`},
		{"missing value", `{"state":"Running","job":"j"}`},
		{"mistyped value", `{"state":"Running","job":"j","value":{"worker":5}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var c StateChange
			assert.Error(t, json.Unmarshal([]byte(tt.data), &c))
		})
	}
}

func TestStateChange_Validate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, running("j", "w", 0).Validate())
	assert.Error(t, StateChange{State: StateRunning, Job: "j", Value: RunningValue{}}.Validate())
	assert.Error(t, StateChange{State: StateQueued, Job: "j", Value: RunningValue{Worker: "w"}}.Validate())
	assert.Error(t, StateChange{State: StateQueued, Value: QueuedValue{}}.Validate())
}

func TestStateChange_VerifyContentID(t *testing.T) {
	t.Parallel()
	def := Definition{Image: "alpine:3", Command: "make"}
	signed := def
	signed.Inputs = map[string]string{"src.tar": "https://bucket/src.tar?sig=abc"}
	resigned := signed
	resigned.Inputs = map[string]string{"src.tar": "https://bucket/src.tar?sig=xyz"}

	tests := []struct {
		name   string
		change StateChange
		ok     bool
	}{
		{"keyed by hash", NewStateChange(def.Hash(), "c", QueuedValue{Definition: def}), true},
		{"re-signed input url", NewStateChange(signed.Hash(), "c", QueuedValue{Definition: resigned}), true},
		{"foreign definition", NewStateChange(def.Hash(), "c", QueuedValue{Definition: Definition{Image: "evil:latest"}}), false},
		{"arbitrary id", NewStateChange("j", "c", QueuedValue{Definition: def}), false},
		{"running carries no definition", running("j", "w", 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.change.VerifyContentID()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperrors.ErrValidation)
			}
		})
	}
}
