package job

import (
	"errors"
	"strings"
	"testing"

	"coordinator/internal/apperrors"

	"github.com/stretchr/testify/assert"
)

func TestDefinition_Hash(t *testing.T) {
	t.Parallel()

	base := Definition{
		Image:   "alpine:3",
		Command: "cat /workspace/in.txt",
		Inputs:  map[string]string{"in.txt": "https://bucket.example.com/in.txt?X-Amz-Signature=abc"},
	}

	resigned := base
	resigned.Inputs = map[string]string{"in.txt": "https://bucket.example.com/in.txt?X-Amz-Signature=def#frag"}
	assert.Equal(t, base.Hash(), resigned.Hash(), "presigned query must not change identity")

	resourced := base
	resourced.CPU = 4
	resourced.TimeoutSeconds = 10
	assert.Equal(t, base.Hash(), resourced.Hash(), "scheduling hints must not change identity")

	changed := base
	changed.Command = "ls"
	assert.NotEqual(t, base.Hash(), changed.Hash())

	defaulted := base
	defaulted.ApplyDefaults()
	assert.Equal(t, base.Hash(), defaulted.Hash())

	assert.Len(t, base.Hash(), 64)
}

func TestStripURLQuery(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"https://h/a?b=c", "https://h/a"},
		{"http://h/a#x", "http://h/a"},
		{"inline content ?x=1", "inline content ?x=1"},
		{"s3://bucket/key?x=1", "s3://bucket/key?x=1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripURLQuery(tt.in), tt.in)
	}
}

func TestDefinition_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{name: "valid minimal", def: Definition{Image: "alpine"}},
		{name: "empty image", def: Definition{Image: "  "}, wantErr: "image is required"},
		{name: "timeout too long", def: Definition{Image: "a", TimeoutSeconds: maxTimeoutSecs + 1}, wantErr: "timeout exceeds"},
		{name: "too many cpus", def: Definition{Image: "a", CPU: 65}, wantErr: "CPU exceeds"},
		{name: "negative gpu", def: Definition{Image: "a", GPU: -1}, wantErr: "GPU count"},
		{name: "too much memory", def: Definition{Image: "a", Memory: maxMemory + 1}, wantErr: "memory exceeds"},
		{name: "escaping input", def: Definition{Image: "a", Inputs: map[string]string{"../etc/passwd": "x"}}, wantErr: "relative path"},
		{name: "absolute input", def: Definition{Image: "a", Inputs: map[string]string{"/x": "x"}}, wantErr: "relative path"},
		{name: "bad callback", def: Definition{Image: "a", Callback: &Callback{URL: "ftp://h"}}, wantErr: "invalid callback URL"},
		{name: "valid callback", def: Definition{Image: "a", Callback: &Callback{URL: "https://h/cb"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
			assert.True(t, errors.Is(err, apperrors.ErrValidation))
		})
	}
}

func TestValidateNamespace(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateNamespace(""))
	assert.NoError(t, ValidateNamespace("ns1"))
	assert.Error(t, ValidateNamespace(strings.Repeat("n", maxNamespaceLen+1)))
}

func TestEventBuilder_Build(t *testing.T) {
	t.Parallel()
	rec := build(queued("j", 0), running("j", "w1", 1), finished("j", ReasonError, 2))

	ev := NewEventBuilder("/queues/q").Build(rec)
	assert.Equal(t, EventTypeFinished, ev.Type)
	assert.Equal(t, "/queues/q", ev.Source)
	assert.Equal(t, "j", ev.Subject)
	assert.Equal(t, at(2), ev.Time)
	assert.Equal(t, ReasonError, ev.Data["reason"])
	assert.Equal(t, 3, ev.Data["historyLength"])

	assert.Equal(t, EventTypeReQueued, EventType(StateReQueued))
	assert.True(t, FilteredEvents(EventTypeRunning, nil))
	assert.False(t, FilteredEvents(EventTypeRunning, []string{EventTypeFinished}))
}
