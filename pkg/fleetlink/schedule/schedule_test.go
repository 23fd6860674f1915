package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/fleetlink/pkg/fleetlink/client"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type sent struct {
	command string
	args    any
}

type recordingEmitter struct {
	mu    sync.Mutex
	calls []sent
	err   error
}

func (r *recordingEmitter) Emit(ctx context.Context, name string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sent{command: name, args: data})
	return r.err
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestValidate(t *testing.T) {
	for _, spec := range []string{"0 9 * * *", "*/30 * * * * *", "@hourly", "@every 5m", "CRON_TZ=Europe/Paris 0 9 * * 1-5"} {
		assert.NoError(t, Validate(spec), spec)
	}
	for _, spec := range []string{"", "every monday", "61 * * * *", "CRON_TZ=Nowhere/Special 0 9 * * *"} {
		assert.Error(t, Validate(spec), spec)
	}
}

func TestSchedulerAdd(t *testing.T) {
	s := New(&recordingEmitter{}, nil)

	require.NoError(t, s.Add(Job{Name: "ping", Spec: "@hourly", Command: "ping_device"}))
	assert.Equal(t, 1, s.Len())

	assert.Error(t, s.Add(Job{Name: "ping", Spec: "@daily", Command: "ping_device"}), "duplicate names")
	assert.Error(t, s.Add(Job{Name: "bad", Spec: "often", Command: "ping_device"}), "invalid spec")
	assert.Error(t, s.Add(Job{Name: "empty", Spec: "@daily"}), "missing command")
	assert.Equal(t, 1, s.Len())

	s.Remove("ping")
	s.Remove("unknown")
	assert.Equal(t, 0, s.Len())
}

func TestSchedulerRuns(t *testing.T) {
	emitter := &recordingEmitter{}
	s := New(emitter, nil)
	require.NoError(t, s.Add(Job{
		Name:    "status",
		Spec:    "@every 1s",
		Command: "broadcast_message",
		Args:    map[string]any{"message": "status check"},
	}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return emitter.count() > 0 }, 3*time.Second, 50*time.Millisecond)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	assert.Equal(t, "broadcast_message", emitter.calls[0].command)
	assert.Equal(t, map[string]any{"message": "status check"}, emitter.calls[0].args)
}

func TestEmitJobLogging(t *testing.T) {
	job := Job{Name: "nightly", Command: "broadcast_message"}

	cases := []struct {
		name    string
		err     error
		level   zapcore.Level
		message string
	}{
		{"sent", nil, zapcore.DebugLevel, "Scheduled command sent"},
		{"disconnected", client.ErrNotConnected, zapcore.InfoLevel, "Scheduled command skipped while disconnected"},
		{"failed", errors.New("write timeout"), zapcore.WarnLevel, "Scheduled command failed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			(&emitJob{job: job, emitter: &recordingEmitter{err: tc.err}, logger: zap.New(core)}).Run()

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tc.level, entry.Level)
			assert.Equal(t, tc.message, entry.Message)
			assert.Equal(t, "nightly", entry.ContextMap()["schedule"])
		})
	}
}

func TestZapCronLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapCronLogger(zap.New(core))

	logger.Info("wake", "now", "noon", "dangling")
	logger.Error(errors.New("boom"), "panic", "entry", 3)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.DebugLevel, logs.All()[0].Level)
	assert.Equal(t, map[string]any{"now": "noon"}, logs.All()[0].ContextMap())
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[1].Level)
	assert.Equal(t, "boom", logs.All()[1].ContextMap()["error"])
	assert.EqualValues(t, 3, logs.All()[1].ContextMap()["entry"])
}
