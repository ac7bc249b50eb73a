package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
)

type fakeSender struct {
	mu      sync.Mutex
	updates []bridge.UpdateJobParams
}

func (f *fakeSender) Send(_ context.Context, req bridge.Request) (json.RawMessage, error) {
	if req.UpdateJob != nil {
		f.mu.Lock()
		f.updates = append(f.updates, *req.UpdateJob)
		f.mu.Unlock()
	}
	return bridge.Success("ok"), nil
}

func (f *fakeSender) snapshot() []bridge.UpdateJobParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.UpdateJobParams(nil), f.updates...)
}

func (f *fakeSender) countStatus(st bridge.RunStatus) int {
	n := 0
	for _, u := range f.snapshot() {
		if u.RunStatus == st {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	s, err := New(Config{
		Namespace: "default",
		LocalIP:   "10.0.0.1",
		OutputDir: t.TempDir(),
	}, sender, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, sender
}

func execParams(eid, code string) *bridge.DispatchJobParams {
	return &bridge.DispatchJobParams{
		BaseJob: bridge.BaseJob{
			Eid:     eid,
			CmdName: "sh",
			Args:    []string{"-c"},
			Code:    code,
		},
		ScheduleID:  "sched-" + eid,
		Action:      bridge.ActionExec,
		CreatedUser: "tester",
	}
}

func TestExecSyncReturnsInlineOutput(t *testing.T) {
	s, sender := newTestScheduler(t)
	p := execParams("e1", "echo hi")
	p.IsSync = true

	v, err := s.DispatchJob(context.Background(), p)
	require.NoError(t, err)

	out, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi\n", out["stdout"])
	assert.Equal(t, 0, out["exit_code"])
	assert.Equal(t, "", out["stderr"])

	updates := sender.snapshot()
	require.Len(t, updates, 2)
	assert.Equal(t, bridge.RunStatusRunning, updates[0].RunStatus)
	assert.NotNil(t, updates[0].StartTime)
	assert.Equal(t, bridge.RunStatusStop, updates[1].RunStatus)
	require.NotNil(t, updates[1].ExitCode)
	assert.Equal(t, 0, *updates[1].ExitCode)
	assert.Equal(t, "default", updates[1].BindNamespace)
	assert.Equal(t, "10.0.0.1", updates[1].BindIP)
}

func TestExecStartFailureReportsCode99(t *testing.T) {
	s, sender := newTestScheduler(t)
	p := execParams("e1", "")
	p.BaseJob.CmdName = "/definitely/not/a/binary"
	p.IsSync = true

	v, err := s.DispatchJob(context.Background(), p)
	require.NoError(t, err)

	out := v.(map[string]any)
	assert.Equal(t, startErrExitCode, out["exit_code"])
	assert.NotEmpty(t, out["stderr"])

	updates := sender.snapshot()
	last := updates[len(updates)-1]
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, startErrExitCode, *last.ExitCode)
	assert.Equal(t, last.Stdout, last.Stderr)
}

func TestExecAsyncKill(t *testing.T) {
	s, sender := newTestScheduler(t)
	p := execParams("e-kill", "sleep 30")

	_, err := s.DispatchJob(context.Background(), p)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.killSignals["e-kill"]) == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, err = s.Kill("e-kill")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sender.countStatus(bridge.RunStatusStop) == 1
	}, 10*time.Second, 50*time.Millisecond)

	updates := sender.snapshot()
	last := updates[len(updates)-1]
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 9, *last.ExitCode)

	s.mu.Lock()
	assert.Empty(t, s.killSignals["e-kill"])
	s.mu.Unlock()
}

func TestStartTimerReplacesExisting(t *testing.T) {
	s, sender := newTestScheduler(t)
	p := execParams("e-timer", "echo tick")
	p.Action = bridge.ActionStartTimer
	p.TimerExpr = "* * * * * *"

	_, err := s.DispatchJob(context.Background(), p)
	require.NoError(t, err)
	_, err = s.DispatchJob(context.Background(), p)
	require.NoError(t, err)

	s.mu.Lock()
	assert.Len(t, s.timers, 1)
	s.mu.Unlock()

	// Scheduling announcement carries the next fire time.
	var scheduling *bridge.UpdateJobParams
	for _, u := range sender.snapshot() {
		if u.ScheduleStatus == bridge.ScheduleStatusScheduling {
			scheduling = &u
			break
		}
	}
	require.NotNil(t, scheduling)
	assert.NotNil(t, scheduling.NextTime)

	// The every-second expression fires and reports a full run round.
	require.Eventually(t, func() bool {
		return sender.countStatus(bridge.RunStatusStop) >= 1
	}, 10*time.Second, 100*time.Millisecond)

	for _, u := range sender.snapshot() {
		if u.RunStatus == bridge.RunStatusStop {
			assert.Equal(t, bridge.ScheduleTypeTimer, u.ScheduleType)
			assert.NotNil(t, u.PrevTime)
		}
	}
}

func TestStartTimerRejectsEmptyExpr(t *testing.T) {
	s, _ := newTestScheduler(t)
	p := execParams("e-timer", "echo tick")
	p.Action = bridge.ActionStartTimer

	_, err := s.DispatchJob(context.Background(), p)
	assert.Error(t, err)
}

func TestStopTimerUnknownIsNoop(t *testing.T) {
	s, sender := newTestScheduler(t)
	p := execParams("e-missing", "")
	p.Action = bridge.ActionStopTimer

	v, err := s.DispatchJob(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "stop success", v)

	updates := sender.snapshot()
	require.Len(t, updates, 1)
	assert.Equal(t, bridge.ScheduleStatusUnscheduled, updates[0].ScheduleStatus)
}

func TestSuperviseRestartsAndStops(t *testing.T) {
	s, sender := newTestScheduler(t)
	p := execParams("e-daemon", "echo round")
	p.Action = bridge.ActionStartSupervising
	p.BaseJob.Timeout = 5 // must be ignored for daemon rounds

	v, err := s.DispatchJob(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "start success", v)

	// Starting again while supervised is a no-op.
	v, err = s.StartSupervising(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "already supervising", v)

	// At least two completed rounds proves the restart loop.
	require.Eventually(t, func() bool {
		return sender.countStatus(bridge.RunStatusStop) >= 2
	}, 15*time.Second, 100*time.Millisecond)

	for _, u := range sender.snapshot() {
		if u.RunStatus == bridge.RunStatusStop {
			assert.Equal(t, bridge.ScheduleTypeDaemon, u.ScheduleType)
			assert.Equal(t, uint64(0), u.BaseJob.Timeout)
		}
	}

	_, err = s.StopSupervising(context.Background(), p)
	require.NoError(t, err)

	s.mu.Lock()
	assert.Empty(t, s.supervisors)
	s.mu.Unlock()

	// Every round's kill channel is released once the loop winds down,
	// including one registered while the stop was landing.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.killSignals["e-daemon"]) == 0
	}, 15*time.Second, 100*time.Millisecond)

	var unsupervised bool
	for _, u := range sender.snapshot() {
		if u.ScheduleStatus == bridge.ScheduleStatusUnsupervised {
			unsupervised = true
		}
	}
	assert.True(t, unsupervised)
}

func TestRuntimeActionRequiresKnownJob(t *testing.T) {
	s, _ := newTestScheduler(t)

	_, err := s.RuntimeAction(context.Background(), &bridge.RuntimeActionParams{
		Eid: "ghost", Action: bridge.RuntimeStopTimer,
	})
	assert.ErrorContains(t, err, "not found")

	// Kill never needs stored parameters.
	v, err := s.RuntimeAction(context.Background(), &bridge.RuntimeActionParams{
		Eid: "ghost", Action: bridge.RuntimeKill,
	})
	require.NoError(t, err)
	assert.Equal(t, "kill success", v)
}

func TestHandleWrapsEnvelope(t *testing.T) {
	s, _ := newTestScheduler(t)

	raw := s.Handle(context.Background(), nil, &bridge.Request{
		Heartbeat: &bridge.HeartbeatParams{},
	})
	var env bridge.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, bridge.CodeError, env.Code)

	p := execParams("e-h", "echo enveloped")
	p.IsSync = true
	raw = s.Handle(context.Background(), nil, &bridge.Request{DispatchJob: p})
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, bridge.CodeSuccess, env.Code)
	assert.Contains(t, string(env.Data), "enveloped")
}

type fakeSftp struct{}

func (fakeSftp) ReadDir(context.Context, bridge.SftpReadDirParams) ([]bridge.FileEntry, error) {
	return []bridge.FileEntry{{FileName: "a.txt", FileType: "file", Size: 3}}, nil
}
func (fakeSftp) Upload(context.Context, bridge.SftpUploadParams) error { return nil }
func (fakeSftp) Download(context.Context, bridge.SftpDownloadParams) ([]byte, error) {
	return []byte("abc"), nil
}
func (fakeSftp) Remove(context.Context, bridge.SftpRemoveParams) error { return nil }

func TestHandleSftpRequests(t *testing.T) {
	sender := &fakeSender{}
	s, err := New(Config{Namespace: "default", LocalIP: "10.0.0.1", OutputDir: t.TempDir()},
		sender, fakeSftp{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	raw := s.Handle(context.Background(), nil, &bridge.Request{
		SftpReadDir: &bridge.SftpReadDirParams{DirPath: "/tmp"},
	})
	var env bridge.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, bridge.CodeSuccess, env.Code)
	assert.Contains(t, string(env.Data), "a.txt")

	// Without a service SFTP requests fail cleanly.
	noSftp, _ := newTestScheduler(t)
	raw = noSftp.Handle(context.Background(), nil, &bridge.Request{
		SftpRemove: &bridge.SftpRemoveParams{FilePath: "/tmp/x"},
	})
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, bridge.CodeError, env.Code)
}
