// Package scheduler owns the agent-side job state machines: one-shot
// executions, cron timers and supervised daemons. Every state transition is
// reported upstream as an UpdateJob request through the agent's bridge
// connection, so the console sees the same lifecycle regardless of how the
// job was scheduled.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
	"github.com/jiawesoft/jiascheduler-sub000/internal/executor"
)

const (
	// defaultRestartInterval paces daemon restarts when the dispatch does
	// not specify one.
	defaultRestartInterval = 1 * time.Second

	// reportTimeout bounds one UpdateJob send.
	reportTimeout = 10 * time.Second

	// startErrExitCode marks runs that failed before the child produced an
	// exit code of its own.
	startErrExitCode = 99
)

// MsgSender ships a request upstream and returns the peer's response. The
// agent wires in its bridge connection; tests wire in a recorder.
type MsgSender interface {
	Send(ctx context.Context, req bridge.Request) (json.RawMessage, error)
}

// Config carries the agent identity and paths the scheduler stamps onto
// every reported event. CometAddr is consulted per call because the agent
// may fail over between comets while jobs are running.
type Config struct {
	Namespace string
	LocalIP   string
	OutputDir string
	CometAddr func() string
}

// Scheduler tracks per-eid timers, supervisors and kill channels.
type Scheduler struct {
	cfg    Config
	sender MsgSender
	sftp   SftpService
	cron   gocron.Scheduler
	client *http.Client
	log    *zap.Logger

	mu          sync.Mutex
	jobs        map[string]*bridge.DispatchJobParams
	timers      map[string]gocron.Job
	supervisors map[string]chan struct{}
	killSignals map[string][]chan struct{}
}

// New builds a Scheduler with a running cron engine in the host's local
// timezone. sftp may be nil when the agent has no SFTP support.
func New(cfg Config, sender MsgSender, sftp SftpService, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler(gocron.WithLocation(time.Local))
	if err != nil {
		return nil, fmt.Errorf("scheduler: cron engine: %w", err)
	}
	cron.Start()
	return &Scheduler{
		cfg:         cfg,
		sender:      sender,
		sftp:        sftp,
		cron:        cron,
		client:      &http.Client{Timeout: 60 * time.Second},
		log:         logger.Named("scheduler"),
		jobs:        make(map[string]*bridge.DispatchJobParams),
		timers:      make(map[string]gocron.Job),
		supervisors: make(map[string]chan struct{}),
		killSignals: make(map[string][]chan struct{}),
	}, nil
}

// Shutdown stops the cron engine and cancels every supervisor.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	for eid, cancel := range s.supervisors {
		close(cancel)
		delete(s.supervisors, eid)
	}
	s.mu.Unlock()
	return s.cron.Shutdown()
}

// DispatchJob applies one dispatched action. The returned value is the
// payload for the success envelope.
func (s *Scheduler) DispatchJob(ctx context.Context, p *bridge.DispatchJobParams) (any, error) {
	s.mu.Lock()
	s.jobs[p.BaseJob.Eid] = p
	s.mu.Unlock()

	switch p.Action {
	case bridge.ActionExec:
		return s.exec(ctx, p)
	case bridge.ActionKill:
		return s.Kill(p.BaseJob.Eid)
	case bridge.ActionStartTimer:
		return s.StartTimer(ctx, p)
	case bridge.ActionStopTimer:
		return s.StopTimer(ctx, p)
	case bridge.ActionStartSupervising:
		return s.StartSupervising(ctx, p)
	case bridge.ActionRestartSupervising:
		return s.RestartSupervising(ctx, p)
	case bridge.ActionStopSupervising:
		return s.StopSupervising(ctx, p)
	default:
		return nil, fmt.Errorf("scheduler: unknown action %q", p.Action)
	}
}

// RuntimeAction applies an action to an eid dispatched earlier. Actions
// that (re)start work reuse the stored dispatch parameters.
func (s *Scheduler) RuntimeAction(ctx context.Context, p *bridge.RuntimeActionParams) (any, error) {
	s.mu.Lock()
	stored, ok := s.jobs[p.Eid]
	s.mu.Unlock()

	switch p.Action {
	case bridge.RuntimeKill:
		return s.Kill(p.Eid)
	case bridge.RuntimeStopTimer, bridge.RuntimeStopSupervising,
		bridge.RuntimeStartSupervising, bridge.RuntimeRestartSupervising:
		if !ok {
			return nil, fmt.Errorf("scheduler: job %s not found", p.Eid)
		}
		switch p.Action {
		case bridge.RuntimeStopTimer:
			return s.StopTimer(ctx, stored)
		case bridge.RuntimeStartSupervising:
			return s.StartSupervising(ctx, stored)
		case bridge.RuntimeRestartSupervising:
			return s.RestartSupervising(ctx, stored)
		default:
			return s.StopSupervising(ctx, stored)
		}
	default:
		return nil, fmt.Errorf("scheduler: unknown runtime action %q", p.Action)
	}
}

// exec runs the job once. Sync dispatches block and return the output
// inline; async dispatches return immediately and report through UpdateJob
// events only.
func (s *Scheduler) exec(ctx context.Context, p *bridge.DispatchJobParams) (any, error) {
	if _, err := s.fetchUploadFile(ctx, p); err != nil {
		return nil, err
	}

	kill := s.addKillSignal(p.BaseJob.Eid)
	if p.IsSync {
		res := s.execJob(ctx, p, kill, scheduleTypeOrOnce(p), nil, nil)
		if res.Output != nil {
			return map[string]any{
				"stdout":    res.Output.Stdout,
				"exit_code": res.Output.ExitCode,
				"stderr":    res.Output.Stderr,
			}, nil
		}
		return res.Bundle, nil
	}

	go s.execJob(context.Background(), p, kill, scheduleTypeOrOnce(p), nil, nil)
	return "job submitted", nil
}

// StartTimer (re)schedules a cron timer for the job's eid. An existing
// timer for the same eid is replaced, so redispatching an updated job never
// double-fires.
func (s *Scheduler) StartTimer(ctx context.Context, p *bridge.DispatchJobParams) (any, error) {
	if p.TimerExpr == "" {
		return nil, fmt.Errorf("scheduler: start timer %s: empty timer_expr", p.BaseJob.Eid)
	}
	if _, err := s.fetchUploadFile(ctx, p); err != nil {
		return nil, err
	}

	eid := p.BaseJob.Eid
	s.mu.Lock()
	if old, ok := s.timers[eid]; ok {
		_ = s.cron.RemoveJob(old.ID())
		delete(s.timers, eid)
	}
	s.mu.Unlock()

	job, err := s.cron.NewJob(
		gocron.CronJob(p.TimerExpr, true),
		gocron.NewTask(func() { s.timerFire(p) }),
		gocron.WithTags(eid),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: start timer %s: %w", eid, err)
	}

	s.mu.Lock()
	s.timers[eid] = job
	s.mu.Unlock()

	var next *time.Time
	if n, err := job.NextRun(); err == nil {
		next = &n
	}
	s.report(ctx, p, func(u *bridge.UpdateJobParams) {
		u.RunStatus = bridge.RunStatusPrepare
		u.ScheduleStatus = bridge.ScheduleStatusScheduling
		u.NextTime = next
	})
	s.log.Info("timer started", zap.String("eid", eid), zap.String("expr", p.TimerExpr))
	if next != nil {
		return map[string]any{"next_time": next}, nil
	}
	return nil, nil
}

// timerFire is one cron tick: register a kill channel, compute prev/next,
// run the job.
func (s *Scheduler) timerFire(p *bridge.DispatchJobParams) {
	eid := p.BaseJob.Eid
	prev := time.Now()
	var next *time.Time
	s.mu.Lock()
	job, ok := s.timers[eid]
	s.mu.Unlock()
	if ok {
		if n, err := job.NextRun(); err == nil {
			next = &n
		}
	}
	kill := s.addKillSignal(eid)
	s.execJob(context.Background(), p, kill, bridge.ScheduleTypeTimer, &prev, next)
}

// StopTimer removes the eid's timer. Stopping an unknown eid succeeds and
// still reports Unscheduled, so a retried stop converges.
func (s *Scheduler) StopTimer(ctx context.Context, p *bridge.DispatchJobParams) (any, error) {
	eid := p.BaseJob.Eid
	s.mu.Lock()
	job, ok := s.timers[eid]
	if ok {
		delete(s.timers, eid)
	}
	s.mu.Unlock()
	if ok {
		_ = s.cron.RemoveJob(job.ID())
	}

	s.report(ctx, p, func(u *bridge.UpdateJobParams) {
		u.ScheduleStatus = bridge.ScheduleStatusUnscheduled
	})
	s.log.Info("timer stopped", zap.String("eid", eid), zap.Bool("existed", ok))
	return "stop success", nil
}

// StartSupervising launches the daemon restart loop for the eid. Starting
// an already-supervised eid is a no-op success.
func (s *Scheduler) StartSupervising(ctx context.Context, p *bridge.DispatchJobParams) (any, error) {
	eid := p.BaseJob.Eid
	s.mu.Lock()
	if _, ok := s.supervisors[eid]; ok {
		s.mu.Unlock()
		return "already supervising", nil
	}
	cancel := make(chan struct{})
	s.supervisors[eid] = cancel
	s.mu.Unlock()

	if _, err := s.fetchUploadFile(ctx, p); err != nil {
		s.mu.Lock()
		delete(s.supervisors, eid)
		s.mu.Unlock()
		return nil, err
	}

	interval := defaultRestartInterval
	if p.RestartInterval > 0 {
		interval = time.Duration(p.RestartInterval) * time.Second
	}

	s.report(ctx, p, func(u *bridge.UpdateJobParams) {
		u.RunStatus = bridge.RunStatusPrepare
		u.ScheduleStatus = bridge.ScheduleStatusSupervising
	})
	go s.superviseLoop(p, cancel, interval)
	s.log.Info("supervising started", zap.String("eid", eid), zap.Duration("restart_interval", interval))
	return "start success", nil
}

// superviseLoop restarts the job until canceled. Daemon rounds never time
// out on their own; only kill or cancellation ends a round early.
func (s *Scheduler) superviseLoop(p *bridge.DispatchJobParams, cancel <-chan struct{}, interval time.Duration) {
	daemon := *p
	daemon.BaseJob.Timeout = 0
	daemon.ScheduleType = bridge.ScheduleTypeDaemon

	for {
		// The kill channel is registered before the cancel check so a stop
		// landing between the two still finds a channel to broadcast on.
		kill := s.addKillSignal(daemon.BaseJob.Eid)
		select {
		case <-cancel:
			s.removeKillSignal(daemon.BaseJob.Eid, kill)
			return
		default:
		}
		s.execJob(context.Background(), &daemon, kill, bridge.ScheduleTypeDaemon, nil, nil)

		select {
		case <-cancel:
			return
		case <-time.After(interval):
		}
	}
}

// StopSupervising cancels the restart loop and kills the current round.
func (s *Scheduler) StopSupervising(ctx context.Context, p *bridge.DispatchJobParams) (any, error) {
	eid := p.BaseJob.Eid
	s.mu.Lock()
	cancel, ok := s.supervisors[eid]
	if ok {
		delete(s.supervisors, eid)
	}
	s.mu.Unlock()
	if ok {
		close(cancel)
	}
	if _, err := s.Kill(eid); err != nil {
		return nil, err
	}

	s.report(ctx, p, func(u *bridge.UpdateJobParams) {
		u.ScheduleStatus = bridge.ScheduleStatusUnsupervised
	})
	s.log.Info("supervising stopped", zap.String("eid", eid), zap.Bool("existed", ok))
	return "stop success", nil
}

// RestartSupervising is stop followed by start with the same parameters.
func (s *Scheduler) RestartSupervising(ctx context.Context, p *bridge.DispatchJobParams) (any, error) {
	if _, err := s.StopSupervising(ctx, p); err != nil {
		return nil, err
	}
	return s.StartSupervising(ctx, p)
}

// Kill aborts every running execution of the eid by closing all its
// registered kill channels, then drops the list.
func (s *Scheduler) Kill(eid string) (any, error) {
	s.mu.Lock()
	signals := s.killSignals[eid]
	delete(s.killSignals, eid)
	s.mu.Unlock()

	for _, ch := range signals {
		close(ch)
	}
	s.log.Info("kill broadcast", zap.String("eid", eid), zap.Int("targets", len(signals)))
	return "kill success", nil
}

// execJob is one run round: report Running, execute, report Stop with the
// captured output. Executor start failures surface as exit code 99 with
// the error text in both output streams.
func (s *Scheduler) execJob(ctx context.Context, p *bridge.DispatchJobParams, kill chan struct{}, schedType bridge.ScheduleType, prev, next *time.Time) *executor.Result {
	defer s.removeKillSignal(p.BaseJob.Eid, kill)

	start := time.Now()
	s.report(ctx, p, func(u *bridge.UpdateJobParams) {
		u.ScheduleType = schedType
		u.RunStatus = bridge.RunStatusRunning
		u.StartTime = &start
		u.PrevTime = prev
		u.NextTime = next
	})

	ex := executor.NewBuilder().
		Job(p.BaseJob).
		OutputDir(s.cfg.OutputDir).
		Logger(s.log).
		Build()
	res, err := ex.Run(ctx, kill)
	end := time.Now()

	if err != nil {
		s.log.Error("job run failed", zap.String("eid", p.BaseJob.Eid), zap.Error(err))
		code := startErrExitCode
		res = &executor.Result{Output: &bridge.Output{
			ExitCode:   code,
			ExitStatus: err.Error(),
			Stdout:     err.Error(),
			Stderr:     err.Error(),
		}}
	}

	s.report(ctx, p, func(u *bridge.UpdateJobParams) {
		u.ScheduleType = schedType
		u.RunStatus = bridge.RunStatusStop
		u.StartTime = &start
		u.EndTime = &end
		u.PrevTime = prev
		u.NextTime = next
		if res.Output != nil {
			u.ExitCode = &res.Output.ExitCode
			u.ExitStatus = res.Output.ExitStatus
			u.Stdout = res.Output.Stdout
			u.Stderr = res.Output.Stderr
		} else {
			u.BundleOutput = res.Bundle
		}
	})
	return res
}

// report ships one UpdateJob event upstream. Delivery is best effort: a
// dead uplink must not stall job execution, and the console resyncs from
// later events.
func (s *Scheduler) report(ctx context.Context, p *bridge.DispatchJobParams, fill func(*bridge.UpdateJobParams)) {
	job := p.BaseJob
	if job.UploadFile != nil {
		// Do not echo file bytes back upstream.
		uf := *job.UploadFile
		uf.Data = nil
		job.UploadFile = &uf
	}
	u := bridge.UpdateJobParams{
		ScheduleID:    p.ScheduleID,
		ScheduleType:  p.ScheduleType,
		BaseJob:       job,
		InstanceID:    p.InstanceID,
		BindIP:        s.cfg.LocalIP,
		BindNamespace: s.cfg.Namespace,
		CreatedUser:   p.CreatedUser,
	}
	fill(&u)

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if _, err := s.sender.Send(sendCtx, bridge.Request{UpdateJob: &u}); err != nil {
		s.log.Warn("update report not delivered",
			zap.String("eid", p.BaseJob.Eid), zap.String("schedule_id", p.ScheduleID), zap.Error(err))
	}
}

func (s *Scheduler) fetchUploadFile(ctx context.Context, p *bridge.DispatchJobParams) (string, error) {
	if p.BaseJob.UploadFile == nil {
		return "", nil
	}
	cometAddr := ""
	if s.cfg.CometAddr != nil {
		cometAddr = s.cfg.CometAddr()
	}
	dir := filepath.Join(s.cfg.OutputDir, "upload")
	return executor.EnsureLocalFile(ctx, s.client, cometAddr, p.BaseJob.UploadFile, dir)
}

func (s *Scheduler) addKillSignal(eid string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.killSignals[eid] = append(s.killSignals[eid], ch)
	s.mu.Unlock()
	return ch
}

func (s *Scheduler) removeKillSignal(eid string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.killSignals[eid]
	for i, c := range list {
		if c == ch {
			s.killSignals[eid] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.killSignals[eid]) == 0 {
		delete(s.killSignals, eid)
	}
}

func scheduleTypeOrOnce(p *bridge.DispatchJobParams) bridge.ScheduleType {
	if p.ScheduleType != "" {
		return p.ScheduleType
	}
	return bridge.ScheduleTypeOnce
}
