package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
	"github.com/jiawesoft/jiascheduler-sub000/internal/bus"
)

// EventHandler folds the event stream into the relational history: job
// updates become exec-history rows, heartbeats and lifecycle events drive
// instance liveness, and a fresh agent coming online gets its runnable
// schedules replayed.
type EventHandler struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	log        *zap.Logger
}

func NewEventHandler(db *gorm.DB, dispatcher *Dispatcher, logger *zap.Logger) *EventHandler {
	return &EventHandler{db: db, dispatcher: dispatcher, log: logger.Named("events")}
}

// Handle implements bus.Handler.
func (h *EventHandler) Handle(ctx context.Context, _ string, ev bus.Event) error {
	switch {
	case ev.UpdateJob != nil:
		return h.applyUpdateJob(ctx, ev.UpdateJob)
	case ev.Heartbeat != nil:
		return h.applyHeartbeat(ctx, ev.Heartbeat)
	case ev.AgentOnline != nil:
		return h.applyAgentOnline(ctx, ev.AgentOnline)
	case ev.AgentOffline != nil:
		return h.applyAgentOffline(ctx, ev.AgentOffline)
	default:
		h.log.Warn("unknown event kind", zap.String("kind", ev.Kind()))
		return nil
	}
}

// applyUpdateJob upserts the exec-history row for one eid on one agent
// within one schedule. Reports carry only the fields that changed, so
// unset fields leave the stored row untouched.
func (h *EventHandler) applyUpdateJob(ctx context.Context, p *bridge.UpdateJobParams) error {
	updates := map[string]any{}
	if p.ScheduleType != "" {
		updates["schedule_type"] = string(p.ScheduleType)
	}
	if p.InstanceID != "" {
		updates["instance_id"] = p.InstanceID
	}
	if p.RunStatus != "" {
		updates["run_status"] = string(p.RunStatus)
	}
	if p.ScheduleStatus != "" {
		updates["schedule_status"] = string(p.ScheduleStatus)
	}
	if p.ExitCode != nil {
		updates["exit_code"] = *p.ExitCode
	}
	if p.ExitStatus != "" {
		updates["exit_status"] = p.ExitStatus
	}
	if p.Stdout != "" {
		updates["stdout"] = p.Stdout
	}
	if p.Stderr != "" {
		updates["stderr"] = p.Stderr
	}
	if len(p.BundleOutput) > 0 {
		raw, err := json.Marshal(p.BundleOutput)
		if err != nil {
			return fmt.Errorf("console: encode bundle output: %w", err)
		}
		updates["bundle_output"] = string(raw)
	}
	if p.StartTime != nil {
		updates["start_time"] = *p.StartTime
	}
	if p.EndTime != nil {
		updates["end_time"] = *p.EndTime
	}
	if p.PrevTime != nil {
		updates["prev_time"] = *p.PrevTime
	}
	if p.NextTime != nil {
		updates["next_time"] = *p.NextTime
	}
	if p.CreatedUser != "" {
		updates["created_user"] = p.CreatedUser
	}

	eid := p.BaseJob.Eid
	var row JobExecHistory
	err := h.db.WithContext(ctx).
		Where("schedule_id = ? AND eid = ? AND bind_ip = ?", p.ScheduleID, eid, p.BindIP).
		First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = JobExecHistory{
			ScheduleID:    p.ScheduleID,
			Eid:           eid,
			BindIP:        p.BindIP,
			BindNamespace: p.BindNamespace,
		}
		if err := h.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("console: create exec history: %w", err)
		}
	case err != nil:
		return fmt.Errorf("console: load exec history: %w", err)
	}
	if len(updates) == 0 {
		return nil
	}
	return h.db.WithContext(ctx).Model(&JobExecHistory{}).
		Where("schedule_id = ? AND eid = ? AND bind_ip = ?", p.ScheduleID, eid, p.BindIP).
		Updates(updates).Error
}

func (h *EventHandler) applyHeartbeat(ctx context.Context, p *bridge.HeartbeatParams) error {
	now := time.Now()
	return h.upsertInstance(ctx, p.Namespace, p.SourceIP, p.MacAddr, instanceOnline, &now)
}

// applyAgentOnline marks the instance online. An agent on its first-ever
// connect has no local job state, so its runnable schedules are replayed
// to rebuild timers and supervisors.
func (h *EventHandler) applyAgentOnline(ctx context.Context, p *bus.AgentOnlineParams) error {
	now := time.Now()
	if err := h.upsertInstance(ctx, p.Namespace, p.AgentIP, p.MacAddr, instanceOnline, &now); err != nil {
		return err
	}
	if !p.IsInitialized {
		h.redispatchRunnable(ctx, p.Namespace, p.AgentIP)
	}
	return nil
}

func (h *EventHandler) applyAgentOffline(ctx context.Context, p *bus.AgentOfflineParams) error {
	return h.upsertInstance(ctx, p.Namespace, p.AgentIP, "", instanceOffline, nil)
}

// upsertInstance creates or refreshes the instance row for one host. The
// instance id is the client key, so the same host always lands on the
// same row.
func (h *EventHandler) upsertInstance(ctx context.Context, namespace, ip, macAddr, status string, heartbeatAt *time.Time) error {
	instanceID := bridge.ClientKey(namespace, ip)

	var ins Instance
	err := h.db.WithContext(ctx).Where("instance_id = ?", instanceID).First(&ins).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		ins = Instance{
			InstanceID:      instanceID,
			IP:              ip,
			Namespace:       namespace,
			MacAddr:         macAddr,
			Status:          status,
			LastHeartbeatAt: heartbeatAt,
		}
		return h.db.WithContext(ctx).Create(&ins).Error
	case err != nil:
		return fmt.Errorf("console: load instance: %w", err)
	}

	updates := map[string]any{"status": status}
	if macAddr != "" {
		updates["mac_addr"] = macAddr
	}
	if heartbeatAt != nil {
		updates["last_heartbeat_at"] = *heartbeatAt
	}
	return h.db.WithContext(ctx).Model(&ins).Updates(updates).Error
}

// redispatchRunnable replays every schedule that should still be active on
// the given host: timers stuck in "scheduling" are restarted, daemons in
// "supervising" are restarted. Failures are logged and skipped so one bad
// schedule does not block the rest of the replay.
func (h *EventHandler) redispatchRunnable(ctx context.Context, namespace, ip string) {
	var rows []JobExecHistory
	err := h.db.WithContext(ctx).
		Where("bind_ip = ? AND bind_namespace = ? AND schedule_status IN ?",
			ip, namespace, []string{string(bridge.ScheduleStatusScheduling), string(bridge.ScheduleStatusSupervising)}).
		Find(&rows).Error
	if err != nil {
		h.log.Error("list runnable schedules", zap.String("ip", ip), zap.Error(err))
		return
	}

	for _, row := range rows {
		var action bridge.JobAction
		switch bridge.ScheduleStatus(row.ScheduleStatus) {
		case bridge.ScheduleStatusScheduling:
			action = bridge.ActionStartTimer
		case bridge.ScheduleStatusSupervising:
			action = bridge.ActionStartSupervising
		default:
			continue
		}
		if _, err := h.dispatcher.Redispatch(ctx, row.ScheduleID, action); err != nil {
			h.log.Error("redispatch schedule",
				zap.String("schedule_id", row.ScheduleID),
				zap.String("action", string(action)),
				zap.Error(err))
			continue
		}
		h.log.Info("redispatched schedule",
			zap.String("schedule_id", row.ScheduleID),
			zap.String("ip", ip),
			zap.String("action", string(action)))
	}
}
