package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
	"github.com/jiawesoft/jiascheduler-sub000/internal/registry"
)

// DispatchTarget is one resolved agent a schedule fans out to.
type DispatchTarget struct {
	InstanceID string `json:"instance_id"`
	Namespace  string `json:"namespace"`
	IP         string `json:"ip"`
	MacAddr    string `json:"mac_addr,omitempty"`
}

// DispatchResult is the per-target outcome of a fan-out.
type DispatchResult struct {
	Namespace string          `json:"namespace"`
	IP        string          `json:"ip"`
	Response  json.RawMessage `json:"response,omitempty"`
	HasErr    bool            `json:"has_err"`
	Err       string          `json:"err,omitempty"`
}

// DispatchData is the frozen form of a dispatch, persisted with the
// schedule history so it can be replayed verbatim against newly resolved
// comets.
type DispatchData struct {
	Targets []DispatchTarget         `json:"targets"`
	Params  bridge.DispatchJobParams `json:"params"`
}

// Dispatcher fans job operations out to the comets currently fronting each
// target agent.
type Dispatcher struct {
	db     *gorm.DB
	store  *registry.Store
	secret string
	client *http.Client
	log    *zap.Logger
}

func NewDispatcher(db *gorm.DB, store *registry.Store, secret string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:     db,
		store:  store,
		secret: secret,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    logger.Named("dispatch"),
	}
}

// Dispatch resolves the target instances, forwards the job to each one's
// comet, and persists the fan-out with its per-target results. A target
// whose agent is not registered is recorded as failed without aborting the
// others; when any target failed, the persisted results are returned
// together with an aggregate error.
func (d *Dispatcher) Dispatch(ctx context.Context, instanceIDs []string, params bridge.DispatchJobParams) (string, []DispatchResult, error) {
	if len(instanceIDs) == 0 {
		return "", nil, errors.New("console: no target instances")
	}
	if params.ScheduleID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", nil, fmt.Errorf("console: schedule id: %w", err)
		}
		params.ScheduleID = id.String()
	}

	targets, err := d.resolveTargets(ctx, instanceIDs)
	if err != nil {
		return "", nil, err
	}

	data := DispatchData{Targets: targets, Params: stripUploadData(params)}
	results := d.fanOut(ctx, targets, params)

	if err := d.persistSchedule(ctx, data, results); err != nil {
		return "", nil, err
	}
	if failed := countFailed(results); failed > 0 {
		return params.ScheduleID, results,
			fmt.Errorf("console: partial job scheduling failed: %d of %d targets", failed, len(results))
	}
	return params.ScheduleID, results, nil
}

func countFailed(results []DispatchResult) int {
	n := 0
	for _, r := range results {
		if r.HasErr {
			n++
		}
	}
	return n
}

// Redispatch replays a stored schedule, re-resolving every target's comet.
// A non-empty action overrides the stored one, which is how a timer
// started earlier gets stopped through the same snapshot.
func (d *Dispatcher) Redispatch(ctx context.Context, scheduleID string, action bridge.JobAction) ([]DispatchResult, error) {
	var hist JobScheduleHistory
	if err := d.db.WithContext(ctx).Where("schedule_id = ?", scheduleID).First(&hist).Error; err != nil {
		return nil, fmt.Errorf("console: schedule %s: %w", scheduleID, err)
	}
	var data DispatchData
	if err := json.Unmarshal([]byte(hist.DispatchData), &data); err != nil {
		return nil, fmt.Errorf("console: decode dispatch data %s: %w", scheduleID, err)
	}
	if action != "" {
		data.Params.Action = action
	}

	results := d.fanOut(ctx, data.Targets, data.Params)
	if err := d.persistSchedule(ctx, data, results); err != nil {
		return nil, err
	}
	return results, nil
}

// RuntimeAction fans a runtime action out to the given instances.
func (d *Dispatcher) RuntimeAction(ctx context.Context, instanceIDs []string, params bridge.RuntimeActionParams) ([]DispatchResult, error) {
	targets, err := d.resolveTargets(ctx, instanceIDs)
	if err != nil {
		return nil, err
	}
	results := make([]DispatchResult, 0, len(targets))
	for _, target := range targets {
		p := params
		p.InstanceID = target.InstanceID
		body := map[string]any{
			"namespace": target.Namespace,
			"agent_ip":  target.IP,
			"mac_addr":  target.MacAddr,
			"params":    p,
		}
		results = append(results, d.forward(ctx, target, "/runtime_action", body))
	}
	return results, nil
}

func (d *Dispatcher) resolveTargets(ctx context.Context, instanceIDs []string) ([]DispatchTarget, error) {
	var instances []Instance
	if err := d.db.WithContext(ctx).Where("instance_id IN ?", instanceIDs).Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("console: resolve instances: %w", err)
	}
	byID := make(map[string]Instance, len(instances))
	for _, ins := range instances {
		byID[ins.InstanceID] = ins
	}

	targets := make([]DispatchTarget, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		ins, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("console: instance %s not found", id)
		}
		targets = append(targets, DispatchTarget{
			InstanceID: ins.InstanceID,
			Namespace:  ins.Namespace,
			IP:         ins.IP,
			MacAddr:    ins.MacAddr,
		})
	}
	return targets, nil
}

// fanOut forwards params to every target, accumulating per-target results
// instead of failing fast. Operators retry individual targets from the
// recorded result.
func (d *Dispatcher) fanOut(ctx context.Context, targets []DispatchTarget, params bridge.DispatchJobParams) []DispatchResult {
	results := make([]DispatchResult, 0, len(targets))
	for _, target := range targets {
		p := params
		p.InstanceID = target.InstanceID
		body := map[string]any{
			"namespace": target.Namespace,
			"agent_ip":  target.IP,
			"mac_addr":  target.MacAddr,
			"params":    p,
		}
		results = append(results, d.forward(ctx, target, "/dispatch", body))
	}
	return results
}

// forward resolves the target's comet and posts one relay request to it.
func (d *Dispatcher) forward(ctx context.Context, target DispatchTarget, path string, body any) DispatchResult {
	res := DispatchResult{Namespace: target.Namespace, IP: target.IP}

	key := bridge.ClientKey(target.Namespace, target.IP)
	lp, err := d.store.GetLinkPair(ctx, key)
	if err != nil {
		res.HasErr = true
		res.Err = err.Error()
		d.log.Warn("target unroutable", zap.String("key", key), zap.Error(err))
		return res
	}

	raw, err := d.postComet(ctx, lp.CometAddr, path, body)
	if err != nil {
		res.HasErr = true
		res.Err = err.Error()
		return res
	}
	res.Response = raw

	var env bridge.Envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Code != bridge.CodeSuccess {
		res.HasErr = true
		res.Err = env.Msg
	}
	return res
}

func (d *Dispatcher) postComet(ctx context.Context, cometAddr, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("console: encode relay body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s%s", cometAddr, path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("console: relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.secret)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("console: relay to %s: %w", cometAddr, err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("console: decode relay response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return raw, fmt.Errorf("console: comet %s returned %s", cometAddr, resp.Status)
	}
	return raw, nil
}

// persistSchedule upserts the schedule history row keyed by schedule_id.
func (d *Dispatcher) persistSchedule(ctx context.Context, data DispatchData, results []DispatchResult) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("console: encode dispatch data: %w", err)
	}
	resultJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("console: encode dispatch result: %w", err)
	}

	var hist JobScheduleHistory
	err = d.db.WithContext(ctx).Where("schedule_id = ?", data.Params.ScheduleID).First(&hist).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		hist = JobScheduleHistory{
			ScheduleID:     data.Params.ScheduleID,
			Eid:            data.Params.BaseJob.Eid,
			Action:         string(data.Params.Action),
			DispatchData:   string(dataJSON),
			DispatchResult: string(resultJSON),
			CreatedUser:    data.Params.CreatedUser,
		}
		return d.db.WithContext(ctx).Create(&hist).Error
	case err != nil:
		return fmt.Errorf("console: load schedule history: %w", err)
	default:
		return d.db.WithContext(ctx).Model(&hist).Updates(map[string]any{
			"action":          string(data.Params.Action),
			"dispatch_data":   string(dataJSON),
			"dispatch_result": string(resultJSON),
		}).Error
	}
}

// stripUploadData drops inline file bytes from the persisted snapshot.
// Replays fetch the file from the comet instead of re-shipping it through
// the database.
func stripUploadData(params bridge.DispatchJobParams) bridge.DispatchJobParams {
	if params.BaseJob.UploadFile != nil {
		uf := *params.BaseJob.UploadFile
		uf.Data = nil
		params.BaseJob.UploadFile = &uf
	}
	return params
}
