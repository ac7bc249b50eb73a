package bridge

import "time"

// JobAction identifies the operation a dispatched job performs on the agent.
// The string forms travel on the wire and must stay stable.
type JobAction string

const (
	ActionExec               JobAction = "exec"
	ActionKill               JobAction = "kill"
	ActionStartTimer         JobAction = "start_timer"
	ActionStopTimer          JobAction = "stop_timer"
	ActionStartSupervising   JobAction = "start_supervising"
	ActionRestartSupervising JobAction = "restart_supervising"
	ActionStopSupervising    JobAction = "stop_supervising"
)

// RuntimeAction is the subset of actions that target an already-dispatched
// job by eid, without carrying a job definition.
type RuntimeAction string

const (
	RuntimeKill               RuntimeAction = "kill"
	RuntimeStopTimer          RuntimeAction = "stop_timer"
	RuntimeStartSupervising   RuntimeAction = "start_supervising"
	RuntimeRestartSupervising RuntimeAction = "restart_supervising"
	RuntimeStopSupervising    RuntimeAction = "stop_supervising"
)

// RunStatus tracks a single execution of a job.
type RunStatus string

const (
	RunStatusPrepare RunStatus = "prepare"
	RunStatusRunning RunStatus = "running"
	RunStatusStop    RunStatus = "stop"
)

// ScheduleStatus tracks the scheduling state of an eid on an agent,
// independent of any single run.
type ScheduleStatus string

const (
	ScheduleStatusPrepare      ScheduleStatus = "prepare"
	ScheduleStatusScheduling   ScheduleStatus = "scheduling"
	ScheduleStatusUnscheduled  ScheduleStatus = "unscheduled"
	ScheduleStatusSupervising  ScheduleStatus = "supervising"
	ScheduleStatusUnsupervised ScheduleStatus = "unsupervised"
)

// ScheduleType classifies how a job was scheduled.
type ScheduleType string

const (
	ScheduleTypeOnce   ScheduleType = "once"
	ScheduleTypeTimer  ScheduleType = "timer"
	ScheduleTypeFlow   ScheduleType = "flow"
	ScheduleTypeDaemon ScheduleType = "daemon"
)

// UploadFile is an optional file shipped with a job. When Data is empty the
// agent fetches the file from the comet's /file/get endpoint instead.
type UploadFile struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data,omitempty"`
}

// BundleScript is one entry of a bundle job. Each entry runs sequentially
// with its own command and code.
type BundleScript struct {
	Eid      string   `json:"eid"`
	Name     string   `json:"name"`
	CmdName  string   `json:"cmd_name"`
	Code     string   `json:"code"`
	Args     []string `json:"args,omitempty"`
	Info     string   `json:"info,omitempty"`
	CondExpr string   `json:"cond_expr,omitempty"`
}

// BaseJob is the job definition shared by every action that executes code.
// Timeout is in seconds; zero means no timeout.
type BaseJob struct {
	Eid               string            `json:"eid"`
	CmdName           string            `json:"cmd_name"`
	Code              string            `json:"code"`
	BundleScript      []BundleScript    `json:"bundle_script,omitempty"`
	Args              []string          `json:"args,omitempty"`
	UploadFile        *UploadFile       `json:"upload_file,omitempty"`
	ReadCodeFromStdin bool              `json:"read_code_from_stdin"`
	Timeout           uint64            `json:"timeout"`
	WorkDir           string            `json:"work_dir,omitempty"`
	WorkUser          string            `json:"work_user,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	MaxRetry          uint8             `json:"max_retry,omitempty"`
	MaxParallel       uint8             `json:"max_parallel,omitempty"`
}

// AuthParams is the first request on every agent connection, id 0.
type AuthParams struct {
	AgentIP       string `json:"agent_ip"`
	Secret        string `json:"secret"`
	IsInitialized bool   `json:"is_initialized"`
}

// HeartbeatParams is sent by the agent every heartbeat interval and relayed
// by the comet onto the event bus.
type HeartbeatParams struct {
	Namespace string `json:"namespace"`
	MacAddr   string `json:"mac_addr"`
	SourceIP  string `json:"source_ip"`
}

// DispatchJobParams carries a job definition plus scheduling context from
// the console down to one agent.
type DispatchJobParams struct {
	BaseJob         BaseJob      `json:"base_job"`
	ScheduleID      string       `json:"schedule_id"`
	InstanceID      string       `json:"instance_id,omitempty"`
	IsSync          bool         `json:"is_sync"`
	Action          JobAction    `json:"action"`
	CreatedUser     string       `json:"created_user"`
	ScheduleType    ScheduleType `json:"schedule_type,omitempty"`
	TimerExpr       string       `json:"timer_expr,omitempty"`
	RestartInterval uint64       `json:"restart_interval,omitempty"`
}

// RuntimeActionParams targets an existing eid on an agent.
type RuntimeActionParams struct {
	Eid         string        `json:"eid"`
	Action      RuntimeAction `json:"action"`
	IsSync      bool          `json:"is_sync"`
	CreatedUser string        `json:"created_user"`
	ScheduleID  string        `json:"schedule_id,omitempty"`
	InstanceID  string        `json:"instance_id,omitempty"`
}

// UpdateJobParams reports a scheduling or run state change from the agent
// back up through the comet onto the event bus. Optional fields are nil when
// the transition does not touch them.
type UpdateJobParams struct {
	ScheduleID     string            `json:"schedule_id"`
	ScheduleType   ScheduleType      `json:"schedule_type,omitempty"`
	BaseJob        BaseJob           `json:"base_job"`
	InstanceID     string            `json:"instance_id,omitempty"`
	BindIP         string            `json:"bind_ip"`
	BindNamespace  string            `json:"bind_namespace"`
	RunStatus      RunStatus         `json:"run_status,omitempty"`
	ScheduleStatus ScheduleStatus    `json:"schedule_status,omitempty"`
	ExitCode       *int              `json:"exit_code,omitempty"`
	ExitStatus     string            `json:"exit_status,omitempty"`
	Stdout         string            `json:"stdout,omitempty"`
	Stderr         string            `json:"stderr,omitempty"`
	BundleOutput   map[string]Output `json:"bundle_output,omitempty"`
	CreatedUser    string            `json:"created_user,omitempty"`
	StartTime      *time.Time        `json:"start_time,omitempty"`
	EndTime        *time.Time        `json:"end_time,omitempty"`
	PrevTime       *time.Time        `json:"prev_time,omitempty"`
	NextTime       *time.Time        `json:"next_time,omitempty"`
}

// Output is the captured result of one subprocess run.
type Output struct {
	ExitCode   int    `json:"exit_code"`
	ExitStatus string `json:"exit_status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// SftpConnParams identifies the SSH endpoint an SFTP operation logs into.
// The agent dials the target host itself, so operations work on any machine
// the agent can reach, not only localhost.
type SftpConnParams struct {
	IP       string `json:"ip"`
	Port     uint16 `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// SftpReadDirParams lists a remote directory.
type SftpReadDirParams struct {
	SftpConnParams
	DirPath string `json:"dir_path,omitempty"`
}

// SftpUploadParams writes Data to FilePath on the remote host.
type SftpUploadParams struct {
	SftpConnParams
	FilePath string `json:"file_path"`
	Data     []byte `json:"data"`
}

// SftpDownloadParams reads FilePath from the remote host.
type SftpDownloadParams struct {
	SftpConnParams
	FilePath string `json:"file_path"`
}

// SftpRemoveParams removes FilePath on the remote host.
type SftpRemoveParams struct {
	SftpConnParams
	FilePath string `json:"file_path"`
}

// FileEntry is one row of an SFTP directory listing.
type FileEntry struct {
	FileName    string    `json:"file_name"`
	FileType    string    `json:"file_type"`
	Permissions string    `json:"permissions"`
	Size        int64     `json:"size"`
	User        string    `json:"user,omitempty"`
	Group       string    `json:"group,omitempty"`
	Modified    time.Time `json:"modified"`
}

// ClientKey builds the identity under which an agent connection is
// registered and addressed: "{namespace}/{ip}".
func ClientKey(namespace, ip string) string {
	return namespace + "/" + ip
}
