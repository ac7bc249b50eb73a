package console

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base carries the fields shared by all rows. IDs are UUID v7 so primary
// keys sort chronologically without a separate created_at index.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (b *Base) BeforeCreate(_ *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Instance is one registered agent host. Status flips between "online" and
// "offline" from bus events and the liveness sweeper; LastHeartbeatAt is
// the sweeper's staleness clock.
type Instance struct {
	Base
	InstanceID      string `gorm:"uniqueIndex;not null"`
	IP              string `gorm:"not null;index"`
	Namespace       string `gorm:"not null;default:'default'"`
	MacAddr         string `gorm:"default:''"`
	Status          string `gorm:"not null;default:'offline'"` // "online" or "offline"
	LastHeartbeatAt *time.Time
}

const (
	instanceOnline  = "online"
	instanceOffline = "offline"
)

// JobScheduleHistory records one dispatch fan-out: the frozen dispatch
// parameters (DispatchData, JSON) and the per-target outcomes
// (DispatchResult, JSON). Redispatch replays DispatchData against freshly
// resolved comets.
type JobScheduleHistory struct {
	Base
	ScheduleID     string `gorm:"uniqueIndex;not null"`
	Eid            string `gorm:"index;not null"`
	Name           string `gorm:"default:''"`
	Action         string `gorm:"not null"`
	DispatchData   string `gorm:"type:text;not null"`
	DispatchResult string `gorm:"type:text;default:''"`
	CreatedUser    string `gorm:"default:''"`
}

// JobExecHistory tracks the lifecycle of one eid on one agent for one
// schedule. Rows are upserted as UpdateJob events arrive, so the latest
// state is always directly readable.
type JobExecHistory struct {
	Base
	ScheduleID     string `gorm:"index;not null"`
	Eid            string `gorm:"index;not null"`
	ScheduleType   string `gorm:"default:''"`
	InstanceID     string `gorm:"default:''"`
	BindIP         string `gorm:"index;not null"`
	BindNamespace  string `gorm:"not null;default:'default'"`
	RunStatus      string `gorm:"default:''"`
	ScheduleStatus string `gorm:"default:''"`
	ExitCode       *int
	ExitStatus     string `gorm:"type:text;default:''"`
	Stdout         string `gorm:"type:text;default:''"`
	Stderr         string `gorm:"type:text;default:''"`
	BundleOutput   string `gorm:"type:text;default:''"`
	StartTime      *time.Time
	EndTime        *time.Time
	PrevTime       *time.Time
	NextTime       *time.Time
	CreatedUser    string `gorm:"default:''"`
}
