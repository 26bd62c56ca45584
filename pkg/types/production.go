package types

import (
	"fmt"
	"strings"
	"time"
)

// Stage is one ordered phase of growth.
type Stage string

const (
	StageSeed      Stage = "SEED"
	StageGerminate Stage = "GERMINATE"
	StageLight     Stage = "LIGHT"
	StageHarvest   Stage = "HARVEST"
	StagePack      Stage = "PACK"
	StageCompleted Stage = "COMPLETED"
)

var stageOrder = []Stage{StageSeed, StageGerminate, StageLight, StageHarvest, StagePack, StageCompleted}

// Stages returns the growth stages in order, COMPLETED last.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Index returns the position of s in the stage order, or -1.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the immediate successor of s. COMPLETED has none.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// Terminal reports whether s is COMPLETED.
func (s Stage) Terminal() bool { return s == StageCompleted }

// ParseStage accepts stage names case-insensitively.
func ParseStage(v string) (Stage, error) {
	s := Stage(strings.ToUpper(strings.TrimSpace(v)))
	if s.Index() < 0 {
		return "", fmt.Errorf("unknown stage %q", v)
	}
	return s, nil
}

// Batch is a quantity of one crop moving through the stages together.
type Batch struct {
	ID              string     `json:"id"`
	CropType        string     `json:"crop_type"`
	Quantity        int        `json:"quantity"`
	Stage           Stage      `json:"stage"`
	EnteredStageAt  time.Time  `json:"entered_stage_at"`
	RackID          string     `json:"rack_id"`
	ReservationID   string     `json:"reservation_id,omitempty"`
	OrderID         string     `json:"order_id,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Active reports whether the batch still moves through production.
func (b Batch) Active() bool {
	return !b.Stage.Terminal() && b.CancelledAt == nil
}

// TaskStatus is the state of a ProductionTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Active reports whether the task is the batch's open task.
func (s TaskStatus) Active() bool { return s == TaskPending || s == TaskRunning }

// ProductionTask is the schedulable unit of work for one stage of one batch.
type ProductionTask struct {
	ID           string     `json:"id"`
	BatchID      string     `json:"batch_id"`
	Stage        Stage      `json:"stage"`
	Status       TaskStatus `json:"status"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	JobID        JobID      `json:"job_id,omitempty"`
	NeedsReview  bool       `json:"needs_review,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// StageDurations is the expected-duration lookup table per crop type.
// The "default" crop entry covers crops without their own row.
type StageDurations map[string]map[Stage]time.Duration

// DefaultCrop is the fallback row of a StageDurations table.
const DefaultCrop = "default"

// DefaultStageDurations returns the fixed table used when config has none.
func DefaultStageDurations() StageDurations {
	return StageDurations{
		DefaultCrop: {
			StageSeed:      2 * time.Hour,
			StageGerminate: 72 * time.Hour,
			StageLight:     7 * 24 * time.Hour,
			StageHarvest:   4 * time.Hour,
			StagePack:      2 * time.Hour,
		},
		"pea_shoots": {
			StageSeed:      2 * time.Hour,
			StageGerminate: 96 * time.Hour,
			StageLight:     10 * 24 * time.Hour,
			StageHarvest:   4 * time.Hour,
			StagePack:      2 * time.Hour,
		},
		"radish": {
			StageSeed:      1 * time.Hour,
			StageGerminate: 48 * time.Hour,
			StageLight:     5 * 24 * time.Hour,
			StageHarvest:   3 * time.Hour,
			StagePack:      2 * time.Hour,
		},
		"sunflower": {
			StageSeed:      3 * time.Hour,
			StageGerminate: 72 * time.Hour,
			StageLight:     8 * 24 * time.Hour,
			StageHarvest:   4 * time.Hour,
			StagePack:      2 * time.Hour,
		},
	}
}

// For returns the expected duration of stage for crop. COMPLETED takes no time.
func (d StageDurations) For(crop string, stage Stage) time.Duration {
	if row, ok := d[crop]; ok {
		if v, ok := row[stage]; ok {
			return v
		}
	}
	return d[DefaultCrop][stage]
}

// UntilHarvestDone sums the expected durations from the start of stage through
// the end of HARVEST. Stages after HARVEST return zero.
func (d StageDurations) UntilHarvestDone(crop string, stage Stage) time.Duration {
	if stage.Index() > StageHarvest.Index() || stage.Index() < 0 {
		return 0
	}
	var total time.Duration
	for s := stage; ; {
		total += d.For(crop, s)
		if s == StageHarvest {
			return total
		}
		s, _ = s.Next()
	}
}

// Total sums the expected durations of every stage before COMPLETED.
func (d StageDurations) Total(crop string) time.Duration {
	var total time.Duration
	for _, s := range stageOrder[:len(stageOrder)-1] {
		total += d.For(crop, s)
	}
	return total
}
