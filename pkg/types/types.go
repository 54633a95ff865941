// Package types defines the core domain model shared by the swarm-pool packages.
package types

import (
	"fmt"
	"time"
)

// WorkerID identifies one attempted action sequence within a run
type WorkerID int

// RunID identifies one orchestration run
type RunID string

// JobID identifies one batch job (probe sweep)
type JobID string

// StatusKind is the lifecycle stage of a worker
type StatusKind string

// Worker lifecycle stages
const (
	StatusWaiting    StatusKind = "waiting"     // dispatched, not yet started
	StatusLaunching  StatusKind = "launching"   // waiting for a session slot / building the driver
	StatusInProgress StatusKind = "in_progress" // running a step; Detail names the stage
	StatusSucceeded  StatusKind = "succeeded"   // Detail is the label
	StatusFailed     StatusKind = "failed"      // Detail is the reason
	StatusSkipped    StatusKind = "skipped"     // Detail is the reason
)

// WorkerStatus is the reported state of one worker
type WorkerStatus struct {
	Kind      StatusKind `json:"kind"`
	Detail    string     `json:"detail,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Terminal reports whether the status is final for reporting purposes.
// The worker behind a succeeded status may still be alive (parked).
func (s WorkerStatus) Terminal() bool {
	switch s.Kind {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

func (s WorkerStatus) String() string {
	if s.Detail == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.Detail)
}

// Waiting, Launching, InProgress, Succeeded, Failed and Skipped build statuses stamped with now.
func Waiting() WorkerStatus { return newStatus(StatusWaiting, "") }

func Launching() WorkerStatus { return newStatus(StatusLaunching, "") }

func InProgress(stage string) WorkerStatus { return newStatus(StatusInProgress, stage) }

func Succeeded(label string) WorkerStatus { return newStatus(StatusSucceeded, label) }

func Failed(reason string) WorkerStatus { return newStatus(StatusFailed, reason) }

func Skipped(reason string) WorkerStatus { return newStatus(StatusSkipped, reason) }

func newStatus(kind StatusKind, detail string) WorkerStatus {
	return WorkerStatus{Kind: kind, Detail: detail, UpdatedAt: time.Now()}
}

// JobStatus is the state of a batch job
type JobStatus string

const (
	JobRunning  JobStatus = "running"  // workers still reporting
	JobComplete JobStatus = "complete" // checked >= total
)

// UnitResult is the outcome of one unit of a batch job (one probed code)
type UnitResult struct {
	Unit   string `json:"unit"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// ServiceTask is one recurring remote action handled by the scheduler
type ServiceTask struct {
	ID             int           `json:"id"`
	Label          string        `json:"label"`
	Interval       time.Duration `json:"interval"` // 0 when the catalog gave no usable timer
	NextEligibleAt time.Time     `json:"next_eligible_at"`
	Attempts       int           `json:"attempts"`
	LastSuccess    bool          `json:"last_success"`
	LastMessage    string        `json:"last_message,omitempty"`
	LastOrderID    string        `json:"last_order_id,omitempty"`
}

// Due reports whether the task may run at now
func (t ServiceTask) Due(now time.Time) bool {
	return !now.Before(t.NextEligibleAt)
}
