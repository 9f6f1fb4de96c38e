package model

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a benchmark run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run status accepts no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// ShardStatus is the lifecycle state of a single shard.
type ShardStatus string

const (
	ShardQueued    ShardStatus = "queued"
	ShardRunning   ShardStatus = "running"
	ShardRetrying  ShardStatus = "retrying"
	ShardSucceeded ShardStatus = "succeeded"
	ShardFailed    ShardStatus = "failed"
	ShardTimedOut  ShardStatus = "timed_out"
)

// Terminal reports whether the shard status is final. Terminal shard records
// are immutable.
func (s ShardStatus) Terminal() bool {
	switch s {
	case ShardSucceeded, ShardFailed, ShardTimedOut:
		return true
	}
	return false
}

// Run is a single benchmark run: one benchmark executed as a fixed set of
// shards. Succeeded/failed counters are authoritative only on backends that
// maintain them transactionally; others derive tallies by scanning shards.
type Run struct {
	RunID               string     `json:"runId"`
	BenchmarkUUID       string     `json:"benchmarkUuid"`
	RequestedShardCount int        `json:"requestedShardCount"`
	MaxParallel         int        `json:"maxParallel"`
	ShardMaxAttempts    int        `json:"shardMaxAttempts"`
	Status              RunStatus  `json:"status"`
	SucceededCount      int        `json:"succeededCount"`
	FailedCount         int        `json:"failedCount"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
}

// Shard is one unit of work: a fuzzer executed at a given run index.
// Attempts is monotonic; it never decreases and never resets.
type Shard struct {
	RunID         string      `json:"runId"`
	ShardKey      string      `json:"shardKey"`
	FuzzerID      string      `json:"fuzzerId"`
	RunIndex      int         `json:"runIndex"`
	Status        ShardStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	Owner         string      `json:"owner,omitempty"`
	ClaimToken    string      `json:"claimToken,omitempty"`
	NextAttemptAt *time.Time  `json:"nextAttemptAt,omitempty"`
	LastExitCode  *int        `json:"lastExitCode,omitempty"`
	LastError     string      `json:"lastError,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// ShardKey derives the canonical shard key for a fuzzer at a run index.
func ShardKey(fuzzerID string, runIndex int) string {
	return fmt.Sprintf("%s-%03d", fuzzerID, runIndex)
}

// ShardRef identifies a shard without carrying its record.
type ShardRef struct {
	RunID    string `json:"runId"`
	ShardKey string `json:"shardKey"`
}

// ShardMutation is the set of field changes applied atomically with a status
// transition. Attempts can only be incremented, never assigned.
type ShardMutation struct {
	Owner            *string
	ClaimToken       *string
	IncrementAttempt bool
	NextAttemptAt    *time.Time
	ClearNextAttempt bool
	LastExitCode     *int
	LastError        *string
}

// RunTally is a point-in-time count of shards per status.
type RunTally struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timedOut"`
}

// Add counts one shard status into the tally.
func (t *RunTally) Add(s ShardStatus) {
	t.Total++
	switch s {
	case ShardQueued:
		t.Queued++
	case ShardRunning:
		t.Running++
	case ShardRetrying:
		t.Retrying++
	case ShardSucceeded:
		t.Succeeded++
	case ShardFailed:
		t.Failed++
	case ShardTimedOut:
		t.TimedOut++
	}
}

// Terminal returns the number of shards in a terminal status.
func (t RunTally) Terminal() int {
	return t.Succeeded + t.Failed + t.TimedOut
}

// AllTerminal reports whether every requested shard has reached a terminal
// status.
func (t RunTally) AllTerminal(requested int) bool {
	return requested > 0 && t.Terminal() >= requested
}

// Verdict is the run status implied by a complete tally: completed only when
// every shard succeeded.
func (t RunTally) Verdict() RunStatus {
	if t.Failed == 0 && t.TimedOut == 0 {
		return RunCompleted
	}
	return RunFailed
}

// OutcomeKind classifies a shard execution result.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomeTimeout OutcomeKind = "timeout"
)

// Outcome is the result of one shard execution attempt. ExitCode carries the
// process exit status when one exists; timeouts report 124.
type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	ExitCode int         `json:"exitCode"`
	Message  string      `json:"message,omitempty"`
}

// Event is an append-only audit record of a scheduler transition. The
// scheduler never reads events back; they exist for offline analysis.
type Event struct {
	OccurredAt time.Time   `json:"occurredAt"`
	EventType  string      `json:"eventType"`
	RunID      string      `json:"runId"`
	WorkerID   string      `json:"workerId,omitempty"`
	ShardKey   string      `json:"shardKey,omitempty"`
	Status     string      `json:"status,omitempty"`
	Attempt    int         `json:"attempt,omitempty"`
	ExitCode   *int        `json:"exitCode,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// WorkerState is the coarse presence state published by a worker.
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerRunning WorkerState = "running"
	WorkerStopped WorkerState = "stopped"
)

// WorkerStatus is a per-worker presence document, republished on every state
// change.
type WorkerStatus struct {
	WorkerID     string      `json:"workerId"`
	Hostname     string      `json:"hostname"`
	State        WorkerState `json:"state"`
	CurrentShard string      `json:"currentShard,omitempty"`
	Attempt      int         `json:"attempt,omitempty"`
	LastExitCode *int        `json:"lastExitCode,omitempty"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// DeadLetter is a copy of a shard record taken at terminal failure, kept for
// post-mortem inspection.
type DeadLetter struct {
	RunID     string    `json:"runId"`
	ShardKey  string    `json:"shardKey"`
	Attempt   int       `json:"attempt"`
	Shard     Shard     `json:"shard"`
	CreatedAt time.Time `json:"createdAt"`
}

// RunStatusDoc is the operator-facing summary of a run, refreshed whenever a
// worker observes progress.
type RunStatusDoc struct {
	RunID         string     `json:"runId"`
	BenchmarkUUID string     `json:"benchmarkUuid"`
	Status        RunStatus  `json:"status"`
	Tally         RunTally   `json:"tally"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}
