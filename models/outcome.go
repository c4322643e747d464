package models

import "time"

// OutcomeKind tags how a sandbox ended.
type OutcomeKind string

const (
	OutcomeExited  OutcomeKind = "exited"
	OutcomeCrashed OutcomeKind = "crashed"
	OutcomeKilled  OutcomeKind = "killed"
)

// KillReason explains a Killed outcome.
type KillReason string

const (
	KillLimit    KillReason = "limit"
	KillAdmin    KillReason = "admin"
	KillOwner    KillReason = "owner"
	KillIdle     KillReason = "idle"
	KillShutdown KillReason = "shutdown"
	KillRestart  KillReason = "restart"
	// KillOrphaned marks a record whose owning instance stopped renewing its lease.
	KillOrphaned KillReason = "orphaned"
)

// Game results, as recorded on matches.
const (
	ResultWin        = "win"
	ResultLoss       = "loss"
	ResultDraw       = "draw"
	ResultIncomplete = "incomplete"
)

// ExitOutcome is the terminal outcome of a session. Crashes are data here,
// never errors.
type ExitOutcome struct {
	Kind          OutcomeKind   `json:"kind"`
	Code          int           `json:"code"`
	Reason        KillReason    `json:"reason,omitempty"`
	Result        string        `json:"result"`
	Duration      time.Duration `json:"duration"`
	KilledByLimit bool          `json:"killed_by_limit"`
}

// EndSignal is what an attached client is told when its session ends.
func (o ExitOutcome) EndSignal() string {
	switch o.Kind {
	case OutcomeExited:
		return "exit"
	case OutcomeCrashed:
		return "crash"
	}
	switch o.Reason {
	case KillLimit:
		return "limit"
	case KillAdmin:
		return "admin"
	case KillIdle:
		return "idle"
	case KillRestart:
		return "restart"
	case KillShutdown:
		return "shutdown"
	default:
		return "stopped"
	}
}
