package services

import (
	"gamebattle-orchestrator/models"
	"gamebattle-orchestrator/sandbox"
)

// classifyExit turns a sandbox exit into the session's terminal outcome. A
// stop requested by us wins over whatever code the process exited with.
func classifyExit(exit sandbox.Exit, artifact models.GameArtifact, reason models.KillReason) models.ExitOutcome {
	out := models.ExitOutcome{
		Code:          exit.Code,
		Duration:      exit.Duration,
		KilledByLimit: exit.KilledByLimit,
		Result:        models.ResultIncomplete,
	}
	switch {
	case exit.KilledByLimit:
		out.Kind = models.OutcomeKilled
		out.Reason = models.KillLimit
	case exit.Stopped:
		out.Kind = models.OutcomeKilled
		out.Reason = reason
		if out.Reason == "" {
			out.Reason = models.KillShutdown
		}
	default:
		if result, ok := artifact.ResultFor(exit.Code); ok {
			out.Kind = models.OutcomeExited
			out.Result = result
		} else {
			out.Kind = models.OutcomeCrashed
		}
	}
	return out
}
