package services

import "errors"

var (
	ErrConcurrencyLimitExceeded = errors.New("too many concurrent sessions")
	ErrNotFound                 = errors.New("session not found")
	ErrForbidden                = errors.New("not the session owner")
	ErrCompetitionDisabled      = errors.New("competition is not enabled")
	ErrSessionNotTerminated     = errors.New("session is not over")
	ErrShuttingDown             = errors.New("orchestrator is shutting down")
	ErrInvalidReport            = errors.New("invalid report")
)
