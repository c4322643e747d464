package models

import (
	"testing"
	"time"
)

func TestGameDefaults(t *testing.T) {
	g := GameArtifact{ID: "tic-tac", Name: "Tic Tac Toe!"}
	if got := g.ImageName(); got != "gamebattle-tic-tac-toe" {
		t.Fatalf("unexpected image %q", got)
	}
	if got := (GameArtifact{ID: "pong"}).ImageName(); got != "gamebattle-pong" {
		t.Fatalf("image should fall back to the id, got %q", got)
	}

	for code, want := range map[int]string{0: ResultWin, 1: ResultLoss, 2: ResultDraw} {
		if got, ok := g.ResultFor(code); !ok || got != want {
			t.Fatalf("code %d: expected %s, got %q %v", code, want, got, ok)
		}
	}
	if _, ok := g.ResultFor(139); ok {
		t.Fatal("undeclared codes have no result")
	}
	if g.PointsFor(ResultWin) != 3 || g.PointsFor(ResultDraw) != 1 || g.PointsFor(ResultIncomplete) != 0 {
		t.Fatal("unexpected default points")
	}
}

func TestLeaderboardEntryApply(t *testing.T) {
	var e LeaderboardEntry
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	e.Apply(CompetitionRecord{SessionID: "a", Score: 3, Result: ResultWin, EndedAt: t0})
	e.Apply(CompetitionRecord{SessionID: "b", Score: 0, Result: ResultLoss, EndedAt: t0.Add(-time.Hour)})
	e.Apply(CompetitionRecord{SessionID: "c", Score: 0, Result: ResultIncomplete, EndedAt: t0.Add(time.Hour)})

	if e.Score != 3 || e.Wins != 1 || e.Losses != 1 || e.Draws != 0 || e.TotalSessions != 3 {
		t.Fatalf("unexpected tallies %+v", e)
	}
	if e.LastSessionID != "c" {
		t.Fatalf("expected last session c, got %s", e.LastSessionID)
	}
	if !e.LastUpdated.Equal(t0.Add(time.Hour)) {
		t.Fatalf("last update should never move backwards, got %s", e.LastUpdated)
	}
}

func TestLeaderboardEntrySettle(t *testing.T) {
	var e LeaderboardEntry
	e.Apply(CompetitionRecord{SessionID: "a", Score: 3, Result: ResultWin})
	e.Apply(CompetitionRecord{SessionID: "b", Score: 1, Result: ResultDraw})

	if !e.Counted("a") || !e.Counted("b") || e.Counted("c") {
		t.Fatalf("unexpected counted set %+v", e)
	}
	if !e.Settle("a") || e.Settle("a") {
		t.Fatal("a settles exactly once")
	}
	if !e.Counted("b") || len(e.Unsettled) != 1 {
		t.Fatalf("expected b still unsettled, got %v", e.Unsettled)
	}
	// the last session stays counted after it settles
	if !e.Settle("b") || e.Unsettled != nil || !e.Counted("b") {
		t.Fatalf("unexpected entry after settling %+v", e)
	}
	if e.Counted("a") {
		t.Fatal("a settled session is only known through its record")
	}
}

func TestEndSignal(t *testing.T) {
	cases := map[string]ExitOutcome{
		"exit":     {Kind: OutcomeExited},
		"crash":    {Kind: OutcomeCrashed},
		"limit":    {Kind: OutcomeKilled, Reason: KillLimit},
		"admin":    {Kind: OutcomeKilled, Reason: KillAdmin},
		"idle":     {Kind: OutcomeKilled, Reason: KillIdle},
		"restart":  {Kind: OutcomeKilled, Reason: KillRestart},
		"shutdown": {Kind: OutcomeKilled, Reason: KillShutdown},
		"stopped":  {Kind: OutcomeKilled, Reason: KillOwner},
	}
	for want, o := range cases {
		if got := o.EndSignal(); got != want {
			t.Errorf("%+v: expected %s, got %s", o, want, got)
		}
	}
	if (ExitOutcome{Kind: OutcomeKilled, Reason: KillOrphaned}).EndSignal() != "stopped" {
		t.Error("orphaned sessions end as stopped")
	}
}

func TestSessionStateLive(t *testing.T) {
	for _, s := range []SessionState{SessionStarting, SessionRunning, SessionTerminating} {
		if !s.Live() {
			t.Errorf("%s should be live", s)
		}
	}
	if SessionTerminated.Live() {
		t.Error("terminated is not live")
	}
	if !ValidShortReason(ReportBuggy) || ValidShortReason("boring") {
		t.Error("unexpected short reason validation")
	}
}
