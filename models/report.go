package models

import "time"

const (
	ReportUnclear = "unclear"
	ReportBuggy   = "buggy"
	ReportOther   = "other"
)

// Report is a user complaint about a game, optionally carrying the session's
// output transcript.
type Report struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	SessionID     string    `gorm:"index;not null" json:"session_id"`
	GameID        string    `gorm:"index;not null" json:"game_id"`
	ReporterID    string    `gorm:"index;not null" json:"reporter_id"`
	ShortReason   string    `json:"short_reason" gorm:"type:varchar(16);check:short_reason IN ('unclear','buggy','other')"`
	Reason        string    `json:"reason" gorm:"type:text"`
	TranscriptURL string    `json:"transcript_url,omitempty"`
	Transcript    []byte    `json:"-" gorm:"-"`
	ReportedAt    time.Time `json:"reported_at"`

	Timestamps
}

func ValidShortReason(r string) bool {
	return r == ReportUnclear || r == ReportBuggy || r == ReportOther
}
