package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gamebattle-orchestrator/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TranscriptUploader stores captured output and returns where it lives.
type TranscriptUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type ReportRequest struct {
	ShortReason   string `json:"short_reason"`
	Reason        string `json:"reason"`
	CaptureOutput bool   `json:"capture_output"`
}

const (
	maxReportReason = 2000
	// reports beyond this count turn the webhook embed red or yellow
	reportAlarmCount = 3
)

// ReportService files player complaints about games.
type ReportService struct {
	sessions *SessionService
	games    *CatalogService
	archive  Archive
	uploader TranscriptUploader
	notifier *WebhookNotifier
	log      logrus.FieldLogger
}

// NewReportService wires the service. uploader may be nil, in which case
// transcripts are not kept.
func NewReportService(sessions *SessionService, games *CatalogService, archive Archive, uploader TranscriptUploader, notifier *WebhookNotifier, log logrus.FieldLogger) *ReportService {
	return &ReportService{
		sessions: sessions,
		games:    games,
		archive:  archive,
		uploader: uploader,
		notifier: notifier,
		log:      log.WithField("component", "reports"),
	}
}

// Submit files a report about the game a session runs.
func (s *ReportService) Submit(ctx context.Context, who models.Identity, sessionID string, req ReportRequest) (models.Report, error) {
	if !models.ValidShortReason(req.ShortReason) {
		return models.Report{}, fmt.Errorf("%w: short_reason must be unclear, buggy or other", ErrInvalidReport)
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if len(req.Reason) > maxReportReason {
		return models.Report{}, fmt.Errorf("%w: reason longer than %d characters", ErrInvalidReport, maxReportReason)
	}

	var transcript []byte
	var session models.Session
	var err error
	if req.CaptureOutput {
		transcript, session, err = s.sessions.Transcript(ctx, who, sessionID)
	} else {
		session, err = s.sessions.Get(ctx, who, sessionID)
	}
	if err != nil {
		return models.Report{}, err
	}

	game, err := s.games.Resolve(session.GameID)
	if err != nil {
		return models.Report{}, err
	}
	if game.Author != "" && game.Author == who.UserID {
		return models.Report{}, fmt.Errorf("%w: cannot report your own game", ErrForbidden)
	}

	report := models.Report{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		GameID:      session.GameID,
		ReporterID:  who.UserID,
		ShortReason: req.ShortReason,
		Reason:      req.Reason,
		Transcript:  transcript,
		ReportedAt:  time.Now(),
	}
	log := s.log.WithFields(logrus.Fields{"report_id": report.ID, "game_id": report.GameID, "session_id": report.SessionID})

	if len(transcript) > 0 && s.uploader != nil {
		url, err := s.uploader.Upload(ctx, "transcripts/"+report.ID+".log", transcript, "text/plain; charset=utf-8")
		if err != nil {
			log.WithError(err).Warn("Transcript upload failed, filing report without it")
		} else {
			report.TranscriptURL = url
		}
	}
	if err := s.archive.SaveReport(ctx, report); err != nil {
		return models.Report{}, fmt.Errorf("save report: %w", err)
	}

	count, err := s.archive.CountReports(ctx, report.GameID)
	if err != nil {
		log.WithError(err).Warn("Could not count reports")
	}
	s.notifier.Fire(reportEmbed(game, report, count))
	log.WithField("reports", count).Info("Game reported")
	return report, nil
}

// ForGame lists the reports filed against a game, newest first.
func (s *ReportService) ForGame(ctx context.Context, gameID string) ([]models.Report, error) {
	return s.archive.ReportsForGame(ctx, gameID)
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	URL         string       `json:"url,omitempty"`
	Fields      []embedField `json:"fields"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

// reportEmbed shapes a report as a chat webhook embed. Color escalates once
// a game has collected several reports.
func reportEmbed(game models.GameArtifact, r models.Report, count int64) map[string]any {
	color := 0x00FF00
	if count > reportAlarmCount {
		color = 0xFFFF00
		if r.Reason != "" {
			color = 0xFF0000
		}
	}
	logs := "No"
	if len(r.Transcript) > 0 {
		logs = "Yes"
	}
	author := game.Author
	if author == "" {
		author = "unknown"
	}
	e := embed{
		Title:       "Game reported: " + game.Name,
		Description: r.Reason,
		Color:       color,
		URL:         r.TranscriptURL,
		Fields: []embedField{
			{Name: "Game", Value: game.Name, Inline: true},
			{Name: "Author", Value: author, Inline: true},
			{Name: "Reporter", Value: r.ReporterID, Inline: true},
			{Name: "Short reason", Value: r.ShortReason, Inline: true},
			{Name: "Logs attached", Value: logs, Inline: true},
		},
	}
	e.Footer.Text = fmt.Sprintf("Total reports: %d", count)
	return map[string]any{"embeds": []embed{e}}
}
