// Package ingest contains the job handlers: one per job kind, each fetching
// from the upstream API and applying idempotent upserts. Handlers return
// errors to the worker loop, which owns retry and backoff policy.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rookery-io/rookery/internal/chesscom"
	"github.com/rookery-io/rookery/internal/config"
	"github.com/rookery-io/rookery/internal/db"
	"github.com/rookery-io/rookery/internal/lichess"
	"github.com/rookery-io/rookery/internal/repositories"
)

// Processor dispatches claimed jobs to their kind handler.
type Processor struct {
	players  repositories.PlayerRepository
	archives repositories.ArchiveRepository
	jobs     repositories.JobRepository
	lichess  repositories.LichessRepository

	chessAPI   *chesscom.Client
	lichessAPI *lichess.Client

	cfg    config.Config
	logger *zap.Logger
}

// NewProcessor wires the handlers to their repositories and API clients.
func NewProcessor(
	players repositories.PlayerRepository,
	archives repositories.ArchiveRepository,
	jobs repositories.JobRepository,
	lichessRepo repositories.LichessRepository,
	chessAPI *chesscom.Client,
	lichessAPI *lichess.Client,
	cfg config.Config,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		players:    players,
		archives:   archives,
		jobs:       jobs,
		lichess:    lichessRepo,
		chessAPI:   chessAPI,
		lichessAPI: lichessAPI,
		cfg:        cfg,
		logger:     logger.Named("ingest"),
	}
}

// EnqueueSeedJobs bootstraps ingestion for one chess.com username: a profile
// job immediately, stats and archives staggered behind it so the profile
// lands first. Dedup keys make repeated seeding a no-op.
func (p *Processor) EnqueueSeedJobs(ctx context.Context, username string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return fmt.Errorf("ingest: seed: %w", repositories.ErrBadScope)
	}
	p.logger.Info("enqueueing seed jobs", zap.String("username", username))

	scope := db.JobScope{Username: username}
	if _, err := p.jobs.Enqueue(ctx, db.JobKindProfile, nil, scope, repositories.EnqueueOptions{
		Priority:    1,
		MaxAttempts: p.cfg.MaxAttempts,
	}); err != nil {
		return err
	}
	if _, err := p.jobs.Enqueue(ctx, db.JobKindStats, nil, scope, repositories.EnqueueOptions{
		Priority:    2,
		Delay:       15 * time.Second,
		MaxAttempts: p.cfg.MaxAttempts,
	}); err != nil {
		return err
	}
	_, err := p.jobs.Enqueue(ctx, db.JobKindArchives, nil, scope, repositories.EnqueueOptions{
		Priority:    3,
		Delay:       30 * time.Second,
		MaxAttempts: p.cfg.MaxAttempts,
	})
	return err
}

// EnqueueLichessSeed bootstraps ingestion for one lichess username.
func (p *Processor) EnqueueLichessSeed(ctx context.Context, username string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return fmt.Errorf("ingest: lichess seed: %w", repositories.ErrBadScope)
	}
	p.logger.Info("enqueueing lichess seed job", zap.String("username", username))
	_, err := p.jobs.Enqueue(ctx, db.JobKindLichessProfile, nil, db.JobScope{Username: username},
		repositories.EnqueueOptions{Priority: 1, MaxAttempts: p.cfg.MaxAttempts})
	return err
}

// Process runs the handler for one claimed job. Any returned error is
// translated into a retry or terminal failure by the worker loop.
func (p *Processor) Process(ctx context.Context, job *db.IngestionJob) error {
	switch job.JobType {
	case db.JobKindProfile:
		return p.processProfile(ctx, job)
	case db.JobKindStats:
		return p.processStats(ctx, job)
	case db.JobKindArchives:
		return p.processArchives(ctx, job)
	case db.JobKindGames:
		return p.processGames(ctx, job)
	case db.JobKindLichessProfile:
		return p.processLichessProfile(ctx, job)
	default:
		return fmt.Errorf("ingest: unsupported job type %q: %w", job.JobType, repositories.ErrBadScope)
	}
}

// RecordFailure marks the job subject's ingestion state with the handler
// error. Best effort: a player that was never materialized has no state row
// to mark, and an error here must not mask the handler error, so problems
// are only logged.
func (p *Processor) RecordFailure(ctx context.Context, job *db.IngestionJob, procErr error) {
	msg := procErr.Error()
	switch job.JobType {
	case db.JobKindProfile, db.JobKindStats, db.JobKindArchives, db.JobKindGames:
		playerID, ok := p.lookupPlayerID(ctx, job)
		if !ok {
			return
		}
		err := p.players.TouchIngestionState(ctx, playerID, repositories.StateTouch{
			Status: db.IngestError,
			Error:  &msg,
		})
		if err != nil {
			p.logger.Warn("failed to record error state",
				zap.Int64("job_id", job.ID), zap.Int64("player_id", playerID), zap.Error(err))
		}
	case db.JobKindLichessProfile:
		username := strings.ToLower(job.Scope.Username)
		if username == "" {
			return
		}
		playerID, err := p.lichess.GetIDByUsername(ctx, username)
		if err != nil {
			if !errors.Is(err, repositories.ErrNotFound) {
				p.logger.Warn("lichess player lookup failed while recording error state",
					zap.Int64("job_id", job.ID), zap.Error(err))
			}
			return
		}
		if err := p.lichess.TouchState(ctx, playerID, nil, db.IngestError, &msg); err != nil {
			p.logger.Warn("failed to record lichess error state",
				zap.Int64("job_id", job.ID), zap.Int64("player_id", playerID), zap.Error(err))
		}
	}
}

// lookupPlayerID resolves the job subject from local data only, never the
// upstream API.
func (p *Processor) lookupPlayerID(ctx context.Context, job *db.IngestionJob) (int64, bool) {
	if job.PlayerID != nil {
		return *job.PlayerID, true
	}
	username := strings.ToLower(job.Scope.Username)
	if username == "" {
		return 0, false
	}
	id, err := p.players.GetIDByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			p.logger.Warn("player lookup failed while recording error state",
				zap.Int64("job_id", job.ID), zap.Error(err))
		}
		return 0, false
	}
	return id, true
}

// resolveUsername extracts the job's subject: the scope username when
// present, otherwise the reverse lookup through the job's player reference.
func (p *Processor) resolveUsername(ctx context.Context, job *db.IngestionJob) (string, error) {
	if username := strings.ToLower(job.Scope.Username); username != "" {
		return username, nil
	}
	if job.PlayerID != nil {
		username, err := p.players.GetUsernameByID(ctx, *job.PlayerID)
		if err == nil {
			return username, nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("ingest: job %d missing username: %w", job.ID, repositories.ErrBadScope)
}

// resolvePlayerID finds the internal id for a job, falling back to a lazy
// profile fetch when the player is not materialized yet.
func (p *Processor) resolvePlayerID(ctx context.Context, job *db.IngestionJob, username string) (int64, error) {
	if job.PlayerID != nil {
		return *job.PlayerID, nil
	}
	id, err := p.players.GetIDByUsername(ctx, username)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return 0, err
	}
	return p.ensurePlayer(ctx, username)
}

// ensurePlayer materializes a player row from the live API when no local row
// exists yet. Used for job subjects and lazily for game opponents.
func (p *Processor) ensurePlayer(ctx context.Context, username string) (int64, error) {
	id, err := p.players.GetIDByUsername(ctx, username)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return 0, err
	}

	p.logger.Info("player missing locally, fetching profile lazily", zap.String("username", username))
	profile, err := p.chessAPI.FetchProfile(ctx, username)
	if err != nil {
		return 0, err
	}
	id, err = p.players.UpsertPlayer(ctx, profile)
	if err != nil {
		return 0, err
	}
	err = p.players.TouchIngestionState(ctx, id, repositories.StateTouch{Status: db.IngestIdle})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (p *Processor) processProfile(ctx context.Context, job *db.IngestionJob) error {
	username, err := p.resolveUsername(ctx, job)
	if err != nil {
		return err
	}
	p.logger.Info("refreshing profile", zap.String("username", username))

	profile, err := p.chessAPI.FetchProfile(ctx, username)
	if err != nil {
		return err
	}
	playerID, err := p.players.UpsertPlayer(ctx, profile)
	if err != nil {
		return err
	}
	next := nowSeconds() + int64(p.cfg.ProfileRefresh/time.Second)
	err = p.players.TouchIngestionState(ctx, playerID, repositories.StateTouch{
		ProfileNext: &next,
		Status:      db.IngestIdle,
	})
	if err != nil {
		return err
	}

	// Cascade: a fresh profile is the trigger to refresh the rest.
	scope := db.JobScope{Username: username}
	if _, err := p.jobs.Enqueue(ctx, db.JobKindStats, &playerID, scope, repositories.EnqueueOptions{
		Priority:    2,
		MaxAttempts: p.cfg.MaxAttempts,
	}); err != nil {
		return err
	}
	_, err = p.jobs.Enqueue(ctx, db.JobKindArchives, &playerID, scope, repositories.EnqueueOptions{
		Priority:    3,
		MaxAttempts: p.cfg.MaxAttempts,
	})
	return err
}

func (p *Processor) processStats(ctx context.Context, job *db.IngestionJob) error {
	username, err := p.resolveUsername(ctx, job)
	if err != nil {
		return err
	}
	p.logger.Info("refreshing stats", zap.String("username", username))

	stats, err := p.chessAPI.FetchStats(ctx, username)
	if err != nil {
		return err
	}
	playerID, err := p.resolvePlayerID(ctx, job, username)
	if err != nil {
		return err
	}
	if err := p.players.UpsertStats(ctx, playerID, stats); err != nil {
		return err
	}
	next := nowSeconds() + int64(p.cfg.StatsRefresh/time.Second)
	return p.players.TouchIngestionState(ctx, playerID, repositories.StateTouch{
		StatsNext: &next,
		Status:    db.IngestIdle,
	})
}

func (p *Processor) processArchives(ctx context.Context, job *db.IngestionJob) error {
	username, err := p.resolveUsername(ctx, job)
	if err != nil {
		return err
	}
	p.logger.Info("refreshing archives", zap.String("username", username))

	archives, err := p.chessAPI.FetchArchives(ctx, username)
	if err != nil {
		return err
	}
	if limit := p.cfg.ArchiveMonthLimit; limit > 0 && len(archives) > limit {
		p.logger.Info("limiting archive enumeration to most recent months",
			zap.String("username", username),
			zap.Int("limit", limit),
			zap.Int("available", len(archives)))
		archives = archives[len(archives)-limit:]
	}

	playerID, err := p.resolvePlayerID(ctx, job, username)
	if err != nil {
		return err
	}

	newJobs := 0
	for _, archiveURL := range archives {
		year, month, ok := parseArchivePath(archiveURL)
		if !ok {
			p.logger.Warn("could not parse archive path", zap.String("url", archiveURL))
			continue
		}
		_, inserted, err := p.archives.UpsertMonthlyArchive(ctx, playerID, year, month, archiveURL, p.cfg.ArchiveJobPriority)
		if err != nil {
			return err
		}
		if !inserted {
			continue
		}
		_, err = p.jobs.Enqueue(ctx, db.JobKindGames, &playerID, db.JobScope{
			Username:   username,
			ArchiveURL: archiveURL,
			Year:       year,
			Month:      month,
		}, repositories.EnqueueOptions{
			Priority:    p.cfg.ArchiveJobPriority,
			MaxAttempts: p.cfg.MaxAttempts,
		})
		if err != nil {
			return err
		}
		newJobs++
	}

	next := nowSeconds() + int64(p.cfg.ArchiveRefresh/time.Second)
	err = p.players.TouchIngestionState(ctx, playerID, repositories.StateTouch{
		ArchivesNext: &next,
		Status:       db.IngestIdle,
	})
	if err != nil {
		return err
	}
	p.logger.Info("archive refresh complete",
		zap.String("username", username), zap.Int("new_games_jobs", newJobs))
	return nil
}

func (p *Processor) processGames(ctx context.Context, job *db.IngestionJob) error {
	username, err := p.resolveUsername(ctx, job)
	if err != nil {
		return err
	}
	scope := job.Scope
	if scope.ArchiveURL == "" || scope.Year == 0 || scope.Month == 0 {
		return fmt.Errorf("ingest: games job %d missing archive scope: %w", job.ID, repositories.ErrBadScope)
	}
	p.logger.Info("fetching games",
		zap.String("username", username), zap.Int("year", scope.Year), zap.Int("month", scope.Month))

	data, err := p.chessAPI.FetchArchiveGames(ctx, scope.ArchiveURL)
	if err != nil {
		return err
	}
	playerID, err := p.resolvePlayerID(ctx, job, username)
	if err != nil {
		return err
	}
	archiveID, err := p.archives.GetArchiveID(ctx, playerID, scope.Year, scope.Month)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("ingest: games job %d: archive row missing locally", job.ID)
		}
		return err
	}

	stored := 0
	for _, game := range data.Games {
		whiteID, err := p.ensureSide(ctx, game.White.Username)
		if err != nil {
			return err
		}
		blackID, err := p.ensureSide(ctx, game.Black.Username)
		if err != nil {
			return err
		}
		if err := p.archives.UpsertGame(ctx, gameRow(&game, archiveID, whiteID, blackID)); err != nil {
			return err
		}
		stored++
	}

	p.logger.Info("stored games",
		zap.Int("count", stored), zap.Int("year", scope.Year), zap.Int("month", scope.Month))
	return p.archives.MarkArchiveSucceeded(ctx, playerID, scope.Year, scope.Month, nowSeconds())
}

// ensureSide materializes one side's player. An upstream refusal (renamed or
// banned account) leaves the reference null rather than failing the whole
// month; the game row keeps a weak side and a later re-ingestion may link it.
func (p *Processor) ensureSide(ctx context.Context, username string) (*int64, error) {
	username = strings.ToLower(username)
	if username == "" {
		return nil, nil
	}
	id, err := p.ensurePlayer(ctx, username)
	if err != nil {
		var upstream *chesscom.UpstreamError
		if errors.As(err, &upstream) {
			p.logger.Warn("opponent profile unavailable, leaving side unlinked",
				zap.String("username", username), zap.Int("status", upstream.StatusCode))
			return nil, nil
		}
		return nil, err
	}
	return &id, nil
}

func (p *Processor) processLichessProfile(ctx context.Context, job *db.IngestionJob) error {
	username, err := p.resolveUsername(ctx, job)
	if err != nil {
		return err
	}
	p.logger.Info("refreshing lichess profile", zap.String("username", username))

	user, err := p.lichessAPI.FetchUser(ctx, username)
	if err != nil {
		return err
	}
	playerID, err := p.lichess.UpsertUser(ctx, user)
	if err != nil {
		return err
	}
	if err := p.lichess.UpsertPerfs(ctx, playerID, user.Perfs); err != nil {
		return err
	}
	now := nowMillis()
	return p.lichess.TouchState(ctx, playerID, &now, db.IngestIdle, nil)
}

// parseArchivePath pulls (year, month) from an archive URL, which always ends
// in /YYYY/MM possibly with a trailing slash.
func parseArchivePath(archiveURL string) (int, int, bool) {
	segments := strings.Split(strings.TrimRight(archiveURL, "/"), "/")
	if len(segments) < 2 {
		return 0, 0, false
	}
	year, err := strconv.Atoi(segments[len(segments)-2])
	if err != nil {
		return 0, 0, false
	}
	month, err := strconv.Atoi(segments[len(segments)-1])
	if err != nil {
		return 0, 0, false
	}
	return year, month, true
}

// gameRow maps one archive game document onto a games row. The eco field is
// itself an opening URL on this API, so it doubles as the eco_url fallback
// and the code is the URL's last path segment.
func gameRow(game *chesscom.ArchiveGame, archiveID int64, whiteID, blackID *int64) *db.Game {
	ecoURL := game.ECOURL
	if ecoURL == nil || *ecoURL == "" {
		ecoURL = game.ECO
	}
	var ecoCode *string
	if ecoURL != nil && strings.Contains(*ecoURL, "/") {
		code := (*ecoURL)[strings.LastIndex(*ecoURL, "/")+1:]
		ecoCode = &code
	}

	row := &db.Game{
		URL:           game.URL,
		PGN:           game.PGN,
		TimeControl:   game.TimeControl,
		StartTime:     game.StartTime,
		EndTime:       game.EndTime,
		Rated:         game.Rated,
		TimeClass:     game.TimeClass,
		Rules:         game.Rules,
		ECOURL:        ecoURL,
		ECOCode:       ecoCode,
		FEN:           game.FEN,
		InitialSetup:  game.InitialSetup,
		TCN:           game.TCN,
		WhitePlayerID: whiteID,
		WhiteRating:   game.White.Rating,
		WhiteResult:   game.White.Result,
		WhiteUUID:     game.White.UUID,
		BlackPlayerID: blackID,
		BlackRating:   game.Black.Rating,
		BlackResult:   game.Black.Result,
		BlackUUID:     game.Black.UUID,
		ArchiveID:     archiveID,
	}
	if game.Accuracies != nil {
		row.WhiteAccuracy = game.Accuracies.White
		row.BlackAccuracy = game.Accuracies.Black
	}
	return row
}
