package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rookery-io/rookery/internal/chesscom"
	"github.com/rookery-io/rookery/internal/db"
)

func nowSeconds() int64 { return time.Now().Unix() }

// gormPlayerRepository is the GORM implementation of PlayerRepository.
type gormPlayerRepository struct {
	db *gorm.DB
}

// NewPlayerRepository returns a PlayerRepository backed by the provided *gorm.DB.
func NewPlayerRepository(db *gorm.DB) PlayerRepository {
	return &gormPlayerRepository{db: db}
}

// countryCode derives the two-letter code from a country API URL by taking
// the last path segment uppercased.
func countryCode(countryURL *string) *string {
	if countryURL == nil || !strings.Contains(*countryURL, "/") {
		return nil
	}
	segment := (*countryURL)[strings.LastIndex(*countryURL, "/")+1:]
	if segment == "" {
		return nil
	}
	code := strings.ToUpper(segment)
	return &code
}

// twitchURL picks the twitch entry out of the streaming platforms list,
// falling back to the profile's top-level twitch_url field.
func twitchURL(profile *chesscom.Profile) *string {
	for _, sp := range profile.StreamingPlatforms {
		if strings.EqualFold(sp.Platform, "twitch") && sp.URL != "" {
			url := sp.URL
			return &url
		}
	}
	return profile.TwitchURL
}

func (r *gormPlayerRepository) UpsertPlayer(ctx context.Context, profile *chesscom.Profile) (int64, error) {
	username := strings.ToLower(profile.Username)
	if username == "" || profile.PlayerID == 0 {
		return 0, fmt.Errorf("players: profile missing username or player_id")
	}

	now := nowSeconds()
	display := profile.Username
	row := db.Player{
		ChesscomPlayerID: profile.PlayerID,
		Username:         username,
		DisplayUsername:  &display,
		Name:             profile.Name,
		Title:            profile.Title,
		Status:           profile.Status,
		League:           profile.League,
		CountryURL:       profile.Country,
		CountryCode:      countryCode(profile.Country),
		Avatar:           profile.Avatar,
		TwitchURL:        twitchURL(profile),
		Followers:        profile.Followers,
		Joined:           profile.Joined,
		LastOnline:       profile.LastOnline,
		IsStreamer:       profile.IsStreamer,
		Verified:         profile.Verified,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var id int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "chesscom_player_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"username": gorm.Expr("excluded.username"),
				// Sparse fields never clobber previously populated values.
				"display_username": gorm.Expr("COALESCE(excluded.display_username, display_username)"),
				"avatar":           gorm.Expr("COALESCE(excluded.avatar, avatar)"),
				"twitch_url":       gorm.Expr("COALESCE(excluded.twitch_url, twitch_url)"),
				"joined":           gorm.Expr("COALESCE(excluded.joined, joined)"),
				"name":             gorm.Expr("excluded.name"),
				"title":            gorm.Expr("excluded.title"),
				"status":           gorm.Expr("excluded.status"),
				"league":           gorm.Expr("excluded.league"),
				"country_url":      gorm.Expr("excluded.country_url"),
				"country_code":     gorm.Expr("excluded.country_code"),
				"followers":        gorm.Expr("excluded.followers"),
				"last_online":      gorm.Expr("excluded.last_online"),
				"is_streamer":      gorm.Expr("excluded.is_streamer"),
				"verified":         gorm.Expr("excluded.verified"),
				"updated_at":       gorm.Expr("excluded.updated_at"),
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		// The conflict-update path does not backfill row.ID on every dialect;
		// resolve it explicitly.
		var existing db.Player
		if err := tx.Select("id").First(&existing, "chesscom_player_id = ?", profile.PlayerID).Error; err != nil {
			return err
		}
		id = existing.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("players: upsert: %w", err)
	}
	return id, nil
}

func (r *gormPlayerRepository) GetIDByUsername(ctx context.Context, username string) (int64, error) {
	var player db.Player
	err := r.db.WithContext(ctx).Select("id").First(&player, "username = ?", strings.ToLower(username)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("players: get id by username: %w", err)
	}
	return player.ID, nil
}

func (r *gormPlayerRepository) GetUsernameByID(ctx context.Context, id int64) (string, error) {
	var player db.Player
	err := r.db.WithContext(ctx).Select("username").First(&player, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("players: get username by id: %w", err)
	}
	return player.Username, nil
}

// TouchIngestionState writes the last/next pair for each touched refresh
// type and always refreshes status, error and updated_at. Untouched pairs
// are inserted as NULL and preserved on conflict via COALESCE.
func (r *gormPlayerRepository) TouchIngestionState(ctx context.Context, playerID int64, touch StateTouch) error {
	now := nowSeconds()
	row := db.PlayerIngestionState{
		PlayerID:  playerID,
		Status:    touch.Status,
		UpdatedAt: now,
	}
	if touch.Error != nil {
		row.Error = truncateError(*touch.Error)
	}
	if touch.ProfileNext != nil {
		row.LastProfileFetch = &now
		row.NextProfileFetch = touch.ProfileNext
	}
	if touch.StatsNext != nil {
		row.LastStatsFetch = &now
		row.NextStatsFetch = touch.StatsNext
	}
	if touch.ArchivesNext != nil {
		row.LastArchivesScan = &now
		row.NextArchivesScan = touch.ArchivesNext
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "player_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_profile_fetch": gorm.Expr("COALESCE(excluded.last_profile_fetch, last_profile_fetch)"),
			"next_profile_fetch": gorm.Expr("COALESCE(excluded.next_profile_fetch, next_profile_fetch)"),
			"last_stats_fetch":   gorm.Expr("COALESCE(excluded.last_stats_fetch, last_stats_fetch)"),
			"next_stats_fetch":   gorm.Expr("COALESCE(excluded.next_stats_fetch, next_stats_fetch)"),
			"last_archives_scan": gorm.Expr("COALESCE(excluded.last_archives_scan, last_archives_scan)"),
			"next_archives_scan": gorm.Expr("COALESCE(excluded.next_archives_scan, next_archives_scan)"),
			"status":             gorm.Expr("excluded.status"),
			"error":              gorm.Expr("excluded.error"),
			"updated_at":         gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("players: touch ingestion state: %w", err)
	}
	return nil
}

// UpsertStats iterates the chess_* mode keys, deriving the rule set
// ("chess960" when the key contains 960, "chess" otherwise) and the time
// class (the last underscore-separated segment), then writes the sub-stats.
func (r *gormPlayerRepository) UpsertStats(ctx context.Context, playerID int64, stats *chesscom.Stats) error {
	now := nowSeconds()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, mode := range stats.Modes() {
			segments := strings.Split(key, "_")
			timeClass := segments[len(segments)-1]
			rules := "chess"
			if strings.Contains(key, "960") {
				rules = "chess960"
			}

			row := db.PlayerStats{
				PlayerID:       playerID,
				Rules:          rules,
				TimeClass:      timeClass,
				TimePerMove:    mode.TimePerMove,
				TimeoutPercent: mode.TimeoutPercent,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if mode.Last != nil {
				row.LastRating = mode.Last.Rating
				row.LastRatingDate = mode.Last.Date
				row.LastRD = mode.Last.RD
			}
			if mode.Best != nil {
				row.BestRating = mode.Best.Rating
				row.BestDate = mode.Best.Date
				row.BestGameURL = mode.Best.Game
			}
			if mode.Record != nil {
				row.RecordWin = mode.Record.Win
				row.RecordLoss = mode.Record.Loss
				row.RecordDraw = mode.Record.Draw
			}

			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "player_id"}, {Name: "rules"}, {Name: "time_class"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"last_rating", "last_rating_date", "last_rd",
					"best_rating", "best_date", "best_game_url",
					"record_win", "record_loss", "record_draw",
					"time_per_move", "timeout_percent", "updated_at",
				}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}

		if stats.Tactics != nil {
			if err := upsertHighLow(tx, &db.PlayerTacticsStats{PlayerID: playerID, UpdatedAt: now}, stats.Tactics); err != nil {
				return err
			}
		}
		if stats.Lessons != nil {
			if err := upsertHighLow(tx, &db.PlayerLessonsStats{PlayerID: playerID, UpdatedAt: now}, stats.Lessons); err != nil {
				return err
			}
		}
		if stats.PuzzleRush != nil {
			if err := upsertPuzzleRush(tx, playerID, stats.PuzzleRush, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("players: upsert stats: %w", err)
	}
	return nil
}

// upsertHighLow writes a tactics or lessons sub-stat row; dst selects the
// target table and must carry the player id and timestamp.
func upsertHighLow(tx *gorm.DB, dst interface{}, stat *chesscom.HighLowStat) error {
	var highRating, highDate, lowRating, lowDate *int64
	if stat.Highest != nil {
		highRating, highDate = stat.Highest.Rating, stat.Highest.Date
	}
	if stat.Lowest != nil {
		lowRating, lowDate = stat.Lowest.Rating, stat.Lowest.Date
	}

	switch row := dst.(type) {
	case *db.PlayerTacticsStats:
		row.HighestRating, row.HighestDate = highRating, highDate
		row.LowestRating, row.LowestDate = lowRating, lowDate
	case *db.PlayerLessonsStats:
		row.HighestRating, row.HighestDate = highRating, highDate
		row.LowestRating, row.LowestDate = lowRating, lowDate
	default:
		return fmt.Errorf("players: unsupported high/low stat type %T", dst)
	}

	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "player_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"highest_rating", "highest_date", "lowest_rating", "lowest_date", "updated_at",
		}),
	}).Create(dst).Error
}

func upsertPuzzleRush(tx *gorm.DB, playerID int64, pr *chesscom.PuzzleRush, now int64) error {
	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "player_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_attempts", "score", "updated_at"}),
	}

	best := db.PlayerPuzzleRushBest{PlayerID: playerID, UpdatedAt: now}
	if pr.Best != nil {
		best.TotalAttempts, best.Score = pr.Best.TotalAttempts, pr.Best.Score
	}
	if err := tx.Clauses(conflict).Create(&best).Error; err != nil {
		return err
	}

	daily := db.PlayerPuzzleRushDaily{PlayerID: playerID, UpdatedAt: now}
	if pr.Daily != nil {
		daily.TotalAttempts, daily.Score = pr.Daily.TotalAttempts, pr.Daily.Score
	}
	return tx.Clauses(conflict).Create(&daily).Error
}

// dueRefreshRow is the scan target of the due-refresh query.
type dueRefreshRow struct {
	PlayerID         int64
	Username         string
	NextProfileFetch *int64
	NextStatsFetch   *int64
	NextArchivesScan *int64
}

func (r *gormPlayerRepository) ListDueRefreshes(ctx context.Context, now int64, limit int) ([]DueRefresh, error) {
	var rows []dueRefreshRow
	err := r.db.WithContext(ctx).Raw(`
		SELECT s.player_id, p.username,
		       s.next_profile_fetch, s.next_stats_fetch, s.next_archives_scan
		FROM player_ingestion_state s
		JOIN players p ON p.id = s.player_id
		WHERE (s.next_profile_fetch IS NOT NULL AND s.next_profile_fetch <= ?)
		   OR (s.next_stats_fetch IS NOT NULL AND s.next_stats_fetch <= ?)
		   OR (s.next_archives_scan IS NOT NULL AND s.next_archives_scan <= ?)
		ORDER BY s.player_id
		LIMIT ?`, now, now, now, limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("players: list due refreshes: %w", err)
	}

	due := make([]DueRefresh, 0, len(rows))
	for _, row := range rows {
		due = append(due, DueRefresh{
			PlayerID:    row.PlayerID,
			Username:    row.Username,
			ProfileDue:  row.NextProfileFetch != nil && *row.NextProfileFetch <= now,
			StatsDue:    row.NextStatsFetch != nil && *row.NextStatsFetch <= now,
			ArchivesDue: row.NextArchivesScan != nil && *row.NextArchivesScan <= now,
		})
	}
	return due, nil
}
