package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rookery-io/rookery/internal/db"
	"github.com/rookery-io/rookery/internal/lichess"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// gormLichessRepository is the GORM implementation of LichessRepository.
// The lichess tables keep upstream's millisecond timestamps.
type gormLichessRepository struct {
	db *gorm.DB
}

// NewLichessRepository returns a LichessRepository backed by the provided *gorm.DB.
func NewLichessRepository(db *gorm.DB) LichessRepository {
	return &gormLichessRepository{db: db}
}

func (r *gormLichessRepository) UpsertUser(ctx context.Context, user *lichess.User) (int64, error) {
	username := strings.ToLower(user.Username)
	if username == "" {
		username = user.ID
	}
	if username == "" {
		return 0, fmt.Errorf("lichess players: user document missing username")
	}

	display := user.Username
	row := db.LichessPlayer{
		Username:         username,
		DisplayUsername:  &display,
		Title:            user.Title,
		Patron:           user.Patron,
		TosViolation:     user.TosViolation,
		Disabled:         user.Disabled,
		Verified:         user.Verified,
		AccountCreatedAt: user.CreatedAt,
		SeenAt:           user.SeenAt,
		URL:              user.URL,
		Flair:            user.Flair,
		IngestedAt:       nowMillis(),
	}
	if user.PlayTime != nil {
		row.PlayTimeTotal = user.PlayTime.Total
	}
	if user.Profile != nil {
		row.Bio = user.Profile.Bio
		row.Country = user.Profile.Country
	}

	var id int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "username"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"display_username": gorm.Expr("COALESCE(excluded.display_username, display_username)"),
				"title":            gorm.Expr("excluded.title"),
				"patron":           gorm.Expr("excluded.patron"),
				"tos_violation":    gorm.Expr("excluded.tos_violation"),
				"disabled":         gorm.Expr("excluded.disabled"),
				"verified":         gorm.Expr("excluded.verified"),
				"created_at":       gorm.Expr("COALESCE(excluded.created_at, created_at)"),
				"seen_at":          gorm.Expr("excluded.seen_at"),
				"play_time_total":  gorm.Expr("excluded.play_time_total"),
				"url":              gorm.Expr("COALESCE(excluded.url, url)"),
				"bio":              gorm.Expr("excluded.bio"),
				"country":          gorm.Expr("excluded.country"),
				"flair":            gorm.Expr("excluded.flair"),
				"ingested_at":      gorm.Expr("excluded.ingested_at"),
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		var existing db.LichessPlayer
		if err := tx.Select("id").First(&existing, "username = ?", username).Error; err != nil {
			return err
		}
		id = existing.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("lichess players: upsert: %w", err)
	}
	return id, nil
}

func (r *gormLichessRepository) GetIDByUsername(ctx context.Context, username string) (int64, error) {
	var player db.LichessPlayer
	err := r.db.WithContext(ctx).Select("id").First(&player, "username = ?", strings.ToLower(username)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("lichess players: get id by username: %w", err)
	}
	return player.ID, nil
}

// UpsertPerfs writes one stats row per perf that carries a rating. Pools
// that only report counts (storm, streak) are skipped.
func (r *gormLichessRepository) UpsertPerfs(ctx context.Context, playerID int64, perfs map[string]lichess.Perf) error {
	now := nowMillis()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for name, perf := range perfs {
			if perf.Rating == nil {
				continue
			}
			row := db.LichessPlayerStats{
				PlayerID:  playerID,
				Perf:      name,
				Rating:    perf.Rating,
				RD:        perf.RD,
				Prog:      perf.Prog,
				Games:     perf.Games,
				Prov:      perf.Prov,
				FetchedAt: now,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "player_id"}, {Name: "perf"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"rating", "rd", "prog", "games", "prov", "fetched_at",
				}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lichess players: upsert perfs: %w", err)
	}
	return nil
}

func (r *gormLichessRepository) TouchState(ctx context.Context, playerID int64, profileFetchMs *int64, status string, errMsg *string) error {
	row := db.LichessPlayerIngestionState{
		PlayerID:         playerID,
		LastProfileFetch: profileFetchMs,
		Status:           status,
		UpdatedAt:        nowMillis(),
	}
	if errMsg != nil {
		row.Error = truncateError(*errMsg)
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "player_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_profile_fetch": gorm.Expr("COALESCE(excluded.last_profile_fetch, last_profile_fetch)"),
			"status":             gorm.Expr("excluded.status"),
			"error":              gorm.Expr("excluded.error"),
			"updated_at":         gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("lichess players: touch state: %w", err)
	}
	return nil
}
