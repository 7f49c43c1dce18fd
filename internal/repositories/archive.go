package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rookery-io/rookery/internal/db"
)

// gormArchiveRepository is the GORM implementation of ArchiveRepository.
type gormArchiveRepository struct {
	db *gorm.DB
}

// NewArchiveRepository returns an ArchiveRepository backed by the provided *gorm.DB.
func NewArchiveRepository(db *gorm.DB) ArchiveRepository {
	return &gormArchiveRepository{db: db}
}

// UpsertMonthlyArchive records one discovered month. The inserted flag tells
// the enumerator whether a child games job is warranted; it is derived from a
// pre-insert existence check inside the transaction, which is portable where
// postgres-only tricks (xmax) are not.
func (r *gormArchiveRepository) UpsertMonthlyArchive(ctx context.Context, playerID int64, year, month int, url string, priority int) (int64, bool, error) {
	now := nowSeconds()
	var id int64
	var inserted bool

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.MonthlyArchive
		err := tx.Select("id").
			First(&existing, "player_id = ? AND year = ? AND month = ?", playerID, year, month).Error
		switch {
		case err == nil:
			inserted = false
		case errors.Is(err, gorm.ErrRecordNotFound):
			inserted = true
		default:
			return err
		}

		row := db.MonthlyArchive{
			PlayerID:    playerID,
			Year:        year,
			Month:       month,
			URL:         url,
			FetchStatus: db.ArchivePending,
			Priority:    priority,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		// Rediscovery of a succeeded month keeps its status and retry count;
		// anything else resets to pending for a fresh fetch.
		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "player_id"}, {Name: "year"}, {Name: "month"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"url":          gorm.Expr("excluded.url"),
				"updated_at":   gorm.Expr("excluded.updated_at"),
				"fetch_status": gorm.Expr("CASE WHEN fetch_status = 'succeeded' THEN fetch_status ELSE 'pending' END"),
				"retry_count":  gorm.Expr("CASE WHEN fetch_status = 'succeeded' THEN retry_count ELSE 0 END"),
				"priority":     gorm.Expr("CASE WHEN priority <= excluded.priority THEN priority ELSE excluded.priority END"),
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		if inserted {
			var created db.MonthlyArchive
			if err := tx.Select("id").
				First(&created, "player_id = ? AND year = ? AND month = ?", playerID, year, month).Error; err != nil {
				return err
			}
			id = created.ID
		} else {
			id = existing.ID
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("archives: upsert month %d/%02d: %w", year, month, err)
	}
	return id, inserted, nil
}

func (r *gormArchiveRepository) GetArchiveID(ctx context.Context, playerID int64, year, month int) (int64, error) {
	var archive db.MonthlyArchive
	err := r.db.WithContext(ctx).Select("id").
		First(&archive, "player_id = ? AND year = ? AND month = ?", playerID, year, month).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("archives: get id: %w", err)
	}
	return archive.ID, nil
}

func (r *gormArchiveRepository) MarkArchiveSucceeded(ctx context.Context, playerID int64, year, month int, now int64) error {
	err := r.db.WithContext(ctx).Model(&db.MonthlyArchive{}).
		Where("player_id = ? AND year = ? AND month = ?", playerID, year, month).
		Updates(map[string]interface{}{
			"fetch_status":       db.ArchiveSucceeded,
			"retry_count":        0,
			"next_retry_at":      nil,
			"last_fetch_attempt": now,
			"last_success_at":    now,
			"updated_at":         now,
		}).Error
	if err != nil {
		return fmt.Errorf("archives: mark succeeded: %w", err)
	}
	return nil
}

// UpsertGame writes one game keyed on its URL. Re-ingestion refreshes every
// mutable field, but a side's player reference never reverts to null: a later
// batch where the opponent failed to materialize must not erase an earlier
// successful link.
func (r *gormArchiveRepository) UpsertGame(ctx context.Context, game *db.Game) error {
	if game.URL == "" {
		return nil
	}
	if game.CreatedAt == 0 {
		game.CreatedAt = nowSeconds()
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "url"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"pgn":             gorm.Expr("excluded.pgn"),
			"time_control":    gorm.Expr("excluded.time_control"),
			"end_time":        gorm.Expr("excluded.end_time"),
			"rated":           gorm.Expr("excluded.rated"),
			"time_class":      gorm.Expr("excluded.time_class"),
			"rules":           gorm.Expr("excluded.rules"),
			"eco_url":         gorm.Expr("excluded.eco_url"),
			"eco_code":        gorm.Expr("excluded.eco_code"),
			"fen":             gorm.Expr("excluded.fen"),
			"initial_setup":   gorm.Expr("excluded.initial_setup"),
			"tcn":             gorm.Expr("excluded.tcn"),
			"white_accuracy":  gorm.Expr("excluded.white_accuracy"),
			"black_accuracy":  gorm.Expr("excluded.black_accuracy"),
			"white_player_id": gorm.Expr("COALESCE(excluded.white_player_id, white_player_id)"),
			"black_player_id": gorm.Expr("COALESCE(excluded.black_player_id, black_player_id)"),
			"white_rating":    gorm.Expr("excluded.white_rating"),
			"black_rating":    gorm.Expr("excluded.black_rating"),
			"white_result":    gorm.Expr("excluded.white_result"),
			"black_result":    gorm.Expr("excluded.black_result"),
			"white_uuid":      gorm.Expr("excluded.white_uuid"),
			"black_uuid":      gorm.Expr("excluded.black_uuid"),
			"archive_id":      gorm.Expr("excluded.archive_id"),
		}),
	}).Create(game).Error
	if err != nil {
		return fmt.Errorf("games: upsert %s: %w", game.URL, err)
	}
	return nil
}
