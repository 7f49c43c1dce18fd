package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/rookery-io/rookery/internal/db"
)

func seedPlayer(t *testing.T, players PlayerRepository) int64 {
	t.Helper()
	id, err := players.UpsertPlayer(context.Background(), baseProfile())
	if err != nil {
		t.Fatalf("seed player: %v", err)
	}
	return id
}

func TestUpsertMonthlyArchiveInsertedFlag(t *testing.T) {
	database := newTestDB(t)
	archives := NewArchiveRepository(database)
	playerID := seedPlayer(t, NewPlayerRepository(database))
	ctx := context.Background()

	url := "https://api.chess.com/pub/player/alice/games/2024/03"
	id, inserted, err := archives.UpsertMonthlyArchive(ctx, playerID, 2024, 3, url, 5)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !inserted {
		t.Error("first upsert not reported as inserted")
	}

	again, inserted, err := archives.UpsertMonthlyArchive(ctx, playerID, 2024, 3, url, 5)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if inserted {
		t.Error("rediscovery reported as inserted")
	}
	if again != id {
		t.Errorf("rediscovery id = %d, want %d", again, id)
	}

	var count int64
	database.Model(&db.MonthlyArchive{}).Count(&count)
	if count != 1 {
		t.Errorf("archive rows = %d, want 1", count)
	}
}

func TestArchiveSucceededIsSticky(t *testing.T) {
	database := newTestDB(t)
	archives := NewArchiveRepository(database)
	playerID := seedPlayer(t, NewPlayerRepository(database))
	ctx := context.Background()

	url := "https://api.chess.com/pub/player/alice/games/2024/03"
	id, _, err := archives.UpsertMonthlyArchive(ctx, playerID, 2024, 3, url, 5)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := archives.MarkArchiveSucceeded(ctx, playerID, 2024, 3, time.Now().Unix()); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	// Rediscovery during the next archive scan must not reset the status.
	if _, _, err := archives.UpsertMonthlyArchive(ctx, playerID, 2024, 3, url, 5); err != nil {
		t.Fatalf("rediscovery upsert: %v", err)
	}

	var row db.MonthlyArchive
	database.First(&row, id)
	if row.FetchStatus != db.ArchiveSucceeded {
		t.Errorf("fetch_status = %q, want succeeded (sticky)", row.FetchStatus)
	}
	if row.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", row.RetryCount)
	}
	if row.LastSuccessAt == nil {
		t.Error("last_success_at not recorded")
	}
}

func TestArchivePendingResetOnRediscovery(t *testing.T) {
	database := newTestDB(t)
	archives := NewArchiveRepository(database)
	playerID := seedPlayer(t, NewPlayerRepository(database))
	ctx := context.Background()

	url := "https://api.chess.com/pub/player/alice/games/2024/04"
	id, _, err := archives.UpsertMonthlyArchive(ctx, playerID, 2024, 4, url, 5)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	database.Model(&db.MonthlyArchive{}).Where("id = ?", id).
		Updates(map[string]interface{}{"fetch_status": db.ArchiveFailed, "retry_count": 3})

	if _, _, err := archives.UpsertMonthlyArchive(ctx, playerID, 2024, 4, url, 2); err != nil {
		t.Fatalf("rediscovery upsert: %v", err)
	}

	var row db.MonthlyArchive
	database.First(&row, id)
	if row.FetchStatus != db.ArchivePending {
		t.Errorf("fetch_status = %q, want pending (failed is not sticky)", row.FetchStatus)
	}
	if row.RetryCount != 0 {
		t.Errorf("retry_count = %d, want reset to 0", row.RetryCount)
	}
	if row.Priority != 2 {
		t.Errorf("priority = %d, want 2 (min rule)", row.Priority)
	}
}

func TestGetArchiveID(t *testing.T) {
	database := newTestDB(t)
	archives := NewArchiveRepository(database)
	playerID := seedPlayer(t, NewPlayerRepository(database))
	ctx := context.Background()

	id, _, err := archives.UpsertMonthlyArchive(ctx, playerID, 2024, 5, "https://example.com/2024/05", 5)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := archives.GetArchiveID(ctx, playerID, 2024, 5)
	if err != nil {
		t.Fatalf("get id: %v", err)
	}
	if got != id {
		t.Errorf("id = %d, want %d", got, id)
	}
	if _, err := archives.GetArchiveID(ctx, playerID, 1999, 1); err != ErrNotFound {
		t.Errorf("missing archive error = %v, want ErrNotFound", err)
	}
}

func TestUpsertGamePreservesPlayerRefs(t *testing.T) {
	database := newTestDB(t)
	archives := NewArchiveRepository(database)
	playerID := seedPlayer(t, NewPlayerRepository(database))
	ctx := context.Background()

	archiveID, _, err := archives.UpsertMonthlyArchive(ctx, playerID, 2024, 6, "https://example.com/2024/06", 5)
	if err != nil {
		t.Fatalf("upsert archive: %v", err)
	}

	url := "https://www.chess.com/game/live/1"
	game := &db.Game{
		URL:           url,
		WhitePlayerID: &playerID,
		WhiteRating:   i64Ptr(1500),
		WhiteResult:   strPtr("win"),
		BlackResult:   strPtr("resigned"),
		ArchiveID:     archiveID,
	}
	if err := archives.UpsertGame(ctx, game); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Re-ingestion where the white opponent failed to materialize: the
	// earlier link must survive; refreshed fields take the new values.
	update := &db.Game{
		URL:         url,
		WhiteRating: i64Ptr(1510),
		WhiteResult: strPtr("win"),
		BlackResult: strPtr("timeout"),
		ArchiveID:   archiveID,
	}
	if err := archives.UpsertGame(ctx, update); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var row db.Game
	if err := database.First(&row, "url = ?", url).Error; err != nil {
		t.Fatalf("load game: %v", err)
	}
	if row.WhitePlayerID == nil || *row.WhitePlayerID != playerID {
		t.Errorf("white_player_id = %v, want preserved %d", row.WhitePlayerID, playerID)
	}
	if row.WhiteRating == nil || *row.WhiteRating != 1510 {
		t.Errorf("white_rating = %v, want refreshed 1510", row.WhiteRating)
	}
	if row.BlackResult == nil || *row.BlackResult != "timeout" {
		t.Errorf("black_result = %v, want refreshed", row.BlackResult)
	}

	var count int64
	database.Model(&db.Game{}).Count(&count)
	if count != 1 {
		t.Errorf("game rows = %d, want 1", count)
	}
}

func TestUpsertGameSkipsEmptyURL(t *testing.T) {
	database := newTestDB(t)
	archives := NewArchiveRepository(database)

	if err := archives.UpsertGame(context.Background(), &db.Game{}); err != nil {
		t.Fatalf("empty url upsert: %v", err)
	}
	var count int64
	database.Model(&db.Game{}).Count(&count)
	if count != 0 {
		t.Errorf("game rows = %d, want 0", count)
	}
}
