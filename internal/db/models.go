package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// All timestamps on the chess.com side are seconds since epoch, matching the
// upstream API payloads. The lichess tables use milliseconds, again matching
// the upstream. Primary keys are int64 autoincrement rather than UUIDs: the
// job claim order ("priority ASC, id ASC") depends on insertion-ordered ids.

// Job kinds dispatched by the processor.
const (
	JobKindProfile        = "profile"
	JobKindStats          = "stats"
	JobKindArchives       = "archives"
	JobKindGames          = "games"
	JobKindLichessProfile = "lichess_profile"
)

// Job statuses. Queued and locked are live; succeeded, failed and cancelled
// are terminal, except that failed jobs may be revived by a fresh enqueue.
const (
	JobQueued    = "queued"
	JobLocked    = "locked"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Monthly archive fetch statuses.
const (
	ArchivePending   = "pending"
	ArchiveInFlight  = "in_flight"
	ArchiveSucceeded = "succeeded"
	ArchiveFailed    = "failed"
)

// Ingestion-state status tags.
const (
	IngestIdle  = "idle"
	IngestError = "error"
)

// Player is a chess.com account. Username is the lowercase lookup key;
// DisplayUsername preserves the original casing. Rows are created either by a
// deliberate profile refresh or lazily when first seen as a game opponent,
// and are never deleted.
type Player struct {
	ID               int64   `gorm:"primaryKey"`
	ChesscomPlayerID int64   `gorm:"uniqueIndex;not null"`
	Username         string  `gorm:"uniqueIndex;not null"`
	DisplayUsername  *string `gorm:"type:text"`
	Name             *string `gorm:"type:text"`
	Title            *string
	Status           *string
	League           *string
	CountryURL       *string `gorm:"type:text"`
	CountryCode      *string // two-letter code, last segment of CountryURL
	Avatar           *string `gorm:"type:text"`
	TwitchURL        *string `gorm:"type:text"`
	Followers        *int64
	Joined           *int64
	LastOnline       *int64
	IsStreamer       bool  `gorm:"not null;default:false"`
	Verified         bool  `gorm:"not null;default:false"`
	CreatedAt        int64 `gorm:"not null"`
	UpdatedAt        int64 `gorm:"not null"`
}

func (Player) TableName() string { return "players" }

// PlayerIngestionState tracks refresh bookkeeping for one player. The next_*
// columns drive the cadence scheduler; the last_* columns are forensic.
// Touch updates set only the fields for the refresh type that ran, preserving
// the rest via COALESCE.
type PlayerIngestionState struct {
	PlayerID         int64 `gorm:"primaryKey"`
	LastProfileFetch *int64
	NextProfileFetch *int64
	LastStatsFetch   *int64
	NextStatsFetch   *int64
	LastArchivesScan *int64
	NextArchivesScan *int64
	Status           string  `gorm:"not null;default:'idle'"`
	Error            *string `gorm:"type:text"`
	UpdatedAt        int64   `gorm:"not null"`
}

func (PlayerIngestionState) TableName() string { return "player_ingestion_state" }

// PlayerStats is one row per (player, rules, time_class) derived from the
// chess_* keys of the stats payload.
type PlayerStats struct {
	ID             int64  `gorm:"primaryKey"`
	PlayerID       int64  `gorm:"not null;uniqueIndex:idx_player_stats_mode,priority:1"`
	Rules          string `gorm:"not null;uniqueIndex:idx_player_stats_mode,priority:2"`
	TimeClass      string `gorm:"not null;uniqueIndex:idx_player_stats_mode,priority:3"`
	LastRating     *int64
	LastRatingDate *int64
	LastRD         *int64 `gorm:"column:last_rd"`
	BestRating     *int64
	BestDate       *int64
	BestGameURL    *string `gorm:"type:text"`
	RecordWin      *int64
	RecordLoss     *int64
	RecordDraw     *int64
	TimePerMove    *int64
	TimeoutPercent *float64
	CreatedAt      int64 `gorm:"not null"`
	UpdatedAt      int64 `gorm:"not null"`
}

func (PlayerStats) TableName() string { return "player_stats" }

// PlayerTacticsStats holds the tactics sub-stat, one row per player.
type PlayerTacticsStats struct {
	PlayerID      int64 `gorm:"primaryKey"`
	HighestRating *int64
	HighestDate   *int64
	LowestRating  *int64
	LowestDate    *int64
	UpdatedAt     int64 `gorm:"not null"`
}

func (PlayerTacticsStats) TableName() string { return "player_tactics_stats" }

// PlayerLessonsStats holds the lessons sub-stat, one row per player.
type PlayerLessonsStats struct {
	PlayerID      int64 `gorm:"primaryKey"`
	HighestRating *int64
	HighestDate   *int64
	LowestRating  *int64
	LowestDate    *int64
	UpdatedAt     int64 `gorm:"not null"`
}

func (PlayerLessonsStats) TableName() string { return "player_lessons_stats" }

// PlayerPuzzleRushBest holds the all-time puzzle rush score, one row per player.
type PlayerPuzzleRushBest struct {
	PlayerID      int64 `gorm:"primaryKey"`
	TotalAttempts *int64
	Score         *int64
	UpdatedAt     int64 `gorm:"not null"`
}

func (PlayerPuzzleRushBest) TableName() string { return "player_puzzle_rush_best" }

// PlayerPuzzleRushDaily holds the daily puzzle rush score, one row per player.
type PlayerPuzzleRushDaily struct {
	PlayerID      int64 `gorm:"primaryKey"`
	TotalAttempts *int64
	Score         *int64
	UpdatedAt     int64 `gorm:"not null"`
}

func (PlayerPuzzleRushDaily) TableName() string { return "player_puzzle_rush_daily" }

// MonthlyArchive is one calendar month of a player's games, uniquely keyed by
// (player, year, month). A succeeded fetch status is sticky: rediscovery of
// the same month never reverts it or its retry count.
type MonthlyArchive struct {
	ID               int64  `gorm:"primaryKey"`
	PlayerID         int64  `gorm:"not null;uniqueIndex:idx_monthly_archives_month,priority:1"`
	Year             int    `gorm:"not null;uniqueIndex:idx_monthly_archives_month,priority:2"`
	Month            int    `gorm:"not null;uniqueIndex:idx_monthly_archives_month,priority:3"`
	URL              string `gorm:"type:text;not null"`
	FetchStatus      string `gorm:"not null;default:'pending'"`
	RetryCount       int    `gorm:"not null;default:0"`
	NextRetryAt      *int64
	LastFetchAttempt *int64
	LastSuccessAt    *int64
	Priority         int   `gorm:"not null;default:5"`
	CreatedAt        int64 `gorm:"not null"`
	UpdatedAt        int64 `gorm:"not null"`
}

func (MonthlyArchive) TableName() string { return "monthly_archives" }

// Game is one finished game, keyed by its chess.com URL. The per-side player
// references are weak: a side stays null when the opponent could not be
// materialized, and a later re-ingestion may fill it in.
type Game struct {
	ID            int64   `gorm:"primaryKey"`
	URL           string  `gorm:"type:text;uniqueIndex;not null"`
	PGN           *string `gorm:"column:pgn;type:text"`
	TimeControl   *string
	StartTime     *int64
	EndTime       *int64
	Rated         bool `gorm:"not null;default:false"`
	TimeClass     *string
	Rules         *string
	ECOURL        *string `gorm:"column:eco_url;type:text"`
	ECOCode       *string `gorm:"column:eco_code"`
	FEN           *string `gorm:"column:fen;type:text"`
	InitialSetup  *string `gorm:"type:text"`
	TCN           *string `gorm:"column:tcn;type:text"`
	WhiteAccuracy *float64
	BlackAccuracy *float64
	WhitePlayerID *int64 `gorm:"index"`
	WhiteRating   *int64
	WhiteResult   *string
	WhiteUUID     *string `gorm:"column:white_uuid"`
	BlackPlayerID *int64 `gorm:"index"`
	BlackRating   *int64
	BlackResult   *string
	BlackUUID     *string `gorm:"column:black_uuid"`
	ArchiveID     int64   `gorm:"not null;index"`
	CreatedAt     int64   `gorm:"not null"`
}

func (Game) TableName() string { return "games" }

// JobScope is the structured scope document carried by an ingestion job.
// Username is always present; the archive fields are set only on games jobs.
// Stored as JSON text in the scope column.
type JobScope struct {
	Username   string `json:"username,omitempty"`
	ArchiveURL string `json:"archive_url,omitempty"`
	Year       int    `json:"year,omitempty"`
	Month      int    `json:"month,omitempty"`
}

// Value implements driver.Valuer, serializing the scope to JSON.
func (s JobScope) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("db: marshal job scope: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner, accepting JSON as text or bytes.
func (s *JobScope) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = JobScope{}
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("db: cannot scan %T into JobScope", value)
	}
}

// IngestionJob is a persistent unit of work. DedupeKey collapses duplicate
// enqueues of the same (kind, player, scope); see repositories.DedupeKey for
// its construction. AvailableAt is the earliest epoch second a worker may
// claim the job.
type IngestionJob struct {
	ID          int64    `gorm:"primaryKey"`
	PlayerID    *int64   `gorm:"index"`
	JobType     string   `gorm:"not null;index"`
	Scope       JobScope `gorm:"type:text;not null"`
	DedupeKey   string   `gorm:"uniqueIndex;not null"`
	Status      string   `gorm:"not null;default:'queued';index:idx_ingestion_jobs_claim,priority:1"`
	Priority    int      `gorm:"not null;default:5;index:idx_ingestion_jobs_claim,priority:3"`
	Attempts    int      `gorm:"not null;default:0"`
	MaxAttempts int      `gorm:"not null;default:5"`
	AvailableAt int64    `gorm:"not null;index:idx_ingestion_jobs_claim,priority:2"`
	LockedAt    *int64
	LockedBy    *string
	CompletedAt *int64
	Error       *string `gorm:"type:text"`
	CreatedAt   int64   `gorm:"not null"`
	UpdatedAt   int64   `gorm:"not null"`
}

func (IngestionJob) TableName() string { return "ingestion_jobs" }

// FetchLog journals one outbound HTTP call. Append-only; no read path.
type FetchLog struct {
	ID           int64   `gorm:"primaryKey"`
	URL          string  `gorm:"type:text;not null"`
	ETag         *string `gorm:"column:etag"`
	LastModified *string
	StatusCode   int     `gorm:"not null"`
	FetchedAt    int64   `gorm:"not null"`
	Error        *string `gorm:"type:text"`
}

func (FetchLog) TableName() string { return "fetch_log" }

// LichessPlayer mirrors Player for the lichess platform. Lichess exposes no
// numeric account id, so the lowercase username is the sole natural key.
// AccountCreatedAt and SeenAt are epoch milliseconds as delivered upstream.
type LichessPlayer struct {
	ID               int64   `gorm:"primaryKey"`
	Username         string  `gorm:"uniqueIndex;not null"`
	DisplayUsername  *string `gorm:"type:text"`
	Title            *string
	Patron           bool   `gorm:"not null;default:false"`
	TosViolation     bool   `gorm:"not null;default:false"`
	Disabled         bool   `gorm:"not null;default:false"`
	Verified         bool   `gorm:"not null;default:false"`
	AccountCreatedAt *int64 `gorm:"column:created_at"`
	SeenAt           *int64
	PlayTimeTotal    *int64
	URL              *string `gorm:"type:text"`
	Bio              *string `gorm:"type:text"`
	Country          *string
	Flair            *string
	IngestedAt       int64 `gorm:"not null"`
}

func (LichessPlayer) TableName() string { return "lichess_players" }

// LichessPlayerStats is one row per (player, perf) for every perf in the
// profile response that carries a rating.
type LichessPlayerStats struct {
	ID        int64  `gorm:"primaryKey"`
	PlayerID  int64  `gorm:"not null;uniqueIndex:idx_lichess_player_stats_perf,priority:1"`
	Perf      string `gorm:"not null;uniqueIndex:idx_lichess_player_stats_perf,priority:2"`
	Rating    *int64
	RD        *int64 `gorm:"column:rd"`
	Prog      *int64
	Games     *int64
	Prov      bool  `gorm:"not null;default:false"`
	FetchedAt int64 `gorm:"not null"`
}

func (LichessPlayerStats) TableName() string { return "lichess_player_stats" }

// LichessPlayerIngestionState mirrors PlayerIngestionState with the single
// refresh type lichess supports. Millisecond timestamps.
type LichessPlayerIngestionState struct {
	PlayerID         int64 `gorm:"primaryKey"`
	LastProfileFetch *int64
	Status           string  `gorm:"not null;default:'idle'"`
	Error            *string `gorm:"type:text"`
	UpdatedAt        int64   `gorm:"not null"`
}

func (LichessPlayerIngestionState) TableName() string { return "lichess_player_ingestion_state" }
