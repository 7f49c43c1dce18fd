package chesscom

import "encoding/json"

// Profile is the /player/{username} document. Most fields are optional
// upstream; absent values must never clobber previously stored ones, so
// everything that can be missing is a pointer.
type Profile struct {
	PlayerID           int64               `json:"player_id"`
	Username           string              `json:"username"`
	Name               *string             `json:"name"`
	Title              *string             `json:"title"`
	Status             *string             `json:"status"`
	League             *string             `json:"league"`
	Country            *string             `json:"country"` // country API URL, e.g. .../country/US
	Avatar             *string             `json:"avatar"`
	TwitchURL          *string             `json:"twitch_url"`
	Followers          *int64              `json:"followers"`
	Joined             *int64              `json:"joined"`
	LastOnline         *int64              `json:"last_online"`
	IsStreamer         bool                `json:"is_streamer"`
	Verified           bool                `json:"verified"`
	StreamingPlatforms []StreamingPlatform `json:"streaming_platforms"`
}

// StreamingPlatform is one entry of a profile's streaming_platforms list.
type StreamingPlatform struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
}

// Stats is the /player/{username}/stats document. The per-mode entries are
// keyed by strings like "chess_rapid" or "chess960_daily", so they are kept
// raw and decoded per key by Modes.
type Stats struct {
	raw map[string]json.RawMessage

	Tactics    *HighLowStat `json:"tactics"`
	Lessons    *HighLowStat `json:"lessons"`
	PuzzleRush *PuzzleRush  `json:"puzzle_rush"`
}

// UnmarshalJSON keeps the raw key set so Modes can iterate the chess_*
// entries, while still decoding the fixed sub-stat fields.
func (s *Stats) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &s.raw); err != nil {
		return err
	}
	type plain Stats
	return json.Unmarshal(data, (*plain)(s))
}

// Modes returns the per-mode stats documents keyed by their upstream key
// (every top-level key prefixed "chess"). Entries that fail to decode are
// skipped; the upstream occasionally ships empty objects for retired modes.
func (s *Stats) Modes() map[string]ModeStats {
	modes := make(map[string]ModeStats)
	for key, raw := range s.raw {
		if len(key) < 5 || key[:5] != "chess" {
			continue
		}
		var m ModeStats
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		modes[key] = m
	}
	return modes
}

// ModeStats is one per-mode stats document (e.g. the value under "chess_blitz").
type ModeStats struct {
	Last           *RatingSnapshot `json:"last"`
	Best           *BestSnapshot   `json:"best"`
	Record         *Record         `json:"record"`
	TimePerMove    *int64          `json:"time_per_move"`
	TimeoutPercent *float64        `json:"timeout_percent"`
}

// RatingSnapshot is a rating with its date and deviation.
type RatingSnapshot struct {
	Rating *int64 `json:"rating"`
	Date   *int64 `json:"date"`
	RD     *int64 `json:"rd"`
}

// BestSnapshot is the best rating with the game that achieved it.
type BestSnapshot struct {
	Rating *int64  `json:"rating"`
	Date   *int64  `json:"date"`
	Game   *string `json:"game"`
}

// Record is the win/loss/draw record of one mode.
type Record struct {
	Win  *int64 `json:"win"`
	Loss *int64 `json:"loss"`
	Draw *int64 `json:"draw"`
}

// HighLowStat is the shape shared by the tactics and lessons sub-stats.
type HighLowStat struct {
	Highest *RatingSnapshot `json:"highest"`
	Lowest  *RatingSnapshot `json:"lowest"`
}

// PuzzleRush holds the daily and all-time best puzzle rush scores.
type PuzzleRush struct {
	Best  *PuzzleRushScore `json:"best"`
	Daily *PuzzleRushScore `json:"daily"`
}

// PuzzleRushScore is one puzzle rush score entry.
type PuzzleRushScore struct {
	TotalAttempts *int64 `json:"total_attempts"`
	Score         *int64 `json:"score"`
}

// ArchiveList is the /player/{username}/games/archives document: a list of
// monthly archive URLs, each ending in /YYYY/MM.
type ArchiveList struct {
	Archives []string `json:"archives"`
}

// ArchiveGames is the body of one monthly archive URL.
type ArchiveGames struct {
	Games []ArchiveGame `json:"games"`
}

// ArchiveGame is one finished game inside a monthly archive.
type ArchiveGame struct {
	URL          string      `json:"url"`
	PGN          *string     `json:"pgn"`
	TimeControl  *string     `json:"time_control"`
	StartTime    *int64      `json:"start_time"`
	EndTime      *int64      `json:"end_time"`
	Rated        bool        `json:"rated"`
	TimeClass    *string     `json:"time_class"`
	Rules        *string     `json:"rules"`
	ECO          *string     `json:"eco"`
	ECOURL       *string     `json:"eco_url"`
	FEN          *string     `json:"fen"`
	InitialSetup *string     `json:"initial_setup"`
	TCN          *string     `json:"tcn"`
	White        GameSide    `json:"white"`
	Black        GameSide    `json:"black"`
	Accuracies   *Accuracies `json:"accuracies"`
}

// GameSide is one side of a game.
type GameSide struct {
	Username string  `json:"username"`
	Rating   *int64  `json:"rating"`
	Result   *string `json:"result"`
	UUID     *string `json:"uuid"`
}

// Accuracies carries the engine accuracy scores when the game was analyzed.
type Accuracies struct {
	White *float64 `json:"white"`
	Black *float64 `json:"black"`
}
