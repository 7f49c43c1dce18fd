package db

import "testing"

func TestJobScopeRoundTrip(t *testing.T) {
	scope := JobScope{Username: "alice", ArchiveURL: "https://api.chess.com/pub/player/alice/games/2024/01", Year: 2024, Month: 1}

	v, err := scope.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}

	var got JobScope
	if err := got.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got != scope {
		t.Errorf("round trip = %+v, want %+v", got, scope)
	}
}

func TestJobScopeOmitsZeroFields(t *testing.T) {
	v, err := JobScope{Username: "alice"}.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if v != `{"username":"alice"}` {
		t.Errorf("serialized = %v, want only the username field", v)
	}
}

func TestJobScopeScanVariants(t *testing.T) {
	var s JobScope
	if err := s.Scan([]byte(`{"username":"bob","year":2023}`)); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	if s.Username != "bob" || s.Year != 2023 {
		t.Errorf("scanned = %+v", s)
	}

	if err := s.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if s != (JobScope{}) {
		t.Errorf("scan nil left %+v, want zero scope", s)
	}

	if err := s.Scan(42); err == nil {
		t.Error("scan int succeeded, want error")
	}
}
