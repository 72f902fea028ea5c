package signature

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the optional write-through Persister backing Coordinator,
// for deployments that want signature state to survive a process restart.
// It is intentionally a pure side-table: the Coordinator never reads
// through it on the hot path; only Record's synchronous post-update
// SaveState call touches it.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) a sqlite database at path and
// ensures the signature_state table exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS signature_state (
	signature   TEXT PRIMARY KEY,
	hit_count   INTEGER NOT NULL,
	bot_probability REAL NOT NULL,
	confidence  REAL NOT NULL,
	risk_band   TEXT NOT NULL,
	bot_name    TEXT,
	bot_type    TEXT,
	last_path   TEXT,
	last_seen_unix_ms INTEGER NOT NULL,
	payload_json TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create signature_state table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveState upserts the signature's current state.
func (s *SQLiteStore) SaveState(signature string, state State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal signature state: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO signature_state
	(signature, hit_count, bot_probability, confidence, risk_band, bot_name, bot_type, last_path, last_seen_unix_ms, payload_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(signature) DO UPDATE SET
	hit_count = excluded.hit_count,
	bot_probability = excluded.bot_probability,
	confidence = excluded.confidence,
	risk_band = excluded.risk_band,
	bot_name = excluded.bot_name,
	bot_type = excluded.bot_type,
	last_path = excluded.last_path,
	last_seen_unix_ms = excluded.last_seen_unix_ms,
	payload_json = excluded.payload_json`,
		signature, state.HitCount, state.BotProbability, state.Confidence, string(state.RiskBand),
		state.BotName, state.BotType, state.LastPath, state.LastSeen.UnixMilli(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("upsert signature state: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
