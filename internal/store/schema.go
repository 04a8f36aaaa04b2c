package store

import (
	"database/sql"
	"fmt"

	"github.com/lprior-repo/manifest/internal/model"
)

// Schema versions:
// v1: full entity lineage (intents, specs, attempts, verifications,
//     survivors, judgments).
const currentSchemaVersion = 1

var schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS intents (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	raw TEXT NOT NULL,
	parsed TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intents_session ON intents(session_id);
CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status);

CREATE TABLE IF NOT EXISTS specs (
	id TEXT NOT NULL,
	intent_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	assertions TEXT NOT NULL,
	test_suite TEXT NOT NULL,
	type_contract TEXT NOT NULL,
	may_touch TEXT NOT NULL,
	must_not_touch TEXT NOT NULL,
	patterns TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (id, version),
	FOREIGN KEY (intent_id) REFERENCES intents(id)
);
CREATE INDEX IF NOT EXISTS idx_specs_intent ON specs(intent_id);

CREATE TABLE IF NOT EXISTS attempts (
	id TEXT PRIMARY KEY,
	spec_id TEXT NOT NULL,
	spec_version INTEGER NOT NULL,
	strategy TEXT NOT NULL,
	changes TEXT NOT NULL,
	approach TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_spec ON attempts(spec_id, spec_version);
CREATE INDEX IF NOT EXISTS idx_attempts_hash ON attempts(content_hash);

CREATE TABLE IF NOT EXISTS verifications (
	id TEXT PRIMARY KEY,
	attempt_id TEXT NOT NULL,
	passed INTEGER NOT NULL,
	stages TEXT NOT NULL,
	assertions_passed INTEGER NOT NULL,
	assertions_total INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	first_failure TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY (attempt_id) REFERENCES attempts(id)
);
CREATE INDEX IF NOT EXISTS idx_verifications_attempt ON verifications(attempt_id);

CREATE TABLE IF NOT EXISTS survivors (
	id TEXT PRIMARY KEY,
	attempt_id TEXT NOT NULL,
	verification_id TEXT NOT NULL,
	intent_id TEXT NOT NULL,
	rank INTEGER NOT NULL,
	score TEXT NOT NULL,
	presented INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (attempt_id) REFERENCES attempts(id),
	FOREIGN KEY (verification_id) REFERENCES verifications(id)
);
CREATE INDEX IF NOT EXISTS idx_survivors_intent ON survivors(intent_id);

CREATE TABLE IF NOT EXISTS judgments (
	id TEXT PRIMARY KEY,
	intent_id TEXT NOT NULL,
	survivor_id TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL,
	refinement TEXT NOT NULL DEFAULT '',
	redirect TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY (intent_id) REFERENCES intents(id)
);
CREATE INDEX IF NOT EXISTS idx_judgments_intent ON judgments(intent_id);
`

// migrate brings the schema forward to currentSchemaVersion. A database from
// a future version refuses to open rather than silently discarding data.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > currentSchemaVersion {
		return &model.PipelineError{Kind: model.ErrStorageCorruption,
			Message: fmt.Sprintf("database schema v%d is newer than supported v%d", version, currentSchemaVersion)}
	}
	// Forward migrations slot in here as the schema grows (v1 is current).
	if version < currentSchemaVersion {
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?", currentSchemaVersion); err != nil {
			return fmt.Errorf("advance schema version: %w", err)
		}
	}
	return nil
}
