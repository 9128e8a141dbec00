package shardmgr

// schema is the static, idempotent SQL script applied to every shard
// file at creation. Every statement is safe to re-run.
const schema = `
CREATE TABLE IF NOT EXISTS personas (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	personality TEXT NOT NULL,
	personality_encrypted INTEGER NOT NULL DEFAULT 0,
	memory_config TEXT NOT NULL,
	privacy_settings TEXT NOT NULL,
	privacy_settings_encrypted INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 0,
	version TEXT NOT NULL DEFAULT '1',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_entities (
	id TEXT PRIMARY KEY,
	persona_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	content TEXT NOT NULL,
	content_encrypted INTEGER NOT NULL DEFAULT 0,
	tags TEXT NOT NULL DEFAULT '[]',
	importance INTEGER NOT NULL DEFAULT 0,
	memory_tier TEXT NOT NULL DEFAULT 'hot',
	embedding BLOB,
	embedding_model TEXT,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	persona_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_personas_id ON personas(id);
CREATE INDEX IF NOT EXISTS idx_memory_entities_id ON memory_entities(id);
CREATE INDEX IF NOT EXISTS idx_memory_entities_persona_id ON memory_entities(persona_id);
CREATE INDEX IF NOT EXISTS idx_memory_entities_tier ON memory_entities(memory_tier);

CREATE TRIGGER IF NOT EXISTS trg_personas_updated_at
AFTER UPDATE ON personas
FOR EACH ROW
BEGIN
	UPDATE personas SET updated_at = CAST(strftime('%s','now') AS INTEGER) * 1000 WHERE id = NEW.id;
END;

CREATE TRIGGER IF NOT EXISTS trg_memory_entities_updated_at
AFTER UPDATE ON memory_entities
FOR EACH ROW
BEGIN
	UPDATE memory_entities SET updated_at = CAST(strftime('%s','now') AS INTEGER) * 1000 WHERE id = NEW.id;
END;
`

// memoryEntityColumns lists memory_entities' columns in schema order,
// used by rebalance's batch row migration.
var memoryEntityColumns = []string{
	"id", "persona_id", "entity_type", "content", "content_encrypted",
	"tags", "importance", "memory_tier", "embedding", "embedding_model",
	"access_count", "last_accessed_at", "created_at", "updated_at", "deleted_at",
}
