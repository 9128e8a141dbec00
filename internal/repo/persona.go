package repo

import (
	"context"
	"database/sql"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"shardvault/internal/logging"
	"shardvault/internal/model"
	"shardvault/internal/privacy"
	"shardvault/internal/shardmgr"
)

const personalityField = "personas.personality"

// PersonaRepository implements persona CRUD, routed through the shard
// manager and protected through the privacy manager.
type PersonaRepository struct {
	shards  *shardmgr.Manager
	privacy *privacy.Manager
}

// NewPersonaRepository constructs a PersonaRepository.
func NewPersonaRepository(shards *shardmgr.Manager, priv *privacy.Manager) *PersonaRepository {
	return &PersonaRepository{shards: shards, privacy: priv}
}

// Create routes by the persona's generated id, encrypts declared
// fields, and inserts the row.
func (r *PersonaRepository) Create(ctx context.Context, p model.Persona) (model.Persona, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := nowMillis()
	p.CreatedAt = toTime(now)
	p.UpdatedAt = toTime(now)
	if p.Version == "" {
		p.Version = "1"
	}

	shardID, err := r.shards.ShardFor("persona", p.ID, "")
	if err != nil {
		return model.Persona{}, err
	}

	personalityJSON := marshalJSON(p.Personality)
	classified, err := r.privacy.ClassifyAndProtect(personalityField, personalityJSON, "", "persona-repo")
	if err != nil {
		return model.Persona{}, err
	}
	personalityCol, encryptedFlag := encodeClassified(classified)

	err = r.shards.WithConnection(ctx, shardID, func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO personas (id, display_name, description, personality, personality_encrypted, memory_config, privacy_settings, active, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.DisplayName, p.Description, personalityCol, encryptedFlag,
			marshalJSON(p.MemoryConfig), marshalJSON(p.PrivacySettings), boolToInt(p.Active), p.Version, now, now,
		)
		return err
	})
	if err != nil {
		return model.Persona{}, model.WrapShard(model.SqlError, shardID, "insert persona", err)
	}

	logging.Audit().PersonaCreated(p.ID, shardID)
	return p, nil
}

// Update applies patch to the persona's row.
func (r *PersonaRepository) Update(ctx context.Context, id string, patch model.PersonaPatch) (model.Persona, error) {
	current, shardID, err := r.getByIDOnShard(ctx, id)
	if err != nil {
		return model.Persona{}, err
	}

	if patch.DisplayName != nil {
		current.DisplayName = *patch.DisplayName
	}
	if patch.Description != nil {
		current.Description = *patch.Description
	}
	if patch.Personality != nil {
		current.Personality = *patch.Personality
	}
	if patch.MemoryConfig != nil {
		current.MemoryConfig = *patch.MemoryConfig
	}
	if patch.PrivacySettings != nil {
		current.PrivacySettings = *patch.PrivacySettings
	}
	current.UpdatedAt = toTime(nowMillis())

	personalityJSON := marshalJSON(current.Personality)
	classified, err := r.privacy.ClassifyAndProtect(personalityField, personalityJSON, "", "persona-repo")
	if err != nil {
		return model.Persona{}, err
	}
	personalityCol, encryptedFlag := encodeClassified(classified)

	err = r.shards.WithConnection(ctx, shardID, func(db *sql.DB) error {
		_, err := db.Exec(
			`UPDATE personas SET display_name=?, description=?, personality=?, personality_encrypted=?, memory_config=?, privacy_settings=? WHERE id=?`,
			current.DisplayName, current.Description, personalityCol, encryptedFlag,
			marshalJSON(current.MemoryConfig), marshalJSON(current.PrivacySettings), id,
		)
		return err
	})
	if err != nil {
		return model.Persona{}, model.WrapShard(model.SqlError, shardID, "update persona", err)
	}
	return current, nil
}

// Activate sets active=true for id, then clears active on every other
// persona across all shards. No cross-shard transaction spans the two
// passes.
func (r *PersonaRepository) Activate(ctx context.Context, id string) error {
	shardID, err := r.shards.ShardFor("persona", id, "")
	if err != nil {
		return err
	}
	if err := r.shards.WithConnection(ctx, shardID, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE personas SET active=1 WHERE id=?`, id)
		return err
	}); err != nil {
		return model.WrapShard(model.SqlError, shardID, "activate persona", err)
	}

	shards := r.shards.ListShards()
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range shards {
		s := s
		g.Go(func() error {
			return r.shards.WithConnection(gctx, s.ID, func(db *sql.DB) error {
				_, err := db.Exec(`UPDATE personas SET active=0 WHERE id != ? AND active=1`, id)
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return model.Wrap(model.SqlError, "clear active flag on other personas", err)
	}
	return nil
}

// Deactivate clears a single persona's active flag.
func (r *PersonaRepository) Deactivate(ctx context.Context, id string) error {
	shardID, err := r.shards.ShardFor("persona", id, "")
	if err != nil {
		return err
	}
	if err := r.shards.WithConnection(ctx, shardID, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE personas SET active=0 WHERE id=?`, id)
		return err
	}); err != nil {
		return model.WrapShard(model.SqlError, shardID, "deactivate persona", err)
	}
	return nil
}

// Delete removes a persona's row on its shard.
func (r *PersonaRepository) Delete(ctx context.Context, id string) error {
	shardID, err := r.shards.ShardFor("persona", id, "")
	if err != nil {
		return err
	}
	if err := r.shards.WithConnection(ctx, shardID, func(db *sql.DB) error {
		_, err := db.Exec(`DELETE FROM personas WHERE id=?`, id)
		return err
	}); err != nil {
		return model.WrapShard(model.SqlError, shardID, "delete persona", err)
	}
	logging.Audit().PersonaDeleted(id)
	return nil
}

// GetByID loads and decrypts a persona by id.
func (r *PersonaRepository) GetByID(ctx context.Context, id string) (model.Persona, error) {
	p, _, err := r.getByIDOnShard(ctx, id)
	return p, err
}

func (r *PersonaRepository) getByIDOnShard(ctx context.Context, id string) (model.Persona, string, error) {
	shardID, err := r.shards.ShardFor("persona", id, "")
	if err != nil {
		return model.Persona{}, "", err
	}

	var p model.Persona
	err = r.shards.WithConnection(ctx, shardID, func(db *sql.DB) error {
		row := db.QueryRow(
			`SELECT id, display_name, description, personality, personality_encrypted, memory_config, privacy_settings, active, version, created_at, updated_at FROM personas WHERE id=?`, id)
		var personalityCol []byte
		var encrypted int
		var memCfg, privSettings []byte
		var active int
		var createdAt, updatedAt int64
		if err := row.Scan(&p.ID, &p.DisplayName, &p.Description, &personalityCol, &encrypted, &memCfg, &privSettings, &active, &p.Version, &createdAt, &updatedAt); err != nil {
			return err
		}
		plaintext, err := r.privacy.AccessClassified(decodeClassified(personalityField, personalityCol, encrypted), "persona-repo")
		if err != nil {
			return err
		}
		_ = unmarshalJSON(plaintext, &p.Personality)
		_ = unmarshalJSON(memCfg, &p.MemoryConfig)
		_ = unmarshalJSON(privSettings, &p.PrivacySettings)
		p.Active = active != 0
		p.CreatedAt = toTime(createdAt)
		p.UpdatedAt = toTime(updatedAt)
		return nil
	})
	if err != nil {
		return model.Persona{}, "", model.WrapShard(model.SqlError, shardID, "get persona", err)
	}
	return p, shardID, nil
}

// GetAll fans out to every active shard in parallel and concatenates.
func (r *PersonaRepository) GetAll(ctx context.Context) ([]model.Persona, error) {
	groups, err := r.scatterGather(ctx)
	if err != nil {
		return nil, err
	}
	return mergePersonas(groups), nil
}

// GetActive fans out and asserts at most one active persona, tolerating
// momentary duplicates under concurrent activation by picking the most
// recently updated.
func (r *PersonaRepository) GetActive(ctx context.Context) (model.Persona, error) {
	groups, err := r.scatterGather(ctx)
	if err != nil {
		return model.Persona{}, err
	}

	var active []model.Persona
	for _, g := range groups {
		for _, p := range g {
			if p.Active {
				active = append(active, p)
			}
		}
	}
	if len(active) == 0 {
		return model.Persona{}, model.New(model.ValidationError, "no active persona")
	}
	sort.Slice(active, func(i, j int) bool { return active[i].UpdatedAt.After(active[j].UpdatedAt) })
	return active[0], nil
}

// GetByShardID enumerates all personas on one shard.
func (r *PersonaRepository) GetByShardID(ctx context.Context, shardID string) ([]model.Persona, error) {
	return r.listShard(ctx, shardID)
}

func (r *PersonaRepository) scatterGather(ctx context.Context) ([][]model.Persona, error) {
	shards := r.shards.ListShards()
	groups := make([][]model.Persona, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range shards {
		i, s := i, s
		if s.Status != model.ShardActive {
			continue
		}
		g.Go(func() error {
			list, err := r.listShard(gctx, s.ID)
			if err != nil {
				return err
			}
			groups[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *PersonaRepository) listShard(ctx context.Context, shardID string) ([]model.Persona, error) {
	var out []model.Persona
	err := r.shards.WithConnection(ctx, shardID, func(db *sql.DB) error {
		rows, err := db.Query(`SELECT id, display_name, description, personality, personality_encrypted, memory_config, privacy_settings, active, version, created_at, updated_at FROM personas`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p model.Persona
			var personalityCol []byte
			var encrypted int
			var memCfg, privSettings []byte
			var active int
			var createdAt, updatedAt int64
			if err := rows.Scan(&p.ID, &p.DisplayName, &p.Description, &personalityCol, &encrypted, &memCfg, &privSettings, &active, &p.Version, &createdAt, &updatedAt); err != nil {
				return err
			}
			plaintext, err := r.privacy.AccessClassified(decodeClassified(personalityField, personalityCol, encrypted), "persona-repo")
			if err != nil {
				return err
			}
			_ = unmarshalJSON(plaintext, &p.Personality)
			_ = unmarshalJSON(memCfg, &p.MemoryConfig)
			_ = unmarshalJSON(privSettings, &p.PrivacySettings)
			p.Active = active != 0
			p.CreatedAt = toTime(createdAt)
			p.UpdatedAt = toTime(updatedAt)
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, model.WrapShard(model.SqlError, shardID, "list personas", err)
	}
	return out, nil
}

// MigratePersonaToShard loads the persona from its current shard,
// inserts it on targetShardID, and deletes the source row. Memory
// migration is a separate operation.
func (r *PersonaRepository) MigratePersonaToShard(ctx context.Context, personaID, targetShardID string) error {
	currentShardID, err := r.shards.ShardFor("persona", personaID, "")
	if err != nil {
		return err
	}
	return r.shards.MigrateRow("personas", "id", personaID, currentShardID, targetShardID)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeClassified(rec model.ClassifiedRecord) ([]byte, int) {
	if !rec.Encrypted {
		if b, ok := rec.Value.([]byte); ok {
			return b, 0
		}
		return marshalJSON(rec.Value), 0
	}
	return marshalJSON(rec.Record), 1
}

func decodeClassified(field string, col []byte, encrypted int) model.ClassifiedRecord {
	if encrypted == 0 {
		return model.ClassifiedRecord{Field: field, Encrypted: false, Value: col}
	}
	var rec model.EncryptionRecord
	_ = unmarshalJSON(col, &rec)
	return model.ClassifiedRecord{Field: field, Encrypted: true, Record: &rec}
}
