package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"shardvault/internal/logging"
	"shardvault/internal/model"
	"shardvault/internal/privacy"
	"shardvault/internal/shardmgr"
)

const contentField = "memory_entities.content"

// MemoryRepository implements memory-entity CRUD. Every memory is
// routed by (id, personaID), which co-locates children of the same
// persona under the directory strategy.
type MemoryRepository struct {
	shards  *shardmgr.Manager
	privacy *privacy.Manager
}

// NewMemoryRepository constructs a MemoryRepository.
func NewMemoryRepository(shards *shardmgr.Manager, priv *privacy.Manager) *MemoryRepository {
	return &MemoryRepository{shards: shards, privacy: priv}
}

// Create routes by (id, personaID) and inserts the row.
func (r *MemoryRepository) Create(ctx context.Context, e model.MemoryEntity) (model.MemoryEntity, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := nowMillis()
	e.CreatedAt = toTime(now)
	e.UpdatedAt = toTime(now)
	e.LastAccessedAt = toTime(now)
	if e.Tier == "" {
		e.Tier = model.TierHot
	}

	shardID, err := r.shards.ShardFor("memory", e.ID, e.PersonaID)
	if err != nil {
		return model.MemoryEntity{}, err
	}

	classified, err := r.privacy.ClassifyAndProtect(contentField, []byte(e.Content), "", "memory-repo")
	if err != nil {
		return model.MemoryEntity{}, err
	}
	contentCol, encryptedFlag := encodeClassified(classified)

	err = r.shards.WithConnection(ctx, shardID, func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO memory_entities (id, persona_id, entity_type, content, content_encrypted, tags, importance, memory_tier, embedding, embedding_model, access_count, last_accessed_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.PersonaID, string(e.Type), contentCol, encryptedFlag, tagsJoin(e.Tags), e.Importance, string(e.Tier),
			floatsToBytes(e.Embedding), e.EmbeddingModel, e.AccessCount, now, now, now,
		)
		return err
	})
	if err != nil {
		return model.MemoryEntity{}, model.WrapShard(model.SqlError, shardID, "insert memory entity", err)
	}
	logging.Audit().MemoryCreated(e.ID, e.PersonaID, shardID)
	return e, nil
}

// Update applies patch to a memory entity identified by (id, personaID).
func (r *MemoryRepository) Update(ctx context.Context, id, personaID string, patch model.MemoryPatch) (model.MemoryEntity, error) {
	current, shardID, err := r.getByIDOnShard(ctx, id, personaID)
	if err != nil {
		return model.MemoryEntity{}, err
	}

	if patch.Content != nil {
		current.Content = *patch.Content
	}
	if patch.Tags != nil {
		current.Tags = patch.Tags
	}
	if patch.Importance != nil {
		current.Importance = *patch.Importance
	}
	current.UpdatedAt = toTime(nowMillis())

	classified, err := r.privacy.ClassifyAndProtect(contentField, []byte(current.Content), "", "memory-repo")
	if err != nil {
		return model.MemoryEntity{}, err
	}
	contentCol, encryptedFlag := encodeClassified(classified)

	err = r.shards.WithConnection(ctx, shardID, func(db *sql.DB) error {
		_, err := db.Exec(
			`UPDATE memory_entities SET content=?, content_encrypted=?, tags=?, importance=?, updated_at=? WHERE id=?`,
			contentCol, encryptedFlag, tagsJoin(current.Tags), current.Importance, nowMillis(), id,
		)
		return err
	})
	if err != nil {
		return model.MemoryEntity{}, model.WrapShard(model.SqlError, shardID, "update memory entity", err)
	}
	return current, nil
}

// MarkAccessed bumps access_count and last_accessed_at. Routes by
// (id, personaID) when personaID is known; otherwise fans the update
// out to every active shard, since the entity's creation-time shard
// can't be recomputed from id alone.
func (r *MemoryRepository) MarkAccessed(ctx context.Context, id, personaID string) error {
	return r.execRouted(ctx, id, personaID, "mark memory accessed",
		`UPDATE memory_entities SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		nowMillis(), id)
}

// UpdateTier reclassifies a memory entity's hot/warm/cold tier. Routes
// by (id, personaID) when personaID is known; otherwise fans out.
func (r *MemoryRepository) UpdateTier(ctx context.Context, id, personaID string, tier model.Tier) error {
	return r.execRouted(ctx, id, personaID, "update memory tier",
		`UPDATE memory_entities SET memory_tier=?, updated_at=? WHERE id=?`,
		string(tier), nowMillis(), id)
}

// UpdateEmbedding stores a new embedding vector and model name. Routes
// by (id, personaID) when personaID is known; otherwise fans out.
func (r *MemoryRepository) UpdateEmbedding(ctx context.Context, id, personaID string, embedding []float32, embeddingModel string) error {
	return r.execRouted(ctx, id, personaID, "update memory embedding",
		`UPDATE memory_entities SET embedding=?, embedding_model=?, updated_at=? WHERE id=?`,
		floatsToBytes(embedding), embeddingModel, nowMillis(), id)
}

// Delete soft-deletes a memory entity by stamping deleted_at. Routes
// by (id, personaID) when personaID is known; otherwise fans out.
func (r *MemoryRepository) Delete(ctx context.Context, id, personaID string) error {
	if err := r.execRouted(ctx, id, personaID, "delete memory entity",
		`UPDATE memory_entities SET deleted_at=? WHERE id=?`,
		nowMillis(), id); err != nil {
		return err
	}
	logging.Audit().MemoryDeleted(id)
	return nil
}

// execRouted runs query/args against the single shard (id, personaID)
// resolves to when personaID is non-empty. When personaID is empty,
// the shard that holds id can't be recomputed from id alone (Create
// routes on persona_id+id, not id alone), so the statement is fanned
// out to every active shard instead; the primary key ensures at most
// one shard's row actually matches.
func (r *MemoryRepository) execRouted(ctx context.Context, id, personaID, op, query string, args ...interface{}) error {
	if personaID != "" {
		shardID, err := r.shards.ShardFor("memory", id, personaID)
		if err != nil {
			return err
		}
		if err := r.shards.WithConnection(ctx, shardID, func(db *sql.DB) error {
			_, err := db.Exec(query, args...)
			return err
		}); err != nil {
			return model.WrapShard(model.SqlError, shardID, op, err)
		}
		return nil
	}

	shards := r.shards.ListShards()
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range shards {
		s := s
		if s.Status != model.ShardActive {
			continue
		}
		g.Go(func() error {
			err := r.shards.WithConnection(gctx, s.ID, func(db *sql.DB) error {
				_, err := db.Exec(query, args...)
				return err
			})
			if err != nil {
				return model.WrapShard(model.SqlError, s.ID, op, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// GetByID loads one memory entity, routed by (id, personaID). With
// personaID empty it scatter-gathers across all active shards and
// returns whichever one has the row.
func (r *MemoryRepository) GetByID(ctx context.Context, id, personaID string) (model.MemoryEntity, error) {
	e, _, err := r.getByIDOnShard(ctx, id, personaID)
	return e, err
}

func (r *MemoryRepository) getByIDOnShard(ctx context.Context, id, personaID string) (model.MemoryEntity, string, error) {
	if personaID != "" {
		shardID, err := r.shards.ShardFor("memory", id, personaID)
		if err != nil {
			return model.MemoryEntity{}, "", err
		}
		var e model.MemoryEntity
		err = r.shards.WithConnection(ctx, shardID, func(db *sql.DB) error {
			row := db.QueryRow(
				`SELECT id, persona_id, entity_type, content, content_encrypted, tags, importance, memory_tier, embedding, embedding_model, access_count, last_accessed_at, created_at, updated_at, deleted_at FROM memory_entities WHERE id=?`, id)
			return scanMemoryRow(row.Scan, r.privacy, &e)
		})
		if err != nil {
			return model.MemoryEntity{}, "", model.WrapShard(model.SqlError, shardID, "get memory entity", err)
		}
		return e, shardID, nil
	}

	shards := r.shards.ListShards()
	type found struct {
		e  model.MemoryEntity
		id string
	}
	results := make([]*found, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range shards {
		i, s := i, s
		if s.Status != model.ShardActive {
			continue
		}
		g.Go(func() error {
			var e model.MemoryEntity
			err := r.shards.WithConnection(gctx, s.ID, func(db *sql.DB) error {
				row := db.QueryRow(
					`SELECT id, persona_id, entity_type, content, content_encrypted, tags, importance, memory_tier, embedding, embedding_model, access_count, last_accessed_at, created_at, updated_at, deleted_at FROM memory_entities WHERE id=?`, id)
				return scanMemoryRow(row.Scan, r.privacy, &e)
			})
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return model.WrapShard(model.SqlError, s.ID, "get memory entity", err)
			}
			results[i] = &found{e: e, id: s.ID}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.MemoryEntity{}, "", err
	}
	for _, f := range results {
		if f != nil {
			return f.e, f.id, nil
		}
	}
	return model.MemoryEntity{}, "", model.New(model.ValidationError, "memory entity "+id+" not found on any shard")
}

// GetByPersonaID lists every (non-deleted) memory entity owned by
// personaID. Co-location only holds under the directory strategy
// (where routing ignores the entity id and keys purely off parentID);
// under consistent hashing a parent's children can land on distinct
// shards, so this scatter-gathers rather than trusting a single shard.
func (r *MemoryRepository) GetByPersonaID(ctx context.Context, personaID string) ([]model.MemoryEntity, error) {
	groups, err := r.scatterGather(ctx, `SELECT id, persona_id, entity_type, content, content_encrypted, tags, importance, memory_tier, embedding, embedding_model, access_count, last_accessed_at, created_at, updated_at, deleted_at FROM memory_entities WHERE persona_id=? AND deleted_at IS NULL`, personaID)
	if err != nil {
		return nil, err
	}
	return mergeMemories(groups), nil
}

// GetByTier scatter-gathers every non-deleted memory entity at tier
// across all active shards.
func (r *MemoryRepository) GetByTier(ctx context.Context, tier model.Tier) ([]model.MemoryEntity, error) {
	groups, err := r.scatterGather(ctx, `SELECT id, persona_id, entity_type, content, content_encrypted, tags, importance, memory_tier, embedding, embedding_model, access_count, last_accessed_at, created_at, updated_at, deleted_at FROM memory_entities WHERE memory_tier=? AND deleted_at IS NULL`, string(tier))
	if err != nil {
		return nil, err
	}
	return mergeMemories(groups), nil
}

// GetAllActive scatter-gathers every non-deleted memory entity.
func (r *MemoryRepository) GetAllActive(ctx context.Context) ([]model.MemoryEntity, error) {
	groups, err := r.scatterGather(ctx, `SELECT id, persona_id, entity_type, content, content_encrypted, tags, importance, memory_tier, embedding, embedding_model, access_count, last_accessed_at, created_at, updated_at, deleted_at FROM memory_entities WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, err
	}
	return mergeMemories(groups), nil
}

// SearchAcrossShards runs a substring match over content across every
// active shard. Encrypted content is matched against its decrypted
// plaintext after fetch, since LIKE cannot see through ciphertext.
func (r *MemoryRepository) SearchAcrossShards(ctx context.Context, query string) ([]model.MemoryEntity, error) {
	all, err := r.GetAllActive(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	out := make([]model.MemoryEntity, 0)
	for _, e := range all {
		if strings.Contains(strings.ToLower(e.Content), needle) {
			out = append(out, e)
		}
	}
	return out, nil
}

// MigratePersonaMemoriesToShard moves every memory entity owned by
// personaID onto targetShardID, one row at a time via shardmgr's
// generic migration path. Each entity's current shard is resolved
// individually since co-location is not guaranteed under every
// routing strategy.
func (r *MemoryRepository) MigratePersonaMemoriesToShard(ctx context.Context, personaID, targetShardID string) error {
	entities, err := r.GetByPersonaID(ctx, personaID)
	if err != nil {
		return err
	}
	for _, e := range entities {
		sourceShardID, err := r.shards.ShardFor("memory", e.ID, personaID)
		if err != nil {
			return err
		}
		if sourceShardID == targetShardID {
			continue
		}
		if err := r.shards.MigrateRow("memory_entities", "id", e.ID, sourceShardID, targetShardID); err != nil {
			return err
		}
	}
	return nil
}

// MigrateMemoryToShard moves a single memory entity identified by
// (id, personaID) to targetShardID.
func (r *MemoryRepository) MigrateMemoryToShard(ctx context.Context, id, personaID, targetShardID string) error {
	sourceShardID, err := r.shards.ShardFor("memory", id, personaID)
	if err != nil {
		return err
	}
	return r.shards.MigrateRow("memory_entities", "id", id, sourceShardID, targetShardID)
}

func (r *MemoryRepository) scatterGather(ctx context.Context, query string, args ...interface{}) ([][]model.MemoryEntity, error) {
	shards := r.shards.ListShards()
	groups := make([][]model.MemoryEntity, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range shards {
		i, s := i, s
		if s.Status != model.ShardActive {
			continue
		}
		g.Go(func() error {
			list, err := r.queryShard(gctx, s.ID, query, args...)
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

func (r *MemoryRepository) queryShard(ctx context.Context, shardID, query string, args ...interface{}) ([]model.MemoryEntity, error) {
	var out []model.MemoryEntity
	err := r.shards.WithConnection(ctx, shardID, func(db *sql.DB) error {
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e model.MemoryEntity
			if err := scanMemoryRow(rows.Scan, r.privacy, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, model.WrapShard(model.SqlError, shardID, "query memory entities", err)
	}
	return out, nil
}

// scanMemoryRow scans one memory_entities row via scan (row.Scan or
// rows.Scan share this signature) and decrypts content if classified.
func scanMemoryRow(scan func(dest ...interface{}) error, priv *privacy.Manager, e *model.MemoryEntity) error {
	var entityType, tier string
	var contentCol, tags, embedding []byte
	var contentEncrypted int
	var lastAccessedAt, createdAt, updatedAt int64
	var deletedAt *int64

	if err := scan(&e.ID, &e.PersonaID, &entityType, &contentCol, &contentEncrypted, &tags, &e.Importance, &tier,
		&embedding, &e.EmbeddingModel, &e.AccessCount, &lastAccessedAt, &createdAt, &updatedAt, &deletedAt); err != nil {
		return err
	}

	plaintext, err := priv.AccessClassified(decodeClassified(contentField, contentCol, contentEncrypted), "memory-repo")
	if err != nil {
		return err
	}

	e.Type = model.EntityType(entityType)
	e.Content = string(plaintext)
	e.Tags = tagsSplit(tags)
	e.Tier = model.Tier(tier)
	e.Embedding = bytesToFloats(embedding)
	e.LastAccessedAt = toTime(lastAccessedAt)
	e.CreatedAt = toTime(createdAt)
	e.UpdatedAt = toTime(updatedAt)
	if deletedAt != nil {
		e.DeletedAt = toNullableTime(*deletedAt)
	}
	return nil
}
