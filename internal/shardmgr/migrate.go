package shardmgr

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"shardvault/internal/logging"
	"shardvault/internal/model"
)

// Rebalance computes overloaded/underloaded shards from a fresh metrics
// snapshot and migrates batches of memory_entities between them
// Personas are never moved by automatic rebalance.
func (m *Manager) Rebalance() ([]model.MigrationResult, error) {
	metrics, err := m.Metrics()
	if err != nil {
		return nil, err
	}
	if metrics.TotalShards == 0 {
		return nil, nil
	}

	var overloaded, underloaded []string
	for id, pm := range metrics.PerShard {
		switch {
		case float64(pm.RecordCount) > 1.5*metrics.AverageRecordsPerShard:
			overloaded = append(overloaded, id)
		case float64(pm.RecordCount) < 0.5*metrics.AverageRecordsPerShard:
			underloaded = append(underloaded, id)
		}
	}
	sort.Strings(overloaded)
	sort.Strings(underloaded)

	pairs := len(overloaded)
	if len(underloaded) < pairs {
		pairs = len(underloaded)
	}
	if pairs == 0 {
		logging.ShardMgr("rebalance: uniform distribution, no migrations needed")
		return nil, nil
	}

	logging.Audit().MigrationStarted(fmt.Sprintf("rebalance across %d pair(s)", pairs))
	results := make([]model.MigrationResult, 0, pairs)
	for i := 0; i < pairs; i++ {
		source := overloaded[i]
		target := underloaded[i]
		recordCount := int(float64(metrics.PerShard[source].RecordCount) * 0.25)
		if recordCount == 0 {
			continue
		}
		plan := model.MigrationPlan{
			Source:      source,
			Target:      target,
			RecordCount: recordCount,
			EntityTypes: []string{"memory_entities"},
		}
		result, err := m.Migrate(plan)
		results = append(results, result)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Migrate moves a batch of memory_entities from plan.Source to
// plan.Target: the oldest plan.RecordCount undeleted rows ordered by
// last_accessed_at, created_at. Each row is migrated with an INSERT on
// the target followed by a DELETE on the source; no cross-shard
// transaction spans the pair.
func (m *Manager) Migrate(plan model.MigrationPlan) (model.MigrationResult, error) {
	m.mu.RLock()
	src, srcOK := m.shards[plan.Source]
	dst, dstOK := m.shards[plan.Target]
	m.mu.RUnlock()
	if !srcOK {
		return model.MigrationResult{Plan: plan}, model.WrapShard(model.ShardMissing, plan.Source, "migration source does not exist", nil)
	}
	if !dstOK {
		return model.MigrationResult{Plan: plan}, model.WrapShard(model.ShardMissing, plan.Target, "migration target does not exist", nil)
	}

	srcConn, err := src.pool.Acquire(context.Background())
	if err != nil {
		return model.MigrationResult{Plan: plan}, err
	}
	defer src.pool.Release(srcConn)
	dstConn, err := dst.pool.Acquire(context.Background())
	if err != nil {
		return model.MigrationResult{Plan: plan}, err
	}
	defer dst.pool.Release(dstConn)

	cols := strings.Join(memoryEntityColumns, ", ")
	query := fmt.Sprintf(
		`SELECT %s FROM memory_entities WHERE deleted_at IS NULL ORDER BY last_accessed_at ASC, created_at ASC LIMIT ?`,
		cols,
	)
	rows, err := srcConn.DB.Query(query, plan.RecordCount)
	if err != nil {
		return model.MigrationResult{Plan: plan}, model.WrapShard(model.SqlError, plan.Source, "select migration batch", err)
	}
	defer rows.Close()

	placeholders := strings.Repeat("?, ", len(memoryEntityColumns))
	placeholders = strings.TrimSuffix(placeholders, ", ")
	insertStmt := fmt.Sprintf("INSERT OR REPLACE INTO memory_entities (%s) VALUES (%s)", cols, placeholders)

	migrated := 0
	var ids []string
	for rows.Next() {
		values := make([]interface{}, len(memoryEntityColumns))
		ptrs := make([]interface{}, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			rows.Close()
			return m.partialResult(plan, migrated, model.Wrap(model.SqlError, "scan migration row", err))
		}
		id, _ := values[0].(string)
		ids = append(ids, id)
		if _, err := dstConn.DB.Exec(insertStmt, values...); err != nil {
			rows.Close()
			return m.partialResult(plan, migrated, model.WrapShard(model.MigrationPartialFailure, plan.Target, "insert migrated row", err))
		}
		migrated++
	}
	rows.Close()

	for _, id := range ids {
		if _, err := srcConn.DB.Exec("DELETE FROM memory_entities WHERE id = ?", id); err != nil {
			return m.partialResult(plan, migrated, model.WrapShard(model.MigrationPartialFailure, plan.Source, "delete migrated row from source", err))
		}
	}

	logging.Audit().MigrationCompleted(fmt.Sprintf("%s->%s", plan.Source, plan.Target), false)
	logging.ShardMgr("migrated %d memory_entities from %s to %s", migrated, plan.Source, plan.Target)
	return model.MigrationResult{Plan: plan, Migrated: migrated, Partial: false}, nil
}

func (m *Manager) partialResult(plan model.MigrationPlan, migrated int, err error) (model.MigrationResult, error) {
	logging.Audit().MigrationCompleted(fmt.Sprintf("%s->%s", plan.Source, plan.Target), true)
	logging.ShardMgrWarn("migration %s->%s partial: %d rows moved before failure: %v", plan.Source, plan.Target, migrated, err)
	return model.MigrationResult{Plan: plan, Migrated: migrated, Partial: true}, err
}

// MigrateRow moves a single row identified by id from table on source
// to target: load, INSERT on target, DELETE on source. Used by the
// repository layer's single-entity migration operations, which share
// this generic column-agnostic path; Migrate's batch case has its own
// loop over memoryEntityColumns.
func (m *Manager) MigrateRow(table, idCol, id, sourceShard, targetShard string) error {
	m.mu.RLock()
	src, srcOK := m.shards[sourceShard]
	dst, dstOK := m.shards[targetShard]
	m.mu.RUnlock()
	if !srcOK {
		return model.WrapShard(model.ShardMissing, sourceShard, "migration source does not exist", nil)
	}
	if !dstOK {
		return model.WrapShard(model.ShardMissing, targetShard, "migration target does not exist", nil)
	}

	srcConn, err := src.pool.Acquire(context.Background())
	if err != nil {
		return err
	}
	defer src.pool.Release(srcConn)
	dstConn, err := dst.pool.Acquire(context.Background())
	if err != nil {
		return err
	}
	defer dst.pool.Release(dstConn)

	return copyRow(srcConn.DB, dstConn.DB, table, idCol, id, sourceShard, targetShard)
}

// copyRow is column-agnostic: it reads rows.Columns() from the source
// query, scans each into a generic interface{} slot, and replays the
// same column list as an INSERT OR REPLACE on the destination.
func copyRow(srcDB, dstDB *sql.DB, table, idCol, id, sourceShard, targetShard string) error {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", table, idCol)
	rows, err := srcDB.Query(query, id)
	if err != nil {
		return model.WrapShard(model.SqlError, sourceShard, "select row for migration", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return model.WrapShard(model.SqlError, sourceShard, "read column names", err)
	}

	if !rows.Next() {
		return model.New(model.ValidationError, fmt.Sprintf("%s id %s not found on %s", table, id, sourceShard))
	}
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return model.WrapShard(model.SqlError, sourceShard, "scan row for migration", err)
	}
	rows.Close()

	placeholders := strings.Repeat("?, ", len(cols))
	placeholders = strings.TrimSuffix(placeholders, ", ")
	insertStmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
	if _, err := dstDB.Exec(insertStmt, values...); err != nil {
		return model.WrapShard(model.MigrationPartialFailure, targetShard, "insert row on migration target", err)
	}

	if _, err := srcDB.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, idCol), id); err != nil {
		return model.WrapShard(model.MigrationPartialFailure, sourceShard, "delete row from migration source", err)
	}
	return nil
}
