package model

import "time"

// PooledConnection is the metadata the connection pool (C2) tracks for
// one loaned or idle handle. Exclusively owned by the pool; loaned to at
// most one operation at a time.
type PooledConnection struct {
	ID         string
	ShardID    string
	CreatedAt  time.Time
	LastUsedAt time.Time
	InUse      bool
	QueryCount int64
}
