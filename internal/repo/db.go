// Package repo implements the Sharded Repositories (C6): entity-aware
// CRUD for personas and memory entities that routes through the shard
// router and pool, applies encryption and classification, and performs
// cross-shard scatter-gather.
package repo

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"shardvault/internal/model"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

func toTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toNullableTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

func fromNullableTime(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func marshalJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

func unmarshalJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// floatsToBytes encodes a float32 embedding vector for the BLOB column.
func floatsToBytes(fs []float32) []byte {
	buf := make([]byte, 4*len(fs))
	for i, f := range fs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloats(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func tagsJoin(tags []string) []byte   { return marshalJSON(tags) }
func tagsSplit(data []byte) []string {
	var tags []string
	_ = unmarshalJSON(data, &tags)
	return tags
}

// mergePersonas concatenates scatter-gather results from multiple
// shards in the order of groups, which callers index by shard position
// in ListShards (sorted by shard id), not by completion order.
func mergePersonas(groups [][]model.Persona) []model.Persona {
	out := make([]model.Persona, 0)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func mergeMemories(groups [][]model.MemoryEntity) []model.MemoryEntity {
	out := make([]model.MemoryEntity, 0)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
