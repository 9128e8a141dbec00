// Package shardrouter maps (entityType, entityId, parentId) to a shard id.
// Routing is a pure function of the current active shard set and the
// inputs: deterministic and stable as long as that set does not change.
package shardrouter

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"

	"shardvault/internal/logging"
	"shardvault/internal/model"
)

// Strategy selects the routing method.
type Strategy string

const (
	StrategyHash      Strategy = "hash"
	StrategyRange     Strategy = "range"
	StrategyDirectory Strategy = "directory"
)

// vpoint is one virtual node on the consistent-hash ring.
type vpoint struct {
	hash    uint64
	shardID string
}

// ring is an immutable routing snapshot. Rebuilds swap the pointer
// atomically so lookups never block on a writer.
type ring struct {
	points  []vpoint // sorted by hash, used for the consistent-hash strategy
	shardIDs []string // sorted shard ids, used for plain-hash/directory modulus
}

// Router implements shardFor for all three routing strategies.
type Router struct {
	strategy          Strategy
	consistentHashing bool
	virtualNodes      int
	r                 atomic.Pointer[ring]
}

// New constructs a Router with no shards registered. Call Rebuild before
// routing any keys.
func New(strategy Strategy, consistentHashing bool, virtualNodes int) *Router {
	if virtualNodes < 1 {
		virtualNodes = 150
	}
	rt := &Router{
		strategy:          strategy,
		consistentHashing: consistentHashing,
		virtualNodes:      virtualNodes,
	}
	rt.r.Store(&ring{})
	return rt
}

// Rebuild recomputes the ring from the given active shard ids. Call this
// on createShard, removeShard, or any shard status transition into/out of
// active.
func (rt *Router) Rebuild(activeShardIDs []string) {
	ids := append([]string(nil), activeShardIDs...)
	sort.Strings(ids)

	newRing := &ring{shardIDs: ids}

	if rt.consistentHashing {
		points := make([]vpoint, 0, len(ids)*rt.virtualNodes)
		for _, id := range ids {
			for i := 0; i < rt.virtualNodes; i++ {
				h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", id, i)))
				points = append(points, vpoint{hash: binary.BigEndian.Uint64(h[:8]), shardID: id})
			}
		}
		sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })
		newRing.points = points
	}

	rt.r.Store(newRing)
	logging.RouterDebug("ring rebuilt: %d shards, %d virtual points", len(ids), len(newRing.points))
}

// ShardFor routes an entity to a shard id. parentId is optional (pass ""
// when absent); when present it co-locates the entity with its parent.
func (rt *Router) ShardFor(entityType, entityID, parentID string) (string, error) {
	snap := rt.r.Load()
	if len(snap.shardIDs) == 0 {
		return "", model.New(model.ShardUnavailable, "no active shards registered")
	}

	switch rt.strategy {
	case StrategyHash:
		if rt.consistentHashing {
			return rt.consistentHashRoute(snap, entityType, entityID, parentID)
		}
		return rt.plainHashRoute(snap, entityID)
	case StrategyDirectory:
		return rt.directoryRoute(snap, parentID)
	case StrategyRange:
		// Range partitioning is not implemented (see DESIGN.md Open
		// Question decisions); fall back to the deterministic default.
		return shardName(snap.shardIDs, 0), nil
	default:
		return shardName(snap.shardIDs, 0), nil
	}
}

func (rt *Router) consistentHashRoute(snap *ring, entityType, entityID, parentID string) (string, error) {
	if len(snap.points) == 0 {
		return "", model.New(model.ShardUnavailable, "no active shards registered")
	}

	routingKey := entityID
	if parentID != "" {
		routingKey = parentID + ":" + entityID
	}
	keyHash := sha256.Sum256([]byte(routingKey))
	target := binary.BigEndian.Uint64(keyHash[:8])

	idx := sort.Search(len(snap.points), func(i int) bool { return snap.points[i].hash >= target })
	if idx == len(snap.points) {
		idx = 0 // wrap around
	}
	return snap.points[idx].shardID, nil
}

func (rt *Router) plainHashRoute(snap *ring, entityID string) (string, error) {
	n := len(snap.shardIDs)
	sum := md5.Sum([]byte(entityID))
	index := binary.BigEndian.Uint32(sum[:4]) % uint32(n)
	return shardName(snap.shardIDs, int(index)), nil
}

func (rt *Router) directoryRoute(snap *ring, parentID string) (string, error) {
	if parentID == "" {
		return shardName(snap.shardIDs, 0), nil
	}
	return rt.plainHashRoute(snap, parentID)
}

// shardName selects shardIDs[index], clamping defensively; the router
// otherwise guarantees index is in range.
func shardName(shardIDs []string, index int) string {
	if index < 0 || index >= len(shardIDs) {
		index = 0
	}
	return shardIDs[index]
}

// width returns how many digits are needed to print n-1 (used by shard
// id generation in shardmgr, exposed here since both packages need the
// same zero-padding convention).
func width(n int) int {
	if n <= 1 {
		return 1
	}
	return len(strconv.Itoa(n - 1))
}

// Width exposes width for callers that generate shard ids (shardmgr).
func Width(n int) int { return width(n) }
