package model

import "time"

// EntityType tags the media kind of a memory entity's content.
type EntityType string

const (
	EntityText  EntityType = "text"
	EntityImage EntityType = "image"
	EntityAudio EntityType = "audio"
	EntityVideo EntityType = "video"
	EntityFile  EntityType = "file"
)

// Tier classifies how "hot" a memory entity is for retention/compression decisions.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// MemoryEntity is a persona-owned knowledge unit.
type MemoryEntity struct {
	ID              string     `json:"id"`
	PersonaID       string     `json:"personaId"`
	Type            EntityType `json:"type"`
	Content         string     `json:"content"`
	Tags            []string   `json:"tags"`
	Importance      int        `json:"importance"` // 0..100
	Tier            Tier       `json:"tier"`
	Embedding       []float32  `json:"embedding,omitempty"`
	EmbeddingModel  string     `json:"embeddingModel,omitempty"`
	AccessCount     int64      `json:"accessCount"`
	LastAccessedAt  time.Time  `json:"lastAccessedAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	DeletedAt       *time.Time `json:"deletedAt,omitempty"`
}

// IsDeleted reports whether this entity is soft-deleted (invariant 5).
func (m *MemoryEntity) IsDeleted() bool { return m.DeletedAt != nil }

// MemoryPatch carries optional field updates for MemoryEntity.update.
type MemoryPatch struct {
	Content    *string
	Tags       []string
	Importance *int
}
