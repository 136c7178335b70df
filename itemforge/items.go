package itemforge

import (
	"context"
)

// ItemQuality mirrors the host server's item quality tiers. Only the heirloom
// tier is meaningful to this plugin: heirloom items scale on their own and are
// never upgradable.
type ItemQuality int32

const (
	ItemQualityPoor ItemQuality = iota
	ItemQualityNormal
	ItemQualityUncommon
	ItemQualityRare
	ItemQualityEpic
	ItemQualityLegendary
	ItemQualityArtifact
	ItemQualityHeirloom
)

// ItemStat is one stat line on an item instance, as reported by the host's
// item introspection (template stats plus enchantment-derived stats).
type ItemStat struct {
	Type  uint32 `json:"type"`
	Value int32  `json:"value"`
}

// ItemInstance is a snapshot of one concrete item owned by a character. The
// GUID is a stable per-instance handle, not the template entry: two copies of
// the same item have the same Entry but distinct GUIDs, and upgrades attach to
// the GUID.
type ItemInstance struct {
	GUID      string      `json:"guid"`
	Entry     uint32      `json:"entry"`
	Name      string      `json:"name"`
	Quality   ItemQuality `json:"quality"`
	ItemLevel uint32      `json:"item_level"`
	Stats     []ItemStat  `json:"stats,omitempty"`
	MinDamage float64     `json:"min_damage,omitempty"`
	MaxDamage float64     `json:"max_damage,omitempty"`
	Equipped  bool        `json:"equipped"`
	Broken    bool        `json:"broken"`
}

// StatValue returns the item's stat line for the given stat type, or nil.
func (i *ItemInstance) StatValue(statType uint32) *ItemStat {
	for idx := range i.Stats {
		if i.Stats[idx].Type == statType {
			return &i.Stats[idx]
		}
	}
	return nil
}

// HasDamage reports whether the item carries a weapon damage pair.
func (i *ItemInstance) HasDamage() bool {
	return i.MinDamage > 0 || i.MaxDamage > 0
}

// ItemProvider is the host server's item and inventory surface, consumed as a
// black box. Implementations are supplied by the game server embedding this
// plugin; tests use an in-memory fake.
type ItemProvider interface {
	// GetItem resolves an item instance by its stable handle. Implementations
	// must only return items owned by the given user.
	GetItem(ctx context.Context, userID, itemGUID string) (*ItemInstance, error)

	// ListItems returns the user's items, optionally including bank contents.
	ListItems(ctx context.Context, userID string, includeBank bool) ([]*ItemInstance, error)

	// ApplyEquipMods toggles the stat contribution of an equipped item on the
	// character's live totals. The engine unapplies before mutating upgrade
	// state and reapplies after, so the host recomputes with fresh data.
	ApplyEquipMods(ctx context.Context, userID, itemGUID string, apply bool) error

	// TemplateExists reports whether an item template entry is known to the host.
	TemplateExists(entry uint32) bool

	// HasItemCount reports whether the user holds at least count of the entry,
	// bank included.
	HasItemCount(ctx context.Context, userID string, entry uint32, count int64) (bool, error)

	// DestroyItemCount removes count of the entry from the user's holdings.
	DestroyItemCount(ctx context.Context, userID string, entry uint32, count int64) error

	// CanStoreNewItem reports whether the user has inventory space for count of
	// the entry.
	CanStoreNewItem(ctx context.Context, userID string, entry uint32, count int64) (bool, error)

	// StoreNewItem places count of the entry into the user's inventory.
	StoreNewItem(ctx context.Context, userID string, entry uint32, count int64) error

	// SendItemUpdate pushes the item's recomputed display stats to the owning
	// character's client session.
	SendItemUpdate(ctx context.Context, userID string, item *ItemInstance)
}
