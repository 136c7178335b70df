package itemforge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heroiclabs/nakama-common/runtime"
)

const (
	upgradesStorageCollection = "item_upgrades"
	upgradesStorageKey        = "upgrades"
)

// AppliedUpgrade is one persisted ledger entry. Stat upgrades hold only the
// catalog id and re-resolve through the live catalog on every access. Weapon
// upgrades record the percentage actually bought, because the configured
// percentage ladder can change between reloads and the nearest-rank fallback
// needs the original value.
type AppliedUpgrade struct {
	ID          string  `json:"id"`
	ItemGUID    string  `json:"item_guid"`
	Weapon      bool    `json:"weapon,omitempty"`
	StatID      uint32  `json:"stat_id,omitempty"`
	WeaponPct   float64 `json:"weapon_pct,omitempty"`
	PurchasedAt int64   `json:"purchased_at"`
	UpdatedAt   int64   `json:"updated_at"`
}

// userLedger is one character's full upgrade state, stored as a single object.
type userLedger struct {
	Entries []*AppliedUpgrade `json:"entries"`
}

// findStat returns the entry for (item, statType), resolving stat ids through
// the catalog. Entries whose id no longer resolves are skipped here; the
// engine prunes them separately.
func (l *userLedger) findStat(itemGUID string, statType uint32, catalog *upgradeCatalog) (*AppliedUpgrade, *UpgradeStat) {
	for _, e := range l.Entries {
		if e.Weapon || e.ItemGUID != itemGUID {
			continue
		}
		if stat, ok := catalog.stats[e.StatID]; ok && stat.StatType == statType {
			return e, stat
		}
	}
	return nil, nil
}

// findWeapon returns the weapon damage entry for the item, or nil.
func (l *userLedger) findWeapon(itemGUID string) *AppliedUpgrade {
	for _, e := range l.Entries {
		if e.Weapon && e.ItemGUID == itemGUID {
			return e
		}
	}
	return nil
}

// itemEntries returns every entry attached to one item.
func (l *userLedger) itemEntries(itemGUID string) []*AppliedUpgrade {
	var out []*AppliedUpgrade
	for _, e := range l.Entries {
		if e.ItemGUID == itemGUID {
			out = append(out, e)
		}
	}
	return out
}

// upsertStat replaces the entry for (item, statType) with the new rank, or
// appends one. Rank-up is replace in place, never a second entry.
func (l *userLedger) upsertStat(itemGUID string, stat *UpgradeStat, catalog *upgradeCatalog) *AppliedUpgrade {
	now := time.Now().Unix()
	if existing, _ := l.findStat(itemGUID, stat.StatType, catalog); existing != nil {
		existing.StatID = stat.ID
		existing.UpdatedAt = now
		return existing
	}
	entry := &AppliedUpgrade{
		ID:          uuid.NewString(),
		ItemGUID:    itemGUID,
		StatID:      stat.ID,
		PurchasedAt: now,
		UpdatedAt:   now,
	}
	l.Entries = append(l.Entries, entry)
	return entry
}

// upsertWeapon replaces or creates the single weapon damage entry for the item.
func (l *userLedger) upsertWeapon(itemGUID string, w *WeaponUpgrade) *AppliedUpgrade {
	now := time.Now().Unix()
	if existing := l.findWeapon(itemGUID); existing != nil {
		existing.WeaponPct = w.ModPct
		existing.UpdatedAt = now
		return existing
	}
	entry := &AppliedUpgrade{
		ID:          uuid.NewString(),
		ItemGUID:    itemGUID,
		Weapon:      true,
		WeaponPct:   w.ModPct,
		PurchasedAt: now,
		UpdatedAt:   now,
	}
	l.Entries = append(l.Entries, entry)
	return entry
}

// removeItem drops every entry for the item and returns how many were removed.
func (l *userLedger) removeItem(itemGUID string) int {
	kept := l.Entries[:0]
	removed := 0
	for _, e := range l.Entries {
		if e.ItemGUID == itemGUID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.Entries = kept
	return removed
}

// removeEntry drops one entry by its row id.
func (l *userLedger) removeEntry(id string) bool {
	for i, e := range l.Entries {
		if e.ID == id {
			l.Entries = append(l.Entries[:i], l.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// ledgerStore is the write-through cache over the storage engine. Characters
// are loaded lazily on first access and every mutation persists synchronously
// before the purchase path continues.
type ledgerStore struct {
	sync.Mutex
	users map[string]*userLedger
}

func newLedgerStore() *ledgerStore {
	return &ledgerStore{users: make(map[string]*userLedger)}
}

func (s *ledgerStore) get(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) (*userLedger, error) {
	s.Lock()
	if l, ok := s.users[userID]; ok {
		s.Unlock()
		return l, nil
	}
	s.Unlock()

	objects, err := nk.StorageRead(ctx, []*runtime.StorageRead{{
		Collection: upgradesStorageCollection,
		Key:        upgradesStorageKey,
		UserID:     userID,
	}})
	if err != nil {
		logger.Error("Failed to read upgrade ledger for user %s: %v", userID, err)
		return nil, ErrInternal
	}

	l := &userLedger{}
	if len(objects) > 0 {
		if err := json.Unmarshal([]byte(objects[0].GetValue()), l); err != nil {
			logger.Error("Failed to unmarshal upgrade ledger for user %s: %v", userID, err)
			return nil, ErrInternal
		}
	}

	s.Lock()
	// Another action may have loaded the same user meanwhile; keep the first.
	if existing, ok := s.users[userID]; ok {
		l = existing
	} else {
		s.users[userID] = l
	}
	s.Unlock()
	return l, nil
}

func (s *ledgerStore) persist(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, l *userLedger) error {
	value, err := json.Marshal(l)
	if err != nil {
		logger.Error("Failed to marshal upgrade ledger for user %s: %v", userID, err)
		return ErrInternal
	}
	_, err = nk.StorageWrite(ctx, []*runtime.StorageWrite{{
		Collection:      upgradesStorageCollection,
		Key:             upgradesStorageKey,
		UserID:          userID,
		Value:           string(value),
		PermissionRead:  1,
		PermissionWrite: 0,
	}})
	if err != nil {
		logger.Error("Failed to write upgrade ledger for user %s: %v", userID, err)
		// Drop the cached mirror so the next access rebuilds from the store
		// instead of running ahead of it.
		s.Lock()
		delete(s.users, userID)
		s.Unlock()
		return ErrInternal
	}
	return nil
}

// purge deletes the character's stored ledger and forgets the cached mirror.
func (s *ledgerStore) purge(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) error {
	err := nk.StorageDelete(ctx, []*runtime.StorageDelete{{
		Collection: upgradesStorageCollection,
		Key:        upgradesStorageKey,
		UserID:     userID,
	}})
	if err != nil {
		logger.Error("Failed to delete upgrade ledger for user %s: %v", userID, err)
		return ErrInternal
	}
	s.Lock()
	delete(s.users, userID)
	s.Unlock()
	return nil
}
