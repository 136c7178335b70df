package itemforge

import (
	"context"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"
)

var (
	ErrUpgradesNotEnabled      = runtime.NewError("item upgrades are disabled", 9)                 // FAILED_PRECONDITION
	ErrUpgradesReloading       = runtime.NewError("upgrade data is reloading, try again", 14)      // UNAVAILABLE
	ErrUpgradeMenuStale        = runtime.NewError("menu is out of date, please retry", 9)          // FAILED_PRECONDITION
	ErrUpgradeMenuNotFound     = runtime.NewError("no open upgrade menu", 5)                       // NOT_FOUND
	ErrUpgradeItemNotFound     = runtime.NewError("item not found", 5)                             // NOT_FOUND
	ErrUpgradeItemNotEligible  = runtime.NewError("item cannot be upgraded", 9)                    // FAILED_PRECONDITION
	ErrUpgradeStatDisabled     = runtime.NewError("stat type is not enabled for upgrades", 9)      // FAILED_PRECONDITION
	ErrUpgradeUnknownRank      = runtime.NewError("upgrade rank not found", 5)                     // NOT_FOUND
	ErrUpgradeNotNextRank      = runtime.NewError("upgrade is not the next rank", 9)               // FAILED_PRECONDITION
	ErrUpgradeForbiddenForItem = runtime.NewError("upgrade is not allowed on this item", 9)        // FAILED_PRECONDITION
	ErrUpgradeNoItemProvider   = runtime.NewError("item provider not configured", 13)              // INTERNAL
	ErrUpgradeDataIntegrity    = runtime.NewError("upgrade catalog failed validation", 13)         // INTERNAL
	ErrUpgradePurgeDisabled    = runtime.NewError("upgrade purge is disabled", 9)                  // FAILED_PRECONDITION
)

// Recognized item stat types, matching the host server's item stat encoding.
const (
	StatTypeMana         uint32 = 0
	StatTypeHealth       uint32 = 1
	StatTypeAgility      uint32 = 3
	StatTypeStrength     uint32 = 4
	StatTypeIntellect    uint32 = 5
	StatTypeSpirit       uint32 = 6
	StatTypeStamina      uint32 = 7
	StatTypeDefense      uint32 = 12
	StatTypeDodge        uint32 = 13
	StatTypeParry        uint32 = 14
	StatTypeBlock        uint32 = 15
	StatTypeHitRating    uint32 = 31
	StatTypeCritRating   uint32 = 32
	StatTypeResilience   uint32 = 35
	StatTypeHasteRating  uint32 = 36
	StatTypeExpertise    uint32 = 37
	StatTypeAttackPower  uint32 = 38
	StatTypeSpellPower   uint32 = 45
	StatTypeBlockValue   uint32 = 48
)

// statTypeNames is the closed set of stat types this plugin understands. A
// catalog row referencing anything else fails validation.
var statTypeNames = map[uint32]string{
	StatTypeMana:        "Mana",
	StatTypeHealth:      "Health",
	StatTypeAgility:     "Agility",
	StatTypeStrength:    "Strength",
	StatTypeIntellect:   "Intellect",
	StatTypeSpirit:      "Spirit",
	StatTypeStamina:     "Stamina",
	StatTypeDefense:     "Defense Rating",
	StatTypeDodge:       "Dodge Rating",
	StatTypeParry:       "Parry Rating",
	StatTypeBlock:       "Block Rating",
	StatTypeHitRating:   "Hit Rating",
	StatTypeCritRating:  "Crit Rating",
	StatTypeResilience:  "Resilience Rating",
	StatTypeHasteRating: "Haste Rating",
	StatTypeExpertise:   "Expertise",
	StatTypeAttackPower: "Attack Power",
	StatTypeSpellPower:  "Spell Power",
	StatTypeBlockValue:  "Block Value",
}

// StatTypeName returns the display name for a stat type, or "unknown".
func StatTypeName(statType uint32) string {
	if name, ok := statTypeNames[statType]; ok {
		return name
	}
	return "unknown"
}

// IsRecognizedStatType reports whether the stat type belongs to the closed set
// this plugin can project and display.
func IsRecognizedStatType(statType uint32) bool {
	_, ok := statTypeNames[statType]
	return ok
}

// RequirementType discriminates the cost lines gating an upgrade rank.
type RequirementType string

const (
	RequirementTypeNone     RequirementType = "none"
	RequirementTypeCurrency RequirementType = "currency"
	RequirementTypeHonor    RequirementType = "honor"
	RequirementTypeArena    RequirementType = "arena"
	RequirementTypeItem     RequirementType = "item"
)

// UpgradeStat is one purchasable rank of a stat upgrade. Records are loaded in
// bulk from the catalog config and immutable afterward; ledger entries refer to
// them by ID only and re-resolve through the catalog on every access.
type UpgradeStat struct {
	ID       uint32  `json:"id"`
	StatType uint32  `json:"stat_type"`
	ModPct   float64 `json:"mod_pct"`
	Rank     int     `json:"rank"`
}

// WeaponUpgrade is one purchasable rank of the weapon damage upgrade. Unlike
// stat upgrades the ledger records the percentage value itself, so a rank can
// still be matched (nearest-value fallback) after the catalog was reconfigured.
type WeaponUpgrade struct {
	ID     uint32  `json:"id"`
	ModPct float64 `json:"mod_pct"`
	Rank   int     `json:"rank"`
}

// UpgradeRequirement is one merged cost line of a requirement set. At most one
// line per currency-like type survives merging; item lines are unique per
// item entry. A lone "none" line marks an intentionally free rank, distinct
// from a rank whose requirement rows all failed to load.
type UpgradeRequirement struct {
	Type      RequirementType `json:"type"`
	Amount    int64           `json:"amount,omitempty"`
	ItemEntry uint32          `json:"item_entry,omitempty"`
	ItemCount int64           `json:"item_count,omitempty"`
}

// ItemUpgradeState describes one applied upgrade on one item, with the derived
// values display code needs.
type ItemUpgradeState struct {
	ItemGUID   string  `json:"item_guid"`
	ItemName   string  `json:"item_name,omitempty"`
	Weapon     bool    `json:"weapon,omitempty"`
	StatType   uint32  `json:"stat_type,omitempty"`
	StatName   string  `json:"stat_name,omitempty"`
	Rank       int     `json:"rank"`
	ModPct     float64 `json:"mod_pct"`
	BaseValue  int32   `json:"base_value,omitempty"`
	Value      int32   `json:"value,omitempty"`
	MinDamage  float64 `json:"min_damage,omitempty"`
	MaxDamage  float64 `json:"max_damage,omitempty"`
	Active     bool    `json:"active"`
}

// UpgradePurchaseResult is the outcome of a purchase attempt. A failed
// requirement check is a normal negative outcome, not an error: Success is
// false and Reason carries the message to show the character.
type UpgradePurchaseResult struct {
	Success       bool    `json:"success"`
	Reason        string  `json:"reason,omitempty"`
	ItemGUID      string  `json:"item_guid"`
	Weapon        bool    `json:"weapon,omitempty"`
	StatType      uint32  `json:"stat_type,omitempty"`
	Rank          int     `json:"rank,omitempty"`
	ModPct        float64 `json:"mod_pct,omitempty"`
	UpgradedValue int32   `json:"upgraded_value,omitempty"`
	MinDamage     float64 `json:"min_damage,omitempty"`
	MaxDamage     float64 `json:"max_damage,omitempty"`
	AppliedCount  int     `json:"applied_count,omitempty"`
	ItemLevel     uint32  `json:"item_level,omitempty"`
}

// RefundedItem is one item line returned by a refunding purge.
type RefundedItem struct {
	Entry uint32 `json:"entry"`
	Count int64  `json:"count"`
}

// UpgradePurgeResult is the outcome of a purge attempt. Capacity failures
// (currency cap, inventory space) abort before any mutation.
type UpgradePurgeResult struct {
	Success          bool             `json:"success"`
	Reason           string           `json:"reason,omitempty"`
	ItemGUID         string           `json:"item_guid"`
	Removed          int              `json:"removed,omitempty"`
	RefundedCurrency map[string]int64 `json:"refunded_currency,omitempty"`
	RefundedItems    []*RefundedItem  `json:"refunded_items,omitempty"`
	TokenEntry       uint32           `json:"token_entry,omitempty"`
	TokenCount       int64            `json:"token_count,omitempty"`
}

// An UpgradesSystem is the item upgrade economy: it decides which upgrades an
// item may receive, tracks per-character upgrade state, resolves and charges
// requirement costs, and projects the resulting stat and damage numbers for
// the rest of the server.
type UpgradesSystem interface {
	System

	// SetItemProvider wires the host's item/inventory surface into the system.
	SetItemProvider(provider ItemProvider)

	// IsEnabled reports whether the upgrade economy is switched on.
	IsEnabled() bool

	// IsStatTypeEnabled checks a stat type against the admin-configured allow list.
	IsStatTypeEnabled(statType uint32) bool

	// IsItemUpgradable reports whether an item can appear in the upgrade menu at all.
	IsItemUpgradable(item *ItemInstance) bool

	// CanUpgradeApply decides whether the given stat rank may ever apply to the
	// item, per the global and per-stat allow/block lists.
	CanUpgradeApply(item *ItemInstance, statID uint32) bool

	// CurrentRank returns the stat upgrade currently held for (item, statType), or nil.
	CurrentRank(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string, statType uint32) (*UpgradeStat, error)

	// NextRank returns the next purchasable rank after current (rank 1 when
	// current is nil), or nil when at max.
	NextRank(current *UpgradeStat, statType uint32) *UpgradeStat

	// RequirementsFor resolves the effective merged cost for a stat rank on a
	// specific item entry, consulting per-item overrides before the base set.
	RequirementsFor(statID, itemEntry uint32) []*UpgradeRequirement

	// WeaponRequirementsFor resolves the merged cost for a weapon damage rank.
	WeaponRequirementsFor(weaponID uint32) []*UpgradeRequirement

	// ListItemUpgrades returns the upgrades applied to one item with projected values.
	ListItemUpgrades(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) ([]*ItemUpgradeState, error)

	// ListCharacterUpgrades is the rate-limited diagnostic listing of every
	// upgrade a character holds. callerID is the invoking character.
	ListCharacterUpgrades(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, callerID, userID string) ([]*ItemUpgradeState, error)

	// PurchaseUpgrade buys one stat rank. The target must be exactly the next
	// rank for the item's current state or the purchase is rejected.
	PurchaseUpgrade(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string, statID uint32) (*UpgradePurchaseResult, error)

	// PurchaseWeaponUpgrade buys the next weapon damage rank.
	PurchaseWeaponUpgrade(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string, weaponID uint32) (*UpgradePurchaseResult, error)

	// PurchaseUpgradeBulk buys, in one transaction, the next rank of every
	// eligible stat whose configured rank percentage equals pct.
	PurchaseUpgradeBulk(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string, pct float64) (*UpgradePurchaseResult, error)

	// PurgeUpgrades removes every upgrade from an item, optionally refunding
	// the full historical cost and granting the configured purge token.
	PurgeUpgrades(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) (*UpgradePurgeResult, error)

	// GrantRandomUpgrades rolls the configured chance and may directly grant
	// upgrades to a freshly acquired item (loot/craft/quest/vendor hooks).
	GrantRandomUpgrades(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) (bool, error)

	// ProjectedStatValue is the host's stat-recompute hook: given a base stat
	// amount on an item, returns the amount after any applied upgrade.
	ProjectedStatValue(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, item *ItemInstance, statType uint32, amount int32) (int32, error)

	// ProjectedDamage returns the item's weapon damage pair after any applied
	// weapon upgrade.
	ProjectedDamage(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, item *ItemInstance) (minDamage, maxDamage float64, err error)

	// ComputeItemLevel returns the item's base and upgraded synthetic item level.
	ComputeItemLevel(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, item *ItemInstance) (base, upgraded uint32, err error)

	// BuildItemsMenu opens a paged menu session over the user's upgradable
	// (or already-upgraded, per kind) items.
	BuildItemsMenu(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, kind MenuKind) (*MenuSession, error)

	// BuildStatsMenu opens a paged menu session over one item's upgradable stats.
	BuildStatsMenu(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) (*MenuSession, error)

	// BuildBulkMenu opens a paged menu session over the catalog's distinct
	// percentage groups applicable to one item.
	BuildBulkMenu(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) (*MenuSession, error)

	// MenuPage returns one page of the user's open menu session.
	MenuPage(userID, sessionID string, page int) (*MenuPageView, error)

	// TakeMenuAction executes the action bound to a menu row. Sessions built
	// before a catalog reload are stale and rejected with a retry error.
	TakeMenuAction(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, sessionID string, rowID uint32) (*UpgradePurchaseResult, error)

	// OnItemRemoved drops all upgrades for an item that left the character
	// (destroyed, sold, traded away).
	OnItemRemoved(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) error

	// OnCharacterDeleted clears every ledger entry for a deleted character.
	OnCharacterDeleted(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) error

	// Reload re-reads the catalog config under the reload gate. On validation
	// failure the previous catalog stays active and the error is returned.
	Reload(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule) error

	// SetLocked forces the reload gate on or off, for safe external edits.
	SetLocked(locked bool)

	// IsLocked reports whether the reload gate is currently forced on.
	IsLocked() bool

	// CleanupOrphans deletes persisted ledger rows referencing catalog ids or
	// item instances that no longer exist.
	CleanupOrphans(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule) (removed int, err error)

	// NextCleanupTime returns the next scheduled integrity sweep after the
	// given time, or zero time when no schedule is configured.
	NextCleanupTime(from time.Time) (time.Time, error)

	// RandomUpgradesLoginMessage returns the configured login broadcast, if any.
	RandomUpgradesLoginMessage() string
}

// UpgradesConfig is the data definition for an UpgradesSystem type.
type UpgradesConfig struct {
	Enabled          bool     `json:"enabled"`
	AllowedStatTypes []uint32 `json:"allowed_stat_types,omitempty"`

	Currencies UpgradesConfigCurrencies `json:"currencies"`
	Caps       UpgradesConfigCaps       `json:"caps"`

	Stats                []*UpgradeStat                   `json:"stats,omitempty"`
	WeaponRanks          []*WeaponUpgrade                 `json:"weapon_ranks,omitempty"`
	Requirements         []*UpgradesConfigRequirement     `json:"requirements,omitempty"`
	RequirementOverrides []*UpgradesConfigReqOverride     `json:"requirement_overrides,omitempty"`

	AllowedItems     []uint32                   `json:"allowed_items,omitempty"`
	BlockedItems     []uint32                   `json:"blocked_items,omitempty"`
	AllowedStatItems []*UpgradesConfigStatItems `json:"allowed_stat_items,omitempty"`
	BlockedStatItems []*UpgradesConfigStatItems `json:"blocked_stat_items,omitempty"`

	Purge  UpgradesConfigPurge  `json:"purge"`
	Random UpgradesConfigRandom `json:"random"`

	SendItemUpdates       bool   `json:"send_item_updates,omitempty"`
	CleanupSchedule       string `json:"cleanup_schedule,omitempty"`
	DiagnosticCooldownSec int64  `json:"diagnostic_cooldown_sec,omitempty"`
}

// UpgradesConfigCurrencies names the wallet keys used for the three
// currency-like requirement types.
type UpgradesConfigCurrencies struct {
	Money string `json:"money,omitempty"`
	Honor string `json:"honor,omitempty"`
	Arena string `json:"arena,omitempty"`
}

// UpgradesConfigCaps carries the platform maximums requirement totals and
// refunds are clamped or rejected against.
type UpgradesConfigCaps struct {
	MaxMoney int64 `json:"max_money,omitempty"`
	MaxHonor int64 `json:"max_honor,omitempty"`
	MaxArena int64 `json:"max_arena,omitempty"`
}

// UpgradesConfigRequirement is one raw requirement row gating a rank. Rows
// sharing a stat id are merged into at most one line per type before use.
type UpgradesConfigRequirement struct {
	StatID    uint32          `json:"stat_id"`
	Weapon    bool            `json:"weapon,omitempty"`
	Type      RequirementType `json:"type"`
	Amount    int64           `json:"amount,omitempty"`
	ItemEntry uint32          `json:"item_entry,omitempty"`
	ItemCount int64           `json:"item_count,omitempty"`
}

// UpgradesConfigReqOverride replaces the base requirement set of the listed
// stat ids when purchased on one specific item entry.
type UpgradesConfigReqOverride struct {
	ItemEntry    uint32                       `json:"item_entry"`
	Requirements []*UpgradesConfigRequirement `json:"requirements"`
}

// UpgradesConfigStatItems scopes an item allow or block list to one stat id.
type UpgradesConfigStatItems struct {
	StatID uint32   `json:"stat_id"`
	Items  []uint32 `json:"items"`
}

// UpgradesConfigPurge controls upgrade removal and the refund-everything policy.
type UpgradesConfigPurge struct {
	Allow      bool   `json:"allow,omitempty"`
	RefundAll  bool   `json:"refund_all,omitempty"`
	Token      uint32 `json:"token,omitempty"`
	TokenCount int64  `json:"token_count,omitempty"`
}

// UpgradesConfigRandom controls direct upgrade grants on freshly acquired items.
type UpgradesConfigRandom struct {
	Enabled  bool    `json:"enabled,omitempty"`
	Chance   float64 `json:"chance,omitempty"`
	MaxStats int     `json:"max_stats,omitempty"`
	MaxRank  int     `json:"max_rank,omitempty"`
	LoginMsg string  `json:"login_msg,omitempty"`
}
