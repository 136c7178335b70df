package itemforge

import (
	"fmt"
	"sort"

	"github.com/heroiclabs/nakama-common/runtime"
)

// requirementKey addresses one merged requirement set: the base sets use a
// zero item entry, per-item overrides a concrete one.
type requirementKey struct {
	itemEntry uint32
	id        uint32
	weapon    bool
}

// upgradeCatalog is the immutable, validated view of the upgrade configuration.
// A successful load swaps the whole catalog pointer; version increments on
// every swap so menu sessions built against an older catalog can be detected.
type upgradeCatalog struct {
	version uint64

	// The config this catalog was built from. Operations read tunables
	// through the snapshot so an in-flight call never sees a half-swapped
	// reload.
	config *UpgradesConfig

	stats       map[uint32]*UpgradeStat
	statsByType map[uint32][]*UpgradeStat

	weapons     map[uint32]*WeaponUpgrade
	weaponRanks []*WeaponUpgrade

	requirements map[requirementKey][]*UpgradeRequirement

	allowedItems     map[uint32]bool
	blockedItems     map[uint32]bool
	allowedStatItems map[uint32]map[uint32]bool
	blockedStatItems map[uint32]map[uint32]bool
	allowedStatTypes map[uint32]bool

	// Distinct stat percentages, ascending, for the bulk purchase groups.
	pctGroups []float64
}

// buildUpgradeCatalog validates the raw config into a catalog. Structural
// faults (duplicate ids, gapped ranks, bad percentages) fail the whole build;
// per-row faults in requirement sets drop the offending rows with an error
// log so the rest of the economy stays usable. templateExists may be nil when
// no item provider is wired yet.
func buildUpgradeCatalog(logger runtime.Logger, config *UpgradesConfig, version uint64, templateExists func(uint32) bool) (*upgradeCatalog, error) {
	c := &upgradeCatalog{
		version:          version,
		config:           config,
		stats:            make(map[uint32]*UpgradeStat),
		statsByType:      make(map[uint32][]*UpgradeStat),
		weapons:          make(map[uint32]*WeaponUpgrade),
		requirements:     make(map[requirementKey][]*UpgradeRequirement),
		allowedItems:     sliceToSet(config.AllowedItems),
		blockedItems:     sliceToSet(config.BlockedItems),
		allowedStatItems: make(map[uint32]map[uint32]bool),
		blockedStatItems: make(map[uint32]map[uint32]bool),
		allowedStatTypes: sliceToSet(config.AllowedStatTypes),
	}

	for _, stat := range config.Stats {
		if _, ok := c.stats[stat.ID]; ok {
			return nil, fmt.Errorf("duplicate stat upgrade id %d", stat.ID)
		}
		if !IsRecognizedStatType(stat.StatType) {
			return nil, fmt.Errorf("stat upgrade %d has unrecognized stat type %d", stat.ID, stat.StatType)
		}
		if stat.ModPct <= 0 {
			return nil, fmt.Errorf("stat upgrade %d has non-positive percentage %v", stat.ID, stat.ModPct)
		}
		if stat.Rank <= 0 {
			return nil, fmt.Errorf("stat upgrade %d has non-positive rank %d", stat.ID, stat.Rank)
		}
		c.stats[stat.ID] = stat
		c.statsByType[stat.StatType] = append(c.statsByType[stat.StatType], stat)
	}

	pctSeen := make(map[float64]bool)
	for statType, ranks := range c.statsByType {
		sort.Slice(ranks, func(i, j int) bool { return ranks[i].Rank < ranks[j].Rank })
		if err := checkContiguousRanks(len(ranks), func(i int) int { return ranks[i].Rank }); err != nil {
			return nil, fmt.Errorf("stat type %d (%s): %w", statType, StatTypeName(statType), err)
		}
		for _, r := range ranks {
			if !pctSeen[r.ModPct] {
				pctSeen[r.ModPct] = true
				c.pctGroups = append(c.pctGroups, r.ModPct)
			}
		}
	}
	sort.Float64s(c.pctGroups)

	for _, w := range config.WeaponRanks {
		if _, ok := c.weapons[w.ID]; ok {
			return nil, fmt.Errorf("duplicate weapon upgrade id %d", w.ID)
		}
		if w.ModPct <= 0 {
			return nil, fmt.Errorf("weapon upgrade %d has non-positive percentage %v", w.ID, w.ModPct)
		}
		if w.Rank <= 0 {
			return nil, fmt.Errorf("weapon upgrade %d has non-positive rank %d", w.ID, w.Rank)
		}
		c.weapons[w.ID] = w
		c.weaponRanks = append(c.weaponRanks, w)
	}
	sort.Slice(c.weaponRanks, func(i, j int) bool { return c.weaponRanks[i].Rank < c.weaponRanks[j].Rank })
	if err := checkContiguousRanks(len(c.weaponRanks), func(i int) int { return c.weaponRanks[i].Rank }); err != nil {
		return nil, fmt.Errorf("weapon damage: %w", err)
	}
	for i := 1; i < len(c.weaponRanks); i++ {
		if c.weaponRanks[i].ModPct <= c.weaponRanks[i-1].ModPct {
			return nil, fmt.Errorf("weapon upgrade percentages must strictly increase with rank, rank %d does not", c.weaponRanks[i].Rank)
		}
	}

	grouped := make(map[requirementKey][]*UpgradesConfigRequirement)
	for _, row := range config.Requirements {
		key := requirementKey{id: row.StatID, weapon: row.Weapon}
		if !c.requirementTargetExists(key) {
			logger.Error("Requirement row references unknown upgrade id %d (weapon=%v), dropping", row.StatID, row.Weapon)
			continue
		}
		grouped[key] = append(grouped[key], row)
	}
	for _, override := range config.RequirementOverrides {
		for _, row := range override.Requirements {
			key := requirementKey{itemEntry: override.ItemEntry, id: row.StatID, weapon: row.Weapon}
			if !c.requirementTargetExists(requirementKey{id: row.StatID, weapon: row.Weapon}) {
				logger.Error("Requirement override for item %d references unknown upgrade id %d (weapon=%v), dropping", override.ItemEntry, row.StatID, row.Weapon)
				continue
			}
			grouped[key] = append(grouped[key], row)
		}
	}
	for key, rows := range grouped {
		merged := mergeRequirements(rows, &config.Caps, mergeStrict, func(problem string) {
			logger.Error("Requirement set for upgrade id %d (item=%d, weapon=%v): %s", key.id, key.itemEntry, key.weapon, problem)
		}, templateExists)
		c.requirements[key] = merged
	}

	for _, entry := range config.AllowedStatItems {
		c.allowedStatItems[entry.StatID] = sliceToSet(entry.Items)
	}
	for _, entry := range config.BlockedStatItems {
		c.blockedStatItems[entry.StatID] = sliceToSet(entry.Items)
	}

	return c, nil
}

// statTypeEnabled checks a stat type against the admin allow list, closed to
// the recognized set.
func (c *upgradeCatalog) statTypeEnabled(statType uint32) bool {
	return c.allowedStatTypes[statType] && IsRecognizedStatType(statType)
}

// currencyKey maps a currency-like requirement type to its wallet key.
func (c *upgradeCatalog) currencyKey(reqType RequirementType) string {
	switch reqType {
	case RequirementTypeCurrency:
		return c.config.Currencies.Money
	case RequirementTypeHonor:
		return c.config.Currencies.Honor
	case RequirementTypeArena:
		return c.config.Currencies.Arena
	}
	return ""
}

func (c *upgradeCatalog) requirementTargetExists(key requirementKey) bool {
	if key.weapon {
		_, ok := c.weapons[key.id]
		return ok
	}
	_, ok := c.stats[key.id]
	return ok
}

// nextStatRank returns the rank following current for the stat type, rank 1
// when current is nil, or nil at max.
func (c *upgradeCatalog) nextStatRank(current *UpgradeStat, statType uint32) *UpgradeStat {
	ranks := c.statsByType[statType]
	want := 1
	if current != nil {
		want = current.Rank + 1
	}
	if want > len(ranks) {
		return nil
	}
	return ranks[want-1]
}

// weaponRankByPct resolves a persisted percentage back to a catalog rank. An
// exact match wins; otherwise the nearest lower percentage is chosen, or the
// nearest higher when nothing lower exists. The fallback exists to absorb
// admin reconfiguration, so callers warn when exact is false.
func (c *upgradeCatalog) weaponRankByPct(pct float64) (match *WeaponUpgrade, exact bool) {
	var lower, higher *WeaponUpgrade
	for _, w := range c.weaponRanks {
		if w.ModPct == pct {
			return w, true
		}
		if w.ModPct < pct {
			if lower == nil || w.ModPct > lower.ModPct {
				lower = w
			}
		} else if higher == nil || w.ModPct < higher.ModPct {
			higher = w
		}
	}
	if lower != nil {
		return lower, false
	}
	return higher, false
}

// nextWeaponRank returns the weapon rank following current, rank 1 when
// current is nil, or nil at max.
func (c *upgradeCatalog) nextWeaponRank(current *WeaponUpgrade) *WeaponUpgrade {
	want := 1
	if current != nil {
		want = current.Rank + 1
	}
	if want > len(c.weaponRanks) {
		return nil
	}
	return c.weaponRanks[want-1]
}

func checkContiguousRanks(n int, rankAt func(int) int) error {
	for i := 0; i < n; i++ {
		if rankAt(i) != i+1 {
			return fmt.Errorf("ranks must be contiguous from 1, found rank %d at position %d", rankAt(i), i+1)
		}
	}
	return nil
}

func sliceToSet(values []uint32) map[uint32]bool {
	set := make(map[uint32]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
