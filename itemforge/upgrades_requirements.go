package itemforge

import (
	"fmt"
	"sort"
	"strings"
)

type mergeMode int

const (
	// mergeStrict drops over-cap or invalid lines and reports each one. Used
	// at catalog load, where a misconfigured cost must not survive silently.
	mergeStrict mergeMode = iota
	// mergeClamp caps over-cap totals at the platform maximum. Used for bulk
	// purchases, where individually valid costs can sum past a cap.
	mergeClamp
)

// mergeRequirements folds raw requirement rows into at most one line per
// currency-like type plus one line per distinct item entry. A set whose rows
// were all "none" merges to a single free line; a set whose rows were all
// dropped merges to nil, which callers must treat as unpurchasable rather
// than free.
func mergeRequirements(rows []*UpgradesConfigRequirement, caps *UpgradesConfigCaps, mode mergeMode, report func(string), templateExists func(uint32) bool) []*UpgradeRequirement {
	amounts := make(map[RequirementType]int64)
	itemCounts := make(map[uint32]int64)
	var itemOrder []uint32
	sawNone := false
	sawAny := false

	for _, row := range rows {
		sawAny = true
		switch row.Type {
		case RequirementTypeNone:
			sawNone = true
		case RequirementTypeCurrency, RequirementTypeHonor, RequirementTypeArena:
			if row.Amount <= 0 {
				report(fmt.Sprintf("%s requirement with non-positive amount %d, dropping", row.Type, row.Amount))
				continue
			}
			amounts[row.Type] += row.Amount
		case RequirementTypeItem:
			if row.ItemEntry == 0 || row.ItemCount <= 0 {
				report(fmt.Sprintf("item requirement with entry %d count %d, dropping", row.ItemEntry, row.ItemCount))
				continue
			}
			if templateExists != nil && !templateExists(row.ItemEntry) {
				report(fmt.Sprintf("item requirement references unknown item template %d, dropping", row.ItemEntry))
				continue
			}
			if _, ok := itemCounts[row.ItemEntry]; !ok {
				itemOrder = append(itemOrder, row.ItemEntry)
			}
			itemCounts[row.ItemEntry] += row.ItemCount
		default:
			report(fmt.Sprintf("unknown requirement type %q, dropping", row.Type))
		}
	}

	merged := make([]*UpgradeRequirement, 0, len(amounts)+len(itemCounts))
	for _, reqType := range []RequirementType{RequirementTypeCurrency, RequirementTypeHonor, RequirementTypeArena} {
		amount, ok := amounts[reqType]
		if !ok {
			continue
		}
		cap := capFor(reqType, caps)
		if cap > 0 && amount > cap {
			if mode == mergeStrict {
				report(fmt.Sprintf("merged %s requirement %d exceeds platform maximum %d, dropping", reqType, amount, cap))
				continue
			}
			amount = cap
		}
		merged = append(merged, &UpgradeRequirement{Type: reqType, Amount: amount})
	}
	sort.Slice(itemOrder, func(i, j int) bool { return itemOrder[i] < itemOrder[j] })
	for _, entry := range itemOrder {
		merged = append(merged, &UpgradeRequirement{Type: RequirementTypeItem, ItemEntry: entry, ItemCount: itemCounts[entry]})
	}

	if len(merged) == 0 {
		if sawAny && sawNone {
			return []*UpgradeRequirement{{Type: RequirementTypeNone}}
		}
		return nil
	}
	return merged
}

// combineRequirementSets sums already-merged requirement sets into one,
// clamping currency totals at the platform caps. Free lines vanish unless the
// whole combination is free.
func combineRequirementSets(sets [][]*UpgradeRequirement, caps *UpgradesConfigCaps) []*UpgradeRequirement {
	rows := make([]*UpgradesConfigRequirement, 0, len(sets)*2)
	sawAny := false
	for _, set := range sets {
		for _, line := range set {
			sawAny = true
			rows = append(rows, &UpgradesConfigRequirement{
				Type:      line.Type,
				Amount:    line.Amount,
				ItemEntry: line.ItemEntry,
				ItemCount: line.ItemCount,
			})
		}
	}
	combined := mergeRequirements(rows, caps, mergeClamp, func(string) {}, nil)
	if combined == nil && sawAny {
		return []*UpgradeRequirement{{Type: RequirementTypeNone}}
	}
	return combined
}

func capFor(reqType RequirementType, caps *UpgradesConfigCaps) int64 {
	switch reqType {
	case RequirementTypeCurrency:
		return caps.MaxMoney
	case RequirementTypeHonor:
		return caps.MaxHonor
	case RequirementTypeArena:
		return caps.MaxArena
	}
	return 0
}

// requirementsFor resolves the effective cost for (upgrade id, item entry):
// the per-item override set when one exists, otherwise the base set. A rank
// with no requirement rows configured at all is freely bought; a nil set
// under a present key means every configured row was dropped at load and the
// rank cannot be bought until the config is repaired.
func (c *upgradeCatalog) requirementsFor(key requirementKey) []*UpgradeRequirement {
	if key.itemEntry != 0 {
		if reqs, ok := c.requirements[requirementKey{itemEntry: key.itemEntry, id: key.id, weapon: key.weapon}]; ok {
			return reqs
		}
	}
	if reqs, ok := c.requirements[requirementKey{id: key.id, weapon: key.weapon}]; ok {
		return reqs
	}
	if c.requirementTargetExists(requirementKey{id: key.id, weapon: key.weapon}) {
		return []*UpgradeRequirement{{Type: RequirementTypeNone}}
	}
	return nil
}

// isFreeRequirementSet reports whether the set is a deliberate free rank.
func isFreeRequirementSet(reqs []*UpgradeRequirement) bool {
	return len(reqs) == 1 && reqs[0].Type == RequirementTypeNone
}

// formatRequirements renders a requirement set for player-facing messages.
func formatRequirements(reqs []*UpgradeRequirement) string {
	if len(reqs) == 0 {
		return "unavailable"
	}
	if isFreeRequirementSet(reqs) {
		return "free"
	}
	parts := make([]string, 0, len(reqs))
	for _, req := range reqs {
		switch req.Type {
		case RequirementTypeCurrency:
			parts = append(parts, fmt.Sprintf("%d money", req.Amount))
		case RequirementTypeHonor:
			parts = append(parts, fmt.Sprintf("%d honor", req.Amount))
		case RequirementTypeArena:
			parts = append(parts, fmt.Sprintf("%d arena points", req.Amount))
		case RequirementTypeItem:
			parts = append(parts, fmt.Sprintf("%d x item %d", req.ItemCount, req.ItemEntry))
		}
	}
	return strings.Join(parts, ", ")
}
