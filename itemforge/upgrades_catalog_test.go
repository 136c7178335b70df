package itemforge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestCatalog(t *testing.T, config *UpgradesConfig) *upgradeCatalog {
	t.Helper()
	applyConfigDefaults(config)
	catalog, err := buildUpgradeCatalog(&mockLogger{}, config, 1, nil)
	require.NoError(t, err)
	return catalog
}

func TestBuildUpgradeCatalog_RejectsGappedRanks(t *testing.T) {
	config := &UpgradesConfig{
		Stats: []*UpgradeStat{
			{ID: 1, StatType: StatTypeStrength, ModPct: 5, Rank: 1},
			{ID: 2, StatType: StatTypeStrength, ModPct: 10, Rank: 3},
		},
	}
	applyConfigDefaults(config)
	_, err := buildUpgradeCatalog(&mockLogger{}, config, 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contiguous")
}

func TestBuildUpgradeCatalog_RejectsMissingRankOne(t *testing.T) {
	config := &UpgradesConfig{
		Stats: []*UpgradeStat{
			{ID: 1, StatType: StatTypeStamina, ModPct: 5, Rank: 2},
		},
	}
	applyConfigDefaults(config)
	_, err := buildUpgradeCatalog(&mockLogger{}, config, 1, nil)
	require.Error(t, err)
}

func TestBuildUpgradeCatalog_RejectsDuplicateIds(t *testing.T) {
	config := &UpgradesConfig{
		Stats: []*UpgradeStat{
			{ID: 1, StatType: StatTypeStrength, ModPct: 5, Rank: 1},
			{ID: 1, StatType: StatTypeStamina, ModPct: 5, Rank: 1},
		},
	}
	applyConfigDefaults(config)
	_, err := buildUpgradeCatalog(&mockLogger{}, config, 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestBuildUpgradeCatalog_RejectsUnknownStatType(t *testing.T) {
	config := &UpgradesConfig{
		Stats: []*UpgradeStat{
			{ID: 1, StatType: 9999, ModPct: 5, Rank: 1},
		},
	}
	applyConfigDefaults(config)
	_, err := buildUpgradeCatalog(&mockLogger{}, config, 1, nil)
	require.Error(t, err)
}

func TestBuildUpgradeCatalog_RejectsNonIncreasingWeaponPct(t *testing.T) {
	config := &UpgradesConfig{
		WeaponRanks: []*WeaponUpgrade{
			{ID: 101, ModPct: 15, Rank: 1},
			{ID: 102, ModPct: 10, Rank: 2},
		},
	}
	applyConfigDefaults(config)
	_, err := buildUpgradeCatalog(&mockLogger{}, config, 1, nil)
	require.Error(t, err)
}

func TestBuildUpgradeCatalog_DropsRequirementForUnknownUpgrade(t *testing.T) {
	config := &UpgradesConfig{
		Stats: []*UpgradeStat{
			{ID: 1, StatType: StatTypeStrength, ModPct: 5, Rank: 1},
		},
		Requirements: []*UpgradesConfigRequirement{
			{StatID: 1, Type: RequirementTypeCurrency, Amount: 100},
			{StatID: 42, Type: RequirementTypeCurrency, Amount: 100},
		},
	}
	catalog := buildTestCatalog(t, config)
	assert.NotNil(t, catalog.requirementsFor(requirementKey{id: 1}))
	assert.Nil(t, catalog.requirementsFor(requirementKey{id: 42}))
}

func TestCatalog_NextStatRank(t *testing.T) {
	catalog := buildTestCatalog(t, testUpgradesConfig())

	first := catalog.nextStatRank(nil, StatTypeStrength)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Rank)

	second := catalog.nextStatRank(first, StatTypeStrength)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Rank)

	third := catalog.nextStatRank(second, StatTypeStrength)
	require.NotNil(t, third)
	assert.Nil(t, catalog.nextStatRank(third, StatTypeStrength))

	assert.Nil(t, catalog.nextStatRank(nil, StatTypeSpellPower))
}

func TestCatalog_WeaponRankByPct(t *testing.T) {
	catalog := buildTestCatalog(t, testUpgradesConfig())

	match, exact := catalog.weaponRankByPct(10)
	require.NotNil(t, match)
	assert.True(t, exact)
	assert.Equal(t, 1, match.Rank)

	// Between two ranks the lower one wins.
	match, exact = catalog.weaponRankByPct(12)
	require.NotNil(t, match)
	assert.False(t, exact)
	assert.Equal(t, 1, match.Rank)

	// Below every rank the lowest higher one is the fallback.
	match, exact = catalog.weaponRankByPct(3)
	require.NotNil(t, match)
	assert.False(t, exact)
	assert.Equal(t, 1, match.Rank)

	match, exact = catalog.weaponRankByPct(90)
	require.NotNil(t, match)
	assert.False(t, exact)
	assert.Equal(t, 2, match.Rank)
}

func TestCatalog_PctGroups(t *testing.T) {
	catalog := buildTestCatalog(t, testUpgradesConfig())
	assert.Equal(t, []float64{5, 10, 15}, catalog.pctGroups)
}

func TestCatalog_OverrideFallsBackToBase(t *testing.T) {
	catalog := buildTestCatalog(t, testUpgradesConfig())

	base := catalog.requirementsFor(requirementKey{itemEntry: 500, id: 1})
	require.Len(t, base, 1)
	assert.Equal(t, int64(100), base[0].Amount)

	overridden := catalog.requirementsFor(requirementKey{itemEntry: 501, id: 1})
	require.Len(t, overridden, 1)
	assert.Equal(t, int64(500), overridden[0].Amount)

	// The override for entry 501 only names upgrade id 1.
	other := catalog.requirementsFor(requirementKey{itemEntry: 501, id: 2})
	require.Len(t, other, 1)
	assert.Equal(t, int64(200), other[0].Amount)
}

func TestCatalog_RequirementsFreeWhenUnconfigured(t *testing.T) {
	config := &UpgradesConfig{
		Stats: []*UpgradeStat{
			{ID: 1, StatType: StatTypeStrength, ModPct: 5, Rank: 1},
			{ID: 2, StatType: StatTypeStrength, ModPct: 10, Rank: 2},
		},
		Requirements: []*UpgradesConfigRequirement{
			{StatID: 2, Type: RequirementTypeCurrency, Amount: -5},
		},
	}
	catalog := buildTestCatalog(t, config)

	// No rows configured at all: the rank is freely bought.
	assert.True(t, isFreeRequirementSet(catalog.requirementsFor(requirementKey{id: 1})))
	// Rows existed but none survived the load: the rank cannot be bought.
	assert.Nil(t, catalog.requirementsFor(requirementKey{id: 2}))
}
