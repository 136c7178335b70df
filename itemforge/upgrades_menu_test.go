package itemforge

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildItemsMenu_Paginates(t *testing.T) {
	items := make([]*ItemInstance, 0, 15)
	for i := 0; i < 15; i++ {
		item := testItem()
		item.GUID = fmt.Sprintf("item-%d", i)
		item.Name = fmt.Sprintf("Blade %d", i)
		items = append(items, item)
	}
	provider := newFakeItemProvider(items...)
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	logger := &mockLogger{}
	ctx := context.Background()

	session, err := system.BuildItemsMenu(ctx, logger, nk, "user1", MenuKindItems)
	require.NoError(t, err)
	assert.Equal(t, 2, session.PageCount)

	page, err := system.MenuPage("user1", session.ID, 0)
	require.NoError(t, err)
	assert.Len(t, page.Rows, menuPageSize)

	page, err = system.MenuPage("user1", session.ID, 1)
	require.NoError(t, err)
	assert.Len(t, page.Rows, 3)

	// Out of range pages clamp instead of failing.
	page, err = system.MenuPage("user1", session.ID, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
}

func TestBuildItemsMenu_UpgradedOnly(t *testing.T) {
	upgraded := testItem()
	plain := testItem()
	plain.GUID = "item-2"
	plain.Name = "Untouched Blade"
	provider := newFakeItemProvider(upgraded, plain)
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}
	logger := &mockLogger{}
	ctx := context.Background()

	_, err := system.PurchaseUpgrade(ctx, logger, nk, "user1", "item-1", 1)
	require.NoError(t, err)

	session, err := system.BuildItemsMenu(ctx, logger, nk, "user1", MenuKindUpgraded)
	require.NoError(t, err)
	require.Len(t, session.Rows, 1)
	assert.Equal(t, "item-1", session.Rows[0].ItemGUID)
}

func TestBuildStatsMenu_Rows(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	logger := &mockLogger{}
	ctx := context.Background()

	session, err := system.BuildStatsMenu(ctx, logger, nk, "user1", "item-1")
	require.NoError(t, err)
	// Strength, stamina, and the weapon damage row.
	require.Len(t, session.Rows, 3)

	strength := session.Rows[0]
	assert.Equal(t, MenuRowStat, strength.Kind)
	assert.Contains(t, strength.Label, "Strength")
	assert.Contains(t, strength.Label, "100 -> 105")
	assert.Equal(t, "100 money", strength.Confirm)
	assert.Equal(t, uint32(1), strength.StatID)

	weapon := session.Rows[2]
	assert.Equal(t, MenuRowWeapon, weapon.Kind)
	assert.Equal(t, uint32(101), weapon.WeaponID)
	assert.Equal(t, "50 honor", weapon.Confirm)
}

func TestBuildBulkMenu_Rows(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	logger := &mockLogger{}
	ctx := context.Background()

	session, err := system.BuildBulkMenu(ctx, logger, nk, "user1", "item-1")
	require.NoError(t, err)
	// Both stats sit at rank 1 next, so only the +5% group has targets.
	require.Len(t, session.Rows, 1)
	row := session.Rows[0]
	assert.Equal(t, MenuRowPercent, row.Kind)
	assert.Equal(t, float64(5), row.Pct)
	assert.Contains(t, row.Label, "2 stats")
	assert.Equal(t, "200 money", row.Confirm)
}

func TestTakeMenuAction_PurchasesThroughRow(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}
	logger := &mockLogger{}
	ctx := context.Background()

	session, err := system.BuildStatsMenu(ctx, logger, nk, "user1", "item-1")
	require.NoError(t, err)

	result, err := system.TakeMenuAction(ctx, logger, nk, "user1", session.ID, session.Rows[0].ID)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, int64(900), nk.wallets["user1"]["money"])
}

func TestTakeMenuAction_UnknownSession(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)

	_, err := system.TakeMenuAction(context.Background(), &mockLogger{}, nk, "user1", "nope", 1)
	assert.ErrorIs(t, err, ErrUpgradeMenuNotFound)
}

func TestBuildItemsMenu_ReplacesOpenSession(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	logger := &mockLogger{}
	ctx := context.Background()

	first, err := system.BuildItemsMenu(ctx, logger, nk, "user1", MenuKindItems)
	require.NoError(t, err)
	second, err := system.BuildItemsMenu(ctx, logger, nk, "user1", MenuKindItems)
	require.NoError(t, err)

	_, err = system.MenuPage("user1", first.ID, 0)
	assert.ErrorIs(t, err, ErrUpgradeMenuNotFound)
	_, err = system.MenuPage("user1", second.ID, 0)
	assert.NoError(t, err)
}
