package itemforge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/heroiclabs/nakama-common/api"
	"github.com/heroiclabs/nakama-common/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (l *mockLogger) Debug(format string, v ...interface{})                   {}
func (l *mockLogger) Info(format string, v ...interface{})                    {}
func (l *mockLogger) Warn(format string, v ...interface{})                    {}
func (l *mockLogger) Error(format string, v ...interface{})                   {}
func (l *mockLogger) WithField(key string, v interface{}) runtime.Logger      { return l }
func (l *mockLogger) WithFields(fields map[string]interface{}) runtime.Logger { return l }
func (l *mockLogger) Fields() map[string]interface{}                          { return nil }

// testNakamaModule is a test double for runtime.NakamaModule. Only the
// methods the upgrade system touches are implemented.
type testNakamaModule struct {
	runtime.NakamaModule
	storageData map[string]string // collection:key:userID -> value
	wallets     map[string]map[string]int64
	files       map[string]string
}

func newTestNakama() *testNakamaModule {
	return &testNakamaModule{
		storageData: make(map[string]string),
		wallets:     make(map[string]map[string]int64),
		files:       make(map[string]string),
	}
}

func storageKeyOf(collection, key, userID string) string {
	return collection + ":" + key + ":" + userID
}

func (n *testNakamaModule) StorageRead(ctx context.Context, reads []*runtime.StorageRead) ([]*api.StorageObject, error) {
	result := make([]*api.StorageObject, 0, len(reads))
	for _, read := range reads {
		value, exists := n.storageData[storageKeyOf(read.Collection, read.Key, read.UserID)]
		if exists {
			result = append(result, &api.StorageObject{
				Collection: read.Collection,
				Key:        read.Key,
				UserId:     read.UserID,
				Value:      value,
				Version:    "1",
			})
		}
	}
	return result, nil
}

func (n *testNakamaModule) StorageWrite(ctx context.Context, writes []*runtime.StorageWrite) ([]*api.StorageObjectAck, error) {
	result := make([]*api.StorageObjectAck, 0, len(writes))
	for _, write := range writes {
		n.storageData[storageKeyOf(write.Collection, write.Key, write.UserID)] = write.Value
		result = append(result, &api.StorageObjectAck{
			Collection: write.Collection,
			Key:        write.Key,
			UserId:     write.UserID,
			Version:    "1",
		})
	}
	return result, nil
}

func (n *testNakamaModule) StorageDelete(ctx context.Context, deletes []*runtime.StorageDelete) error {
	for _, del := range deletes {
		delete(n.storageData, storageKeyOf(del.Collection, del.Key, del.UserID))
	}
	return nil
}

func (n *testNakamaModule) StorageList(ctx context.Context, callerID, userID, collection string, limit int, cursor string) ([]*api.StorageObject, string, error) {
	result := make([]*api.StorageObject, 0)
	for key, value := range n.storageData {
		parts := strings.SplitN(key, ":", 3)
		if len(parts) != 3 || parts[0] != collection {
			continue
		}
		if userID != "" && parts[2] != userID {
			continue
		}
		result = append(result, &api.StorageObject{
			Collection: parts[0],
			Key:        parts[1],
			UserId:     parts[2],
			Value:      value,
			Version:    "1",
		})
	}
	return result, "", nil
}

func (n *testNakamaModule) AccountGetId(ctx context.Context, userID string) (*api.Account, error) {
	wallet := n.wallets[userID]
	if wallet == nil {
		wallet = map[string]int64{}
	}
	data, err := json.Marshal(wallet)
	if err != nil {
		return nil, err
	}
	return &api.Account{Wallet: string(data)}, nil
}

func (n *testNakamaModule) WalletUpdate(ctx context.Context, userID string, changeset map[string]int64, metadata map[string]interface{}, updateLedger bool) (map[string]int64, map[string]int64, error) {
	wallet := n.wallets[userID]
	if wallet == nil {
		wallet = make(map[string]int64)
		n.wallets[userID] = wallet
	}
	previous := make(map[string]int64, len(wallet))
	for k, v := range wallet {
		previous[k] = v
	}
	for k, delta := range changeset {
		wallet[k] += delta
	}
	return wallet, previous, nil
}

func (n *testNakamaModule) ReadFile(path string) (*os.File, error) {
	content, ok := n.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	f, err := os.CreateTemp("", "itemforge-test-*")
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// fakeItemProvider is an in-memory host item surface.
type fakeItemProvider struct {
	items      map[string]*ItemInstance
	counts     map[uint32]int64
	storeFull  bool
	sentCount  int
	modToggles []bool
}

func newFakeItemProvider(items ...*ItemInstance) *fakeItemProvider {
	p := &fakeItemProvider{
		items:  make(map[string]*ItemInstance),
		counts: make(map[uint32]int64),
	}
	for _, item := range items {
		p.items[item.GUID] = item
	}
	return p
}

func (p *fakeItemProvider) GetItem(ctx context.Context, userID, itemGUID string) (*ItemInstance, error) {
	item, ok := p.items[itemGUID]
	if !ok {
		return nil, fmt.Errorf("no item %s", itemGUID)
	}
	return item, nil
}

func (p *fakeItemProvider) ListItems(ctx context.Context, userID string, includeBank bool) ([]*ItemInstance, error) {
	items := make([]*ItemInstance, 0, len(p.items))
	for _, item := range p.items {
		items = append(items, item)
	}
	return items, nil
}

func (p *fakeItemProvider) ApplyEquipMods(ctx context.Context, userID, itemGUID string, apply bool) error {
	p.modToggles = append(p.modToggles, apply)
	return nil
}

func (p *fakeItemProvider) TemplateExists(entry uint32) bool { return true }

func (p *fakeItemProvider) HasItemCount(ctx context.Context, userID string, entry uint32, count int64) (bool, error) {
	return p.counts[entry] >= count, nil
}

func (p *fakeItemProvider) DestroyItemCount(ctx context.Context, userID string, entry uint32, count int64) error {
	p.counts[entry] -= count
	return nil
}

func (p *fakeItemProvider) CanStoreNewItem(ctx context.Context, userID string, entry uint32, count int64) (bool, error) {
	return !p.storeFull, nil
}

func (p *fakeItemProvider) StoreNewItem(ctx context.Context, userID string, entry uint32, count int64) error {
	p.counts[entry] += count
	return nil
}

func (p *fakeItemProvider) SendItemUpdate(ctx context.Context, userID string, item *ItemInstance) {
	p.sentCount++
}

func testUpgradesConfig() *UpgradesConfig {
	return &UpgradesConfig{
		Enabled: true,
		Stats: []*UpgradeStat{
			{ID: 1, StatType: StatTypeStrength, ModPct: 5, Rank: 1},
			{ID: 2, StatType: StatTypeStrength, ModPct: 10, Rank: 2},
			{ID: 3, StatType: StatTypeStrength, ModPct: 15, Rank: 3},
			{ID: 11, StatType: StatTypeStamina, ModPct: 5, Rank: 1},
			{ID: 12, StatType: StatTypeStamina, ModPct: 10, Rank: 2},
		},
		WeaponRanks: []*WeaponUpgrade{
			{ID: 101, ModPct: 10, Rank: 1},
			{ID: 102, ModPct: 15, Rank: 2},
		},
		Requirements: []*UpgradesConfigRequirement{
			{StatID: 1, Type: RequirementTypeCurrency, Amount: 100},
			{StatID: 2, Type: RequirementTypeCurrency, Amount: 200},
			{StatID: 3, Type: RequirementTypeCurrency, Amount: 300},
			{StatID: 11, Type: RequirementTypeCurrency, Amount: 100},
			{StatID: 12, Type: RequirementTypeCurrency, Amount: 200},
			{StatID: 101, Weapon: true, Type: RequirementTypeHonor, Amount: 50},
			{StatID: 102, Weapon: true, Type: RequirementTypeHonor, Amount: 75},
		},
		RequirementOverrides: []*UpgradesConfigReqOverride{
			{ItemEntry: 501, Requirements: []*UpgradesConfigRequirement{
				{StatID: 1, Type: RequirementTypeCurrency, Amount: 500},
			}},
		},
		Purge: UpgradesConfigPurge{
			Allow:      true,
			RefundAll:  true,
			Token:      7000,
			TokenCount: 1,
		},
	}
}

func testItem() *ItemInstance {
	return &ItemInstance{
		GUID:      "item-1",
		Entry:     500,
		Name:      "Blade of Trials",
		Quality:   ItemQualityRare,
		ItemLevel: 100,
		Stats: []ItemStat{
			{Type: StatTypeStrength, Value: 100},
			{Type: StatTypeStamina, Value: 50},
		},
		MinDamage: 10,
		MaxDamage: 20,
		Equipped:  true,
	}
}

func newTestUpgradesSystem(t *testing.T, config *UpgradesConfig, provider ItemProvider) (*NakamaUpgradesSystem, *testNakamaModule) {
	t.Helper()
	system := NewNakamaUpgradesSystem(config, "base-upgrades.json")
	system.SetItemProvider(provider)
	nk := newTestNakama()
	require.NoError(t, system.LoadCatalog(context.Background(), &mockLogger{}, nk))
	return system, nk
}

func TestNewNakamaUpgradesSystem_Defaults(t *testing.T) {
	config := &UpgradesConfig{Enabled: true, Random: UpgradesConfigRandom{Enabled: true, Chance: 500}}
	system := NewNakamaUpgradesSystem(config, "base-upgrades.json")

	assert.Equal(t, SystemTypeUpgrades, system.GetType())
	assert.Equal(t, config, system.GetConfig())
	assert.Equal(t, float64(100), config.Random.Chance)
	assert.Equal(t, 2, config.Random.MaxStats)
	assert.Equal(t, "money", config.Currencies.Money)
	assert.Equal(t, int64(0x7FFFFFFF), config.Caps.MaxMoney)
	assert.NotEmpty(t, config.AllowedStatTypes)
	assert.True(t, system.IsStatTypeEnabled(StatTypeStrength))
	assert.False(t, system.IsStatTypeEnabled(StatTypeDefense))
}

func TestPurchaseUpgrade_FirstRank(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	config := testUpgradesConfig()
	config.SendItemUpdates = true
	system, nk := newTestUpgradesSystem(t, config, provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}
	logger := &mockLogger{}
	ctx := context.Background()

	result, err := system.PurchaseUpgrade(ctx, logger, nk, "user1", "item-1", 1)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Rank)
	assert.Equal(t, StatTypeStrength, result.StatType)
	assert.Equal(t, int32(105), result.UpgradedValue)
	assert.Equal(t, int64(900), nk.wallets["user1"]["money"])
	assert.Equal(t, 1, provider.sentCount)
	// Equip mods toggled off then back on around the mutation.
	assert.Equal(t, []bool{false, true}, provider.modToggles)

	// The ledger round-trips through storage.
	stored := nk.storageData[storageKeyOf(upgradesStorageCollection, upgradesStorageKey, "user1")]
	require.NotEmpty(t, stored)
	persisted := &userLedger{}
	require.NoError(t, json.Unmarshal([]byte(stored), persisted))
	require.Len(t, persisted.Entries, 1)
	assert.Equal(t, uint32(1), persisted.Entries[0].StatID)
}

func TestPurchaseUpgrade_NotNextRank(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}

	_, err := system.PurchaseUpgrade(context.Background(), &mockLogger{}, nk, "user1", "item-1", 2)
	assert.ErrorIs(t, err, ErrUpgradeNotNextRank)
}

func TestPurchaseUpgrade_RankUpReplacesEntry(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}
	logger := &mockLogger{}
	ctx := context.Background()

	_, err := system.PurchaseUpgrade(ctx, logger, nk, "user1", "item-1", 1)
	require.NoError(t, err)
	result, err := system.PurchaseUpgrade(ctx, logger, nk, "user1", "item-1", 2)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 2, result.Rank)

	ledger, err := system.ledger.get(ctx, logger, nk, "user1")
	require.NoError(t, err)
	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, uint32(2), ledger.Entries[0].StatID)
	assert.Equal(t, int64(700), nk.wallets["user1"]["money"])
}

func TestPurchaseUpgrade_InsufficientFunds(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 10}

	result, err := system.PurchaseUpgrade(context.Background(), &mockLogger{}, nk, "user1", "item-1", 1)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "you need")
	assert.Equal(t, int64(10), nk.wallets["user1"]["money"])
	assert.Empty(t, nk.storageData)
}

func TestPurchaseUpgrade_PerItemOverrideCost(t *testing.T) {
	item := testItem()
	item.Entry = 501
	provider := newFakeItemProvider(item)
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}

	result, err := system.PurchaseUpgrade(context.Background(), &mockLogger{}, nk, "user1", "item-1", 1)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, int64(500), nk.wallets["user1"]["money"])
}

func TestPurchaseWeaponUpgrade(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"honor": 200}
	logger := &mockLogger{}
	ctx := context.Background()

	result, err := system.PurchaseWeaponUpgrade(ctx, logger, nk, "user1", "item-1", 101)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.True(t, result.Weapon)
	assert.Equal(t, float64(11), result.MinDamage)
	assert.Equal(t, float64(22), result.MaxDamage)
	assert.Equal(t, int64(150), nk.wallets["user1"]["honor"])

	// Rank 2 must be targeted next; re-buying rank 1 is rejected.
	_, err = system.PurchaseWeaponUpgrade(ctx, logger, nk, "user1", "item-1", 101)
	assert.ErrorIs(t, err, ErrUpgradeNotNextRank)

	result, err = system.PurchaseWeaponUpgrade(ctx, logger, nk, "user1", "item-1", 102)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 2, result.Rank)
}

func TestPurchaseUpgradeBulk(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}
	logger := &mockLogger{}
	ctx := context.Background()

	// Both strength and stamina sit at rank 1 next, each at +5%.
	result, err := system.PurchaseUpgradeBulk(ctx, logger, nk, "user1", "item-1", 5)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 2, result.AppliedCount)
	assert.Equal(t, int64(800), nk.wallets["user1"]["money"])

	ledger, err := system.ledger.get(ctx, logger, nk, "user1")
	require.NoError(t, err)
	assert.Len(t, ledger.Entries, 2)

	// Nothing is left at +5% now.
	result, err = system.PurchaseUpgradeBulk(ctx, logger, nk, "user1", "item-1", 5)
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestPurgeUpgrades_RefundsAndToken(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}
	logger := &mockLogger{}
	ctx := context.Background()

	_, err := system.PurchaseUpgrade(ctx, logger, nk, "user1", "item-1", 1)
	require.NoError(t, err)
	_, err = system.PurchaseUpgrade(ctx, logger, nk, "user1", "item-1", 2)
	require.NoError(t, err)
	require.Equal(t, int64(700), nk.wallets["user1"]["money"])

	result, err := system.PurgeUpgrades(ctx, logger, nk, "user1", "item-1")
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, int64(300), result.RefundedCurrency["money"])
	assert.Equal(t, uint32(7000), result.TokenEntry)
	assert.Equal(t, int64(1000), nk.wallets["user1"]["money"])
	assert.Equal(t, int64(1), provider.counts[7000])

	ledger, err := system.ledger.get(ctx, logger, nk, "user1")
	require.NoError(t, err)
	assert.Empty(t, ledger.Entries)

	// Purging an item with no upgrades is a plain negative outcome.
	result, err = system.PurgeUpgrades(ctx, logger, nk, "user1", "item-1")
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestPurgeUpgrades_InventoryFullBlocksBeforeMutation(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}
	logger := &mockLogger{}
	ctx := context.Background()

	_, err := system.PurchaseUpgrade(ctx, logger, nk, "user1", "item-1", 1)
	require.NoError(t, err)

	provider.storeFull = true
	result, err := system.PurgeUpgrades(ctx, logger, nk, "user1", "item-1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "inventory space")

	ledger, err := system.ledger.get(ctx, logger, nk, "user1")
	require.NoError(t, err)
	assert.Len(t, ledger.Entries, 1)
}

func TestSetLocked_RejectsOperations(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}

	system.SetLocked(true)
	_, err := system.PurchaseUpgrade(context.Background(), &mockLogger{}, nk, "user1", "item-1", 1)
	assert.ErrorIs(t, err, ErrUpgradesReloading)

	system.SetLocked(false)
	result, err := system.PurchaseUpgrade(context.Background(), &mockLogger{}, nk, "user1", "item-1", 1)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestReload_InvalidatesOpenMenus(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}
	logger := &mockLogger{}
	ctx := context.Background()

	session, err := system.BuildStatsMenu(ctx, logger, nk, "user1", "item-1")
	require.NoError(t, err)
	_, err = system.MenuPage("user1", session.ID, 0)
	require.NoError(t, err)

	configBytes, err := json.Marshal(testUpgradesConfig())
	require.NoError(t, err)
	nk.files["base-upgrades.json"] = string(configBytes)
	require.NoError(t, system.Reload(ctx, logger, nk))

	_, err = system.MenuPage("user1", session.ID, 0)
	assert.ErrorIs(t, err, ErrUpgradeMenuStale)
	_, err = system.TakeMenuAction(ctx, logger, nk, "user1", session.ID, 1)
	assert.ErrorIs(t, err, ErrUpgradeMenuNotFound)
}

func TestReload_KeepsCatalogOnFailure(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	logger := &mockLogger{}
	ctx := context.Background()

	broken := testUpgradesConfig()
	broken.Stats = append(broken.Stats, &UpgradeStat{ID: 99, StatType: StatTypeStrength, ModPct: 20, Rank: 9})
	configBytes, err := json.Marshal(broken)
	require.NoError(t, err)
	nk.files["base-upgrades.json"] = string(configBytes)

	err = system.Reload(ctx, logger, nk)
	assert.ErrorIs(t, err, ErrUpgradeDataIntegrity)

	// The previous catalog is still live.
	catalog, err := system.snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), catalog.version)
	assert.False(t, system.IsLocked())
}

func TestGrantRandomUpgrades_NoDuplicates(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	config := testUpgradesConfig()
	config.Random = UpgradesConfigRandom{Enabled: true, Chance: 100, MaxStats: 10, MaxRank: 3}
	system, nk := newTestUpgradesSystem(t, config, provider)
	logger := &mockLogger{}
	ctx := context.Background()

	granted, err := system.GrantRandomUpgrades(ctx, logger, nk, "user1", "item-1")
	require.NoError(t, err)
	require.True(t, granted)

	ledger, err := system.ledger.get(ctx, logger, nk, "user1")
	require.NoError(t, err)
	require.NotEmpty(t, ledger.Entries)
	seen := make(map[uint32]bool)
	catalog, err := system.snapshot()
	require.NoError(t, err)
	for _, entry := range ledger.Entries {
		stat := catalog.stats[entry.StatID]
		require.NotNil(t, stat)
		assert.False(t, seen[stat.StatType], "duplicate upgrade for stat type %d", stat.StatType)
		seen[stat.StatType] = true
	}
}

func TestProjectedStatValue(t *testing.T) {
	item := testItem()
	provider := newFakeItemProvider(item)
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}
	logger := &mockLogger{}
	ctx := context.Background()

	value, err := system.ProjectedStatValue(ctx, logger, nk, "user1", item, StatTypeStrength, 100)
	require.NoError(t, err)
	assert.Equal(t, int32(100), value)

	_, err = system.PurchaseUpgrade(ctx, logger, nk, "user1", "item-1", 1)
	require.NoError(t, err)

	value, err = system.ProjectedStatValue(ctx, logger, nk, "user1", item, StatTypeStrength, 100)
	require.NoError(t, err)
	assert.Equal(t, int32(105), value)
}

func TestProjectedDamage_NearestRankFallback(t *testing.T) {
	item := testItem()
	provider := newFakeItemProvider(item)
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	logger := &mockLogger{}
	ctx := context.Background()

	// A persisted percentage that no longer exists in the catalog falls back
	// to the nearest lower configured rank.
	ledger, err := system.ledger.get(ctx, logger, nk, "user1")
	require.NoError(t, err)
	ledger.Entries = append(ledger.Entries, &AppliedUpgrade{
		ID:        "row-1",
		ItemGUID:  "item-1",
		Weapon:    true,
		WeaponPct: 12,
	})

	minDmg, maxDmg, err := system.ProjectedDamage(ctx, logger, nk, "user1", item)
	require.NoError(t, err)
	assert.Equal(t, float64(11), minDmg)
	assert.Equal(t, float64(22), maxDmg)
}

func TestComputeItemLevel(t *testing.T) {
	item := testItem()
	provider := newFakeItemProvider(item)
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}
	logger := &mockLogger{}
	ctx := context.Background()

	base, upgraded, err := system.ComputeItemLevel(ctx, logger, nk, "user1", item)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), base)
	assert.Equal(t, uint32(100), upgraded)

	_, err = system.PurchaseUpgrade(ctx, logger, nk, "user1", "item-1", 1)
	require.NoError(t, err)

	// Stat sums: 150 -> 155, so 100 * 155 / 150 = 103.
	_, upgraded, err = system.ComputeItemLevel(ctx, logger, nk, "user1", item)
	require.NoError(t, err)
	assert.Equal(t, uint32(103), upgraded)
}

func TestOnItemRemoved(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}
	logger := &mockLogger{}
	ctx := context.Background()

	_, err := system.PurchaseUpgrade(ctx, logger, nk, "user1", "item-1", 1)
	require.NoError(t, err)

	require.NoError(t, system.OnItemRemoved(ctx, logger, nk, "user1", "item-1"))
	ledger, err := system.ledger.get(ctx, logger, nk, "user1")
	require.NoError(t, err)
	assert.Empty(t, ledger.Entries)
}

func TestOnCharacterDeleted(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	nk.wallets["user1"] = map[string]int64{"money": 1000}
	logger := &mockLogger{}
	ctx := context.Background()

	_, err := system.PurchaseUpgrade(ctx, logger, nk, "user1", "item-1", 1)
	require.NoError(t, err)
	require.NotEmpty(t, nk.storageData)

	require.NoError(t, system.OnCharacterDeleted(ctx, logger, nk, "user1"))
	assert.Empty(t, nk.storageData)
}

func TestCleanupOrphans(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	logger := &mockLogger{}
	ctx := context.Background()

	stale := &userLedger{Entries: []*AppliedUpgrade{
		{ID: "a", ItemGUID: "item-1", StatID: 1},
		{ID: "b", ItemGUID: "item-1", StatID: 999},
	}}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	nk.storageData[storageKeyOf(upgradesStorageCollection, upgradesStorageKey, "user2")] = string(data)

	removed, err := system.CleanupOrphans(ctx, logger, nk)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ledger, err := system.ledger.get(ctx, logger, nk, "user2")
	require.NoError(t, err)
	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, uint32(1), ledger.Entries[0].StatID)
}

func TestListCharacterUpgrades_RateLimited(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	logger := &mockLogger{}
	ctx := context.Background()

	_, err := system.ListCharacterUpgrades(ctx, logger, nk, "gm1", "user1")
	require.NoError(t, err)
	_, err = system.ListCharacterUpgrades(ctx, logger, nk, "gm1", "user1")
	assert.ErrorIs(t, err, ErrRateLimited)
	// A different caller is not affected.
	_, err = system.ListCharacterUpgrades(ctx, logger, nk, "gm2", "user1")
	require.NoError(t, err)
}

func TestNextCleanupTime(t *testing.T) {
	config := testUpgradesConfig()
	config.CleanupSchedule = "0 3 * * *"
	system := NewNakamaUpgradesSystem(config, "base-upgrades.json")

	from := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	next, err := system.NextCleanupTime(from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC), next)
}

func TestIsItemUpgradable(t *testing.T) {
	provider := newFakeItemProvider()
	system, _ := newTestUpgradesSystem(t, testUpgradesConfig(), provider)

	assert.True(t, system.IsItemUpgradable(testItem()))

	heirloom := testItem()
	heirloom.Quality = ItemQualityHeirloom
	assert.False(t, system.IsItemUpgradable(heirloom))

	broken := testItem()
	broken.Broken = true
	assert.False(t, system.IsItemUpgradable(broken))

	bare := testItem()
	bare.Stats = nil
	bare.MinDamage = 0
	bare.MaxDamage = 0
	assert.False(t, system.IsItemUpgradable(bare))

	// Weapon damage alone keeps an item in the menu.
	weaponOnly := testItem()
	weaponOnly.Stats = nil
	assert.True(t, system.IsItemUpgradable(weaponOnly))
}

func TestCanUpgradeApply_Lists(t *testing.T) {
	config := testUpgradesConfig()
	config.BlockedItems = []uint32{666}
	config.AllowedStatItems = []*UpgradesConfigStatItems{
		{StatID: 11, Items: []uint32{777}},
	}
	config.BlockedStatItems = []*UpgradesConfigStatItems{
		{StatID: 1, Items: []uint32{500}},
	}
	system, _ := newTestUpgradesSystem(t, config, newFakeItemProvider())

	item := testItem()
	// Globally blocked entry loses everywhere.
	blocked := testItem()
	blocked.Entry = 666
	assert.False(t, system.CanUpgradeApply(blocked, 1))
	// Per-upgrade block beats the open allow set.
	assert.False(t, system.CanUpgradeApply(item, 1))
	// Rank 2 of the same stat has no block row.
	assert.True(t, system.CanUpgradeApply(item, 2))
	// Non-empty per-upgrade allow set excludes everything else.
	assert.False(t, system.CanUpgradeApply(item, 11))
	allowed := testItem()
	allowed.Entry = 777
	assert.True(t, system.CanUpgradeApply(allowed, 11))
}

func dropStatRequirementRows(config *UpgradesConfig, statIDs ...uint32) {
	kept := config.Requirements[:0]
	for _, row := range config.Requirements {
		drop := false
		for _, id := range statIDs {
			if row.StatID == id && !row.Weapon {
				drop = true
			}
		}
		if !drop {
			kept = append(kept, row)
		}
	}
	config.Requirements = kept
}

func TestPurchaseUpgrade_NoConfiguredCostIsFree(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	config := testUpgradesConfig()
	dropStatRequirementRows(config, 11, 12)
	system, nk := newTestUpgradesSystem(t, config, provider)
	logger := &mockLogger{}
	ctx := context.Background()

	// A rank with no requirement rows at all is freely bought, even with an
	// empty wallet.
	result, err := system.PurchaseUpgrade(ctx, logger, nk, "user1", "item-1", 11)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Empty(t, nk.wallets["user1"])

	ledger, err := system.ledger.get(ctx, logger, nk, "user1")
	require.NoError(t, err)
	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, uint32(11), ledger.Entries[0].StatID)
}

func TestPurchaseUpgradeBulk_IncludesFreeRanks(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	config := testUpgradesConfig()
	dropStatRequirementRows(config, 11, 12)
	system, nk := newTestUpgradesSystem(t, config, provider)
	nk.wallets["user1"] = map[string]int64{"money": 100}
	logger := &mockLogger{}
	ctx := context.Background()

	// The free stamina rank joins the paid strength rank in the +5% group.
	result, err := system.PurchaseUpgradeBulk(ctx, logger, nk, "user1", "item-1", 5)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 2, result.AppliedCount)
	assert.Equal(t, int64(0), nk.wallets["user1"]["money"])
}

func TestPurchaseUpgrade_AllCostRowsDroppedIsUnpurchasable(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	config := testUpgradesConfig()
	for _, row := range config.Requirements {
		if row.StatID == 11 && !row.Weapon {
			row.Amount = -5
		}
	}
	system, nk := newTestUpgradesSystem(t, config, provider)

	result, err := system.PurchaseUpgrade(context.Background(), &mockLogger{}, nk, "user1", "item-1", 11)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "not available")
}

func TestCleanupOrphans_DropsMissingItems(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	logger := &mockLogger{}
	ctx := context.Background()

	stale := &userLedger{Entries: []*AppliedUpgrade{
		{ID: "a", ItemGUID: "item-1", StatID: 1},
		{ID: "b", ItemGUID: "item-gone", StatID: 2},
		{ID: "c", ItemGUID: "item-gone", Weapon: true, WeaponPct: 10},
	}}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	nk.storageData[storageKeyOf(upgradesStorageCollection, upgradesStorageKey, "user2")] = string(data)

	removed, err := system.CleanupOrphans(ctx, logger, nk)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	ledger, err := system.ledger.get(ctx, logger, nk, "user2")
	require.NoError(t, err)
	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, "item-1", ledger.Entries[0].ItemGUID)
}

func TestReload_ConcurrentOperations(t *testing.T) {
	provider := newFakeItemProvider(testItem())
	system, nk := newTestUpgradesSystem(t, testUpgradesConfig(), provider)
	logger := &mockLogger{}
	ctx := context.Background()

	configBytes, err := json.Marshal(testUpgradesConfig())
	require.NoError(t, err)
	nk.files["base-upgrades.json"] = string(configBytes)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			system.IsEnabled()
			system.IsStatTypeEnabled(StatTypeStrength)
			system.RandomUpgradesLoginMessage()
			_, _, _ = system.ProjectedDamage(ctx, logger, nk, "user1", testItem())
		}
	}()
	for i := 0; i < 20; i++ {
		require.NoError(t, system.Reload(ctx, logger, nk))
	}
	<-done
}
