package itemforge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"
	"github.com/robfig/cron/v3"
)

var defaultAllowedStatTypes = []uint32{
	StatTypeMana, StatTypeAgility, StatTypeStrength, StatTypeIntellect,
	StatTypeSpirit, StatTypeStamina, StatTypeCritRating, StatTypeHasteRating,
	StatTypeSpellPower,
}

// NakamaUpgradesSystem implements the UpgradesSystem interface on the Nakama runtime.
type NakamaUpgradesSystem struct {
	config     *UpgradesConfig
	configFile string

	itemforge Itemforge
	provider  ItemProvider

	// The reload gate. Operations take a catalog snapshot through it; a
	// reload (or an admin lock) makes every operation fail retryable until
	// the swap completes.
	reloadMu sync.RWMutex
	catalog  *upgradeCatalog
	locked   atomic.Bool

	ledger *ledgerStore
	menus  *menuStore

	cleanupSchedule cron.Schedule
	scheduleErr     error

	diagMu   sync.Mutex
	diagLast map[string]time.Time
}

// NewNakamaUpgradesSystem returns a new NakamaUpgradesSystem. The catalog is
// not usable until LoadCatalog succeeds.
func NewNakamaUpgradesSystem(config *UpgradesConfig, configFile string) *NakamaUpgradesSystem {
	applyConfigDefaults(config)

	s := &NakamaUpgradesSystem{
		config:     config,
		configFile: configFile,
		ledger:     newLedgerStore(),
		menus:      newMenuStore(),
		diagLast:   make(map[string]time.Time),
	}

	if config.CleanupSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		s.cleanupSchedule, s.scheduleErr = parser.Parse(config.CleanupSchedule)
	}

	return s
}

func applyConfigDefaults(config *UpgradesConfig) {
	if len(config.AllowedStatTypes) == 0 {
		config.AllowedStatTypes = append([]uint32(nil), defaultAllowedStatTypes...)
	}
	if config.Currencies.Money == "" {
		config.Currencies.Money = "money"
	}
	if config.Currencies.Honor == "" {
		config.Currencies.Honor = "honor"
	}
	if config.Currencies.Arena == "" {
		config.Currencies.Arena = "arena"
	}
	if config.Caps.MaxMoney <= 0 {
		config.Caps.MaxMoney = 0x7FFFFFFF
	}
	if config.Caps.MaxHonor <= 0 {
		config.Caps.MaxHonor = 75000
	}
	if config.Caps.MaxArena <= 0 {
		config.Caps.MaxArena = 10000
	}
	if config.Random.Chance <= 0 {
		config.Random.Chance = 2
	}
	if config.Random.Chance > 100 {
		config.Random.Chance = 100
	}
	if config.Random.MaxStats <= 0 {
		config.Random.MaxStats = 2
	}
	if config.Random.MaxStats > 10 {
		config.Random.MaxStats = 10
	}
	if config.Random.MaxRank <= 0 {
		config.Random.MaxRank = 3
	}
	if config.Purge.Token != 0 && config.Purge.TokenCount <= 0 {
		config.Purge.TokenCount = 1
	}
	if config.DiagnosticCooldownSec <= 0 {
		config.DiagnosticCooldownSec = 30
	}
}

func (s *NakamaUpgradesSystem) GetType() SystemType {
	return SystemTypeUpgrades
}

func (s *NakamaUpgradesSystem) GetConfig() any {
	return s.currentConfig()
}

func (s *NakamaUpgradesSystem) SetItemforge(f Itemforge) {
	s.itemforge = f
}

func (s *NakamaUpgradesSystem) SetItemProvider(provider ItemProvider) {
	s.provider = provider
}

// LoadCatalog builds and installs the catalog from the configuration loaded
// at startup. Validation failure here must abort boot.
func (s *NakamaUpgradesSystem) LoadCatalog(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule) error {
	if s.scheduleErr != nil {
		logger.Error("Invalid cleanup schedule %q: %v", s.config.CleanupSchedule, s.scheduleErr)
		return s.scheduleErr
	}
	catalog, err := buildUpgradeCatalog(logger, s.config, 1, s.templateExists())
	if err != nil {
		return err
	}
	s.reloadMu.Lock()
	s.catalog = catalog
	s.reloadMu.Unlock()
	logger.Info("Upgrade catalog loaded: %d stat ranks, %d weapon ranks", len(catalog.stats), len(catalog.weaponRanks))
	return nil
}

// Reload re-reads the config file and swaps the catalog. Operations arriving
// while the reload runs are rejected with a retryable error. On failure the
// previous catalog stays installed.
func (s *NakamaUpgradesSystem) Reload(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule) error {
	wasLocked := s.locked.Swap(true)
	defer s.locked.Store(wasLocked)

	file, err := nk.ReadFile(s.configFile)
	if err != nil {
		logger.Error("Failed to read config file %s: %v", s.configFile, err)
		return err
	}
	configBytes, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		logger.Error("Failed to read config file contents: %v", err)
		return err
	}

	config := &UpgradesConfig{}
	if err := json.Unmarshal(configBytes, config); err != nil {
		logger.Error("Failed to parse upgrades config: %v", err)
		return err
	}
	applyConfigDefaults(config)

	s.reloadMu.Lock()
	version := uint64(1)
	if s.catalog != nil {
		version = s.catalog.version + 1
	}
	s.reloadMu.Unlock()

	catalog, err := buildUpgradeCatalog(logger, config, version, s.templateExists())
	if err != nil {
		logger.Error("Upgrade catalog reload failed, keeping previous catalog: %v", err)
		return ErrUpgradeDataIntegrity
	}

	s.reloadMu.Lock()
	s.config = config
	s.catalog = catalog
	s.reloadMu.Unlock()

	logger.Info("Upgrade catalog reloaded: version %d, %d stat ranks, %d weapon ranks", version, len(catalog.stats), len(catalog.weaponRanks))
	return nil
}

func (s *NakamaUpgradesSystem) SetLocked(locked bool) {
	s.locked.Store(locked)
}

func (s *NakamaUpgradesSystem) IsLocked() bool {
	return s.locked.Load()
}

// currentConfig returns the live config under the reload gate's read lock.
// Operations that already hold a catalog snapshot read its config instead.
func (s *NakamaUpgradesSystem) currentConfig() *UpgradesConfig {
	s.reloadMu.RLock()
	defer s.reloadMu.RUnlock()
	return s.config
}

// snapshot returns the live catalog, or a retryable error while the reload
// gate is active.
func (s *NakamaUpgradesSystem) snapshot() (*upgradeCatalog, error) {
	if s.locked.Load() {
		return nil, ErrUpgradesReloading
	}
	s.reloadMu.RLock()
	catalog := s.catalog
	s.reloadMu.RUnlock()
	if catalog == nil {
		return nil, ErrUpgradesReloading
	}
	return catalog, nil
}

func (s *NakamaUpgradesSystem) templateExists() func(uint32) bool {
	if s.provider == nil {
		return nil
	}
	return s.provider.TemplateExists
}

func (s *NakamaUpgradesSystem) IsEnabled() bool {
	return s.currentConfig().Enabled
}

func (s *NakamaUpgradesSystem) IsStatTypeEnabled(statType uint32) bool {
	for _, t := range s.currentConfig().AllowedStatTypes {
		if t == statType {
			return IsRecognizedStatType(statType)
		}
	}
	return false
}

// IsItemUpgradable reports whether the item can appear in the upgrade menu:
// it must carry at least one enabled stat or a weapon damage pair, must not
// be heirloom quality and must not be broken.
func (s *NakamaUpgradesSystem) IsItemUpgradable(item *ItemInstance) bool {
	if item == nil || item.Quality == ItemQualityHeirloom || item.Broken {
		return false
	}
	catalog, err := s.snapshot()
	if err != nil {
		return false
	}
	for _, stat := range item.Stats {
		if catalog.statTypeEnabled(stat.Type) && len(catalog.statsByType[stat.Type]) > 0 {
			return true
		}
	}
	return item.HasDamage() && len(catalog.weaponRanks) > 0
}

// CanUpgradeApply checks the item entry against the global and per-upgrade
// allow/block lists. A block always wins; an empty allow list is open.
func (s *NakamaUpgradesSystem) CanUpgradeApply(item *ItemInstance, statID uint32) bool {
	catalog, err := s.snapshot()
	if err != nil {
		return false
	}
	return canApplyOn(catalog, item, statID, false)
}

func canApplyOn(catalog *upgradeCatalog, item *ItemInstance, id uint32, weapon bool) bool {
	if item == nil {
		return false
	}
	if catalog.blockedItems[item.Entry] {
		return false
	}
	if len(catalog.allowedItems) > 0 && !catalog.allowedItems[item.Entry] {
		return false
	}
	if weapon {
		return true
	}
	if blocked, ok := catalog.blockedStatItems[id]; ok && blocked[item.Entry] {
		return false
	}
	if allowed, ok := catalog.allowedStatItems[id]; ok && len(allowed) > 0 && !allowed[item.Entry] {
		return false
	}
	return true
}

func (s *NakamaUpgradesSystem) CurrentRank(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string, statType uint32) (*UpgradeStat, error) {
	catalog, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	ledger, err := s.ledger.get(ctx, logger, nk, userID)
	if err != nil {
		return nil, err
	}
	_, stat := ledger.findStat(itemGUID, statType, catalog)
	return stat, nil
}

func (s *NakamaUpgradesSystem) NextRank(current *UpgradeStat, statType uint32) *UpgradeStat {
	catalog, err := s.snapshot()
	if err != nil {
		return nil
	}
	return catalog.nextStatRank(current, statType)
}

func (s *NakamaUpgradesSystem) RequirementsFor(statID, itemEntry uint32) []*UpgradeRequirement {
	catalog, err := s.snapshot()
	if err != nil {
		return nil
	}
	return catalog.requirementsFor(requirementKey{itemEntry: itemEntry, id: statID})
}

func (s *NakamaUpgradesSystem) WeaponRequirementsFor(weaponID uint32) []*UpgradeRequirement {
	catalog, err := s.snapshot()
	if err != nil {
		return nil
	}
	return catalog.requirementsFor(requirementKey{id: weaponID, weapon: true})
}

// resolveWeaponRank maps a persisted percentage to a catalog rank, warning
// when the nearest-rank fallback had to kick in.
func resolveWeaponRank(logger runtime.Logger, catalog *upgradeCatalog, itemGUID string, pct float64) *WeaponUpgrade {
	match, exact := catalog.weaponRankByPct(pct)
	if match != nil && !exact {
		logger.Warn("Weapon upgrade %v%% on item %s no longer matches a configured rank, using nearest rank %d (%v%%)", pct, itemGUID, match.Rank, match.ModPct)
	}
	return match
}

// PurchaseUpgrade buys one stat rank for an item. The target id must be
// exactly the next rank in the item's progression.
func (s *NakamaUpgradesSystem) PurchaseUpgrade(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string, statID uint32) (*UpgradePurchaseResult, error) {
	catalog, item, ledger, err := s.purchaseContext(ctx, logger, nk, userID, itemGUID)
	if err != nil {
		return nil, err
	}

	stat, ok := catalog.stats[statID]
	if !ok {
		return nil, ErrUpgradeUnknownRank
	}
	if !catalog.statTypeEnabled(stat.StatType) {
		return nil, ErrUpgradeStatDisabled
	}
	if item.StatValue(stat.StatType) == nil {
		return nil, ErrUpgradeItemNotEligible
	}
	if !canApplyOn(catalog, item, statID, false) {
		return nil, ErrUpgradeForbiddenForItem
	}

	_, current := ledger.findStat(itemGUID, stat.StatType, catalog)
	next := catalog.nextStatRank(current, stat.StatType)
	if next == nil || next.ID != statID {
		return nil, ErrUpgradeNotNextRank
	}

	reqs := catalog.requirementsFor(requirementKey{itemEntry: item.Entry, id: statID})
	if failure := s.chargeOrFail(ctx, logger, nk, catalog, userID, itemGUID, reqs, func() error {
		ledger.upsertStat(itemGUID, next, catalog)
		return s.ledger.persist(ctx, logger, nk, userID, ledger)
	}, item.Equipped); failure != nil {
		return failure, nil
	}

	base := item.StatValue(stat.StatType)
	result := &UpgradePurchaseResult{
		Success:       true,
		ItemGUID:      itemGUID,
		StatType:      stat.StatType,
		Rank:          next.Rank,
		ModPct:        next.ModPct,
		UpgradedValue: ProjectStat(base.Value, next.ModPct, next.Rank),
		AppliedCount:  1,
	}
	_, result.ItemLevel, _ = s.computeItemLevel(logger, catalog, ledger, item)

	s.finishPurchase(ctx, logger, nk, catalog, userID, item)
	s.emit(ctx, logger, nk, userID, "item_upgrade_purchased", itemGUID, map[string]string{
		"stat_type": fmt.Sprintf("%d", stat.StatType),
		"rank":      fmt.Sprintf("%d", next.Rank),
	})
	return result, nil
}

// PurchaseWeaponUpgrade buys the next weapon damage rank for an item.
func (s *NakamaUpgradesSystem) PurchaseWeaponUpgrade(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string, weaponID uint32) (*UpgradePurchaseResult, error) {
	catalog, item, ledger, err := s.purchaseContext(ctx, logger, nk, userID, itemGUID)
	if err != nil {
		return nil, err
	}

	if _, ok := catalog.weapons[weaponID]; !ok {
		return nil, ErrUpgradeUnknownRank
	}
	if !item.HasDamage() {
		return nil, ErrUpgradeItemNotEligible
	}
	if !canApplyOn(catalog, item, weaponID, true) {
		return nil, ErrUpgradeForbiddenForItem
	}

	var current *WeaponUpgrade
	if entry := ledger.findWeapon(itemGUID); entry != nil {
		current = resolveWeaponRank(logger, catalog, itemGUID, entry.WeaponPct)
	}
	next := catalog.nextWeaponRank(current)
	if next == nil || next.ID != weaponID {
		return nil, ErrUpgradeNotNextRank
	}

	reqs := catalog.requirementsFor(requirementKey{itemEntry: item.Entry, id: weaponID, weapon: true})
	if failure := s.chargeOrFail(ctx, logger, nk, catalog, userID, itemGUID, reqs, func() error {
		ledger.upsertWeapon(itemGUID, next)
		return s.ledger.persist(ctx, logger, nk, userID, ledger)
	}, item.Equipped); failure != nil {
		return failure, nil
	}

	newMin, newMax := ProjectWeaponDamage(item.MinDamage, item.MaxDamage, next.ModPct, next.Rank)
	result := &UpgradePurchaseResult{
		Success:      true,
		ItemGUID:     itemGUID,
		Weapon:       true,
		Rank:         next.Rank,
		ModPct:       next.ModPct,
		MinDamage:    newMin,
		MaxDamage:    newMax,
		AppliedCount: 1,
	}

	s.finishPurchase(ctx, logger, nk, catalog, userID, item)
	s.emit(ctx, logger, nk, userID, "item_upgrade_purchased", itemGUID, map[string]string{
		"weapon": "true",
		"rank":   fmt.Sprintf("%d", next.Rank),
	})
	return result, nil
}

// PurchaseUpgradeBulk buys, as one transaction, the next rank of every
// eligible stat on the item whose next rank sits at the given percentage.
// Costs are summed and clamped at the platform caps before the single check.
func (s *NakamaUpgradesSystem) PurchaseUpgradeBulk(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string, pct float64) (*UpgradePurchaseResult, error) {
	catalog, item, ledger, err := s.purchaseContext(ctx, logger, nk, userID, itemGUID)
	if err != nil {
		return nil, err
	}

	targets, sets := s.bulkTargets(logger, catalog, ledger, item, pct)
	if len(targets) == 0 {
		return &UpgradePurchaseResult{
			Success:  false,
			Reason:   "no stats on this item can be upgraded at that percentage",
			ItemGUID: itemGUID,
		}, nil
	}

	combined := combineRequirementSets(sets, &catalog.config.Caps)
	if failure := s.chargeOrFail(ctx, logger, nk, catalog, userID, itemGUID, combined, func() error {
		for _, target := range targets {
			ledger.upsertStat(itemGUID, target, catalog)
		}
		return s.ledger.persist(ctx, logger, nk, userID, ledger)
	}, item.Equipped); failure != nil {
		return failure, nil
	}

	result := &UpgradePurchaseResult{
		Success:      true,
		ItemGUID:     itemGUID,
		ModPct:       pct,
		AppliedCount: len(targets),
	}
	_, result.ItemLevel, _ = s.computeItemLevel(logger, catalog, ledger, item)

	s.finishPurchase(ctx, logger, nk, catalog, userID, item)
	s.emit(ctx, logger, nk, userID, "item_upgrade_purchased_bulk", itemGUID, map[string]string{
		"pct":   fmt.Sprintf("%v", pct),
		"count": fmt.Sprintf("%d", len(targets)),
	})
	return result, nil
}

// bulkTargets collects the next rank of every stat on the item whose next
// rank percentage equals pct and which passes the apply lists, together with
// each target's requirement set.
func (s *NakamaUpgradesSystem) bulkTargets(logger runtime.Logger, catalog *upgradeCatalog, ledger *userLedger, item *ItemInstance, pct float64) ([]*UpgradeStat, [][]*UpgradeRequirement) {
	var targets []*UpgradeStat
	var sets [][]*UpgradeRequirement
	for _, line := range item.Stats {
		if !catalog.statTypeEnabled(line.Type) {
			continue
		}
		_, current := ledger.findStat(item.GUID, line.Type, catalog)
		next := catalog.nextStatRank(current, line.Type)
		if next == nil || next.ModPct != pct {
			continue
		}
		if !canApplyOn(catalog, item, next.ID, false) {
			continue
		}
		reqs := catalog.requirementsFor(requirementKey{itemEntry: item.Entry, id: next.ID})
		if len(reqs) == 0 {
			continue
		}
		targets = append(targets, next)
		sets = append(sets, reqs)
	}
	return targets, sets
}

// purchaseContext runs the shared front half of every purchase-like call:
// gate, provider, item lookup, menu eligibility, ledger load.
func (s *NakamaUpgradesSystem) purchaseContext(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) (*upgradeCatalog, *ItemInstance, *userLedger, error) {
	catalog, err := s.snapshot()
	if err != nil {
		return nil, nil, nil, err
	}
	if !catalog.config.Enabled {
		return nil, nil, nil, ErrUpgradesNotEnabled
	}
	if s.provider == nil {
		return nil, nil, nil, ErrUpgradeNoItemProvider
	}
	item, err := s.provider.GetItem(ctx, userID, itemGUID)
	if err != nil || item == nil {
		return nil, nil, nil, ErrUpgradeItemNotFound
	}
	if !s.IsItemUpgradable(item) {
		return nil, nil, nil, ErrUpgradeItemNotEligible
	}
	ledger, err := s.ledger.get(ctx, logger, nk, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	return catalog, item, ledger, nil
}

// chargeOrFail verifies the requirement set, then runs the state mutation
// with equip mods toggled off around it, then takes the cost. A non-nil
// return is the failed result to hand back; nil means the purchase went
// through. An empty requirement set means the rank is unpurchasable.
func (s *NakamaUpgradesSystem) chargeOrFail(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, catalog *upgradeCatalog, userID, itemGUID string, reqs []*UpgradeRequirement, mutate func() error, equipped bool) *UpgradePurchaseResult {
	if len(reqs) == 0 {
		return &UpgradePurchaseResult{Success: false, Reason: "this upgrade is not available for purchase", ItemGUID: itemGUID}
	}

	met, err := s.meetsRequirements(ctx, logger, nk, catalog, userID, reqs)
	if err != nil {
		return &UpgradePurchaseResult{Success: false, Reason: "could not verify upgrade cost, try again", ItemGUID: itemGUID}
	}
	if !met {
		return &UpgradePurchaseResult{Success: false, Reason: "you need: " + formatRequirements(reqs), ItemGUID: itemGUID}
	}

	if equipped {
		if err := s.provider.ApplyEquipMods(ctx, userID, itemGUID, false); err != nil {
			logger.Error("Failed to unapply equip mods for item %s: %v", itemGUID, err)
			return &UpgradePurchaseResult{Success: false, Reason: "could not update the item, try again", ItemGUID: itemGUID}
		}
	}
	mutateErr := mutate()
	if equipped {
		if err := s.provider.ApplyEquipMods(ctx, userID, itemGUID, true); err != nil {
			logger.Error("Failed to reapply equip mods for item %s: %v", itemGUID, err)
		}
	}
	if mutateErr != nil {
		return &UpgradePurchaseResult{Success: false, Reason: "could not save the upgrade, try again", ItemGUID: itemGUID}
	}

	if err := s.takeRequirements(ctx, logger, nk, catalog, userID, reqs); err != nil {
		// The upgrade is already persisted; log loudly rather than unwind.
		logger.Error("Failed to take upgrade cost from user %s after persisting: %v", userID, err)
	}
	return nil
}

func (s *NakamaUpgradesSystem) finishPurchase(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, catalog *upgradeCatalog, userID string, item *ItemInstance) {
	if catalog.config.SendItemUpdates && s.provider != nil {
		s.provider.SendItemUpdate(ctx, userID, item)
	}
}

// getWallet reads the user's wallet into currency amounts.
func (s *NakamaUpgradesSystem) getWallet(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) (map[string]int64, error) {
	account, err := nk.AccountGetId(ctx, userID)
	if err != nil {
		logger.Error("Failed to get account for user %s: %v", userID, err)
		return nil, ErrInternal
	}
	wallet := make(map[string]int64)
	if account.GetWallet() != "" {
		if err := json.Unmarshal([]byte(account.GetWallet()), &wallet); err != nil {
			logger.Error("Failed to unmarshal wallet for user %s: %v", userID, err)
			return nil, ErrInternal
		}
	}
	return wallet, nil
}

func (s *NakamaUpgradesSystem) meetsRequirements(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, catalog *upgradeCatalog, userID string, reqs []*UpgradeRequirement) (bool, error) {
	if isFreeRequirementSet(reqs) {
		return true, nil
	}
	var wallet map[string]int64
	for _, req := range reqs {
		switch req.Type {
		case RequirementTypeCurrency, RequirementTypeHonor, RequirementTypeArena:
			if wallet == nil {
				var err error
				if wallet, err = s.getWallet(ctx, logger, nk, userID); err != nil {
					return false, err
				}
			}
			if wallet[catalog.currencyKey(req.Type)] < req.Amount {
				return false, nil
			}
		case RequirementTypeItem:
			has, err := s.provider.HasItemCount(ctx, userID, req.ItemEntry, req.ItemCount)
			if err != nil {
				return false, err
			}
			if !has {
				return false, nil
			}
		}
	}
	return true, nil
}

func (s *NakamaUpgradesSystem) takeRequirements(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, catalog *upgradeCatalog, userID string, reqs []*UpgradeRequirement) error {
	if isFreeRequirementSet(reqs) {
		return nil
	}
	changeset := make(map[string]int64)
	for _, req := range reqs {
		switch req.Type {
		case RequirementTypeCurrency, RequirementTypeHonor, RequirementTypeArena:
			changeset[catalog.currencyKey(req.Type)] -= req.Amount
		case RequirementTypeItem:
			if err := s.provider.DestroyItemCount(ctx, userID, req.ItemEntry, req.ItemCount); err != nil {
				return err
			}
		}
	}
	if len(changeset) > 0 {
		metadata := map[string]any{"source": "item_upgrade"}
		if _, _, err := nk.WalletUpdate(ctx, userID, changeset, metadata, true); err != nil {
			return err
		}
	}
	return nil
}

// PurgeUpgrades removes every upgrade from an item. With refunds enabled the
// full historical cost is returned at current prices, walking each held stat
// from rank 1 up; capacity is verified before anything is mutated.
func (s *NakamaUpgradesSystem) PurgeUpgrades(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) (*UpgradePurgeResult, error) {
	catalog, item, ledger, err := s.purchaseContext(ctx, logger, nk, userID, itemGUID)
	if err != nil {
		return nil, err
	}
	purge := catalog.config.Purge
	if !purge.Allow {
		return nil, ErrUpgradePurgeDisabled
	}

	entries := ledger.itemEntries(itemGUID)
	if len(entries) == 0 {
		return &UpgradePurgeResult{Success: false, Reason: "this item has no upgrades", ItemGUID: itemGUID}, nil
	}

	refundCurrency := make(map[RequirementType]int64)
	var refundItems []*RefundedItem
	if purge.RefundAll {
		refundCurrency, refundItems = s.computeRefund(logger, catalog, entries, item.Entry, itemGUID)

		wallet, err := s.getWallet(ctx, logger, nk, userID)
		if err != nil {
			return nil, err
		}
		for reqType, amount := range refundCurrency {
			if wallet[catalog.currencyKey(reqType)]+amount > capFor(reqType, &catalog.config.Caps) {
				return &UpgradePurgeResult{Success: false, Reason: "the refund would push you over a currency cap", ItemGUID: itemGUID}, nil
			}
		}
		for _, refund := range refundItems {
			ok, err := s.provider.CanStoreNewItem(ctx, userID, refund.Entry, refund.Count)
			if err != nil || !ok {
				return &UpgradePurgeResult{Success: false, Reason: "you do not have inventory space for the refund", ItemGUID: itemGUID}, nil
			}
		}
	}
	if purge.Token != 0 {
		ok, err := s.provider.CanStoreNewItem(ctx, userID, purge.Token, purge.TokenCount)
		if err != nil || !ok {
			return &UpgradePurgeResult{Success: false, Reason: "you do not have inventory space for the purge token", ItemGUID: itemGUID}, nil
		}
	}

	if item.Equipped {
		if err := s.provider.ApplyEquipMods(ctx, userID, itemGUID, false); err != nil {
			logger.Error("Failed to unapply equip mods for item %s: %v", itemGUID, err)
			return &UpgradePurgeResult{Success: false, Reason: "could not update the item, try again", ItemGUID: itemGUID}, nil
		}
	}
	removed := ledger.removeItem(itemGUID)
	persistErr := s.ledger.persist(ctx, logger, nk, userID, ledger)
	if item.Equipped {
		if err := s.provider.ApplyEquipMods(ctx, userID, itemGUID, true); err != nil {
			logger.Error("Failed to reapply equip mods for item %s: %v", itemGUID, err)
		}
	}
	if persistErr != nil {
		return nil, persistErr
	}

	result := &UpgradePurgeResult{Success: true, ItemGUID: itemGUID, Removed: removed}
	if purge.RefundAll {
		changeset := make(map[string]int64)
		result.RefundedCurrency = make(map[string]int64)
		for reqType, amount := range refundCurrency {
			changeset[catalog.currencyKey(reqType)] += amount
			result.RefundedCurrency[catalog.currencyKey(reqType)] = amount
		}
		if len(changeset) > 0 {
			metadata := map[string]any{"source": "item_upgrade_refund"}
			if _, _, err := nk.WalletUpdate(ctx, userID, changeset, metadata, true); err != nil {
				logger.Error("Failed to refund currencies to user %s: %v", userID, err)
			}
		}
		for _, refund := range refundItems {
			if err := s.provider.StoreNewItem(ctx, userID, refund.Entry, refund.Count); err != nil {
				logger.Error("Failed to refund item %d x%d to user %s: %v", refund.Entry, refund.Count, userID, err)
				continue
			}
			result.RefundedItems = append(result.RefundedItems, refund)
		}
	}
	if purge.Token != 0 {
		if err := s.provider.StoreNewItem(ctx, userID, purge.Token, purge.TokenCount); err != nil {
			logger.Error("Failed to grant purge token to user %s: %v", userID, err)
		} else {
			result.TokenEntry = purge.Token
			result.TokenCount = purge.TokenCount
		}
	}

	s.finishPurchase(ctx, logger, nk, catalog, userID, item)
	s.emit(ctx, logger, nk, userID, "item_upgrades_purged", itemGUID, map[string]string{
		"removed": fmt.Sprintf("%d", removed),
	})
	return result, nil
}

// computeRefund totals the cost of every rank held on the item, priced by the
// current catalog. Prices paid under older configs are not reconstructed.
func (s *NakamaUpgradesSystem) computeRefund(logger runtime.Logger, catalog *upgradeCatalog, entries []*AppliedUpgrade, itemEntry uint32, itemGUID string) (map[RequirementType]int64, []*RefundedItem) {
	currency := make(map[RequirementType]int64)
	itemCounts := make(map[uint32]int64)
	var itemOrder []uint32

	addSet := func(reqs []*UpgradeRequirement) {
		for _, req := range reqs {
			switch req.Type {
			case RequirementTypeCurrency, RequirementTypeHonor, RequirementTypeArena:
				currency[req.Type] += req.Amount
			case RequirementTypeItem:
				if _, ok := itemCounts[req.ItemEntry]; !ok {
					itemOrder = append(itemOrder, req.ItemEntry)
				}
				itemCounts[req.ItemEntry] += req.ItemCount
			}
		}
	}

	for _, entry := range entries {
		if entry.Weapon {
			held := resolveWeaponRank(logger, catalog, itemGUID, entry.WeaponPct)
			if held == nil {
				continue
			}
			for rank := 1; rank <= held.Rank; rank++ {
				w := catalog.weaponRanks[rank-1]
				addSet(catalog.requirementsFor(requirementKey{itemEntry: itemEntry, id: w.ID, weapon: true}))
			}
			continue
		}
		held, ok := catalog.stats[entry.StatID]
		if !ok {
			logger.Warn("Ledger entry %s references unknown stat upgrade id %d, skipping refund for it", entry.ID, entry.StatID)
			continue
		}
		ranks := catalog.statsByType[held.StatType]
		for rank := 1; rank <= held.Rank; rank++ {
			addSet(catalog.requirementsFor(requirementKey{itemEntry: itemEntry, id: ranks[rank-1].ID}))
		}
	}

	refundItems := make([]*RefundedItem, 0, len(itemOrder))
	for _, entry := range itemOrder {
		refundItems = append(refundItems, &RefundedItem{Entry: entry, Count: itemCounts[entry]})
	}
	return currency, refundItems
}

// GrantRandomUpgrades rolls the configured chance against a freshly acquired
// item and may grant upgrades to a few of its stats directly. Grants bypass
// the next-rank purchase gate but never duplicate an existing upgrade.
func (s *NakamaUpgradesSystem) GrantRandomUpgrades(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) (bool, error) {
	catalog, err := s.snapshot()
	if err != nil {
		return false, nil
	}
	random := catalog.config.Random
	if !catalog.config.Enabled || !random.Enabled {
		return false, nil
	}
	if rand.Float64()*100 >= random.Chance {
		return false, nil
	}
	if s.provider == nil {
		return false, ErrUpgradeNoItemProvider
	}
	item, err := s.provider.GetItem(ctx, userID, itemGUID)
	if err != nil || item == nil || !s.IsItemUpgradable(item) {
		return false, nil
	}
	ledger, err := s.ledger.get(ctx, logger, nk, userID)
	if err != nil {
		return false, err
	}

	var candidates []uint32
	for _, line := range item.Stats {
		if catalog.statTypeEnabled(line.Type) && len(catalog.statsByType[line.Type]) > 0 {
			candidates = append(candidates, line.Type)
		}
	}
	if len(candidates) == 0 {
		return false, nil
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	count := rand.Intn(random.MaxStats) + 1
	if count > len(candidates) {
		count = len(candidates)
	}

	granted := 0
	for _, statType := range candidates[:count] {
		if existing, _ := ledger.findStat(itemGUID, statType, catalog); existing != nil {
			continue
		}
		ranks := catalog.statsByType[statType]
		ceiling := rand.Intn(random.MaxRank) + 1
		if ceiling > len(ranks) {
			ceiling = len(ranks)
		}
		for rank := ceiling; rank >= 1; rank-- {
			target := ranks[rank-1]
			if !canApplyOn(catalog, item, target.ID, false) {
				continue
			}
			ledger.upsertStat(itemGUID, target, catalog)
			granted++
			break
		}
	}
	if granted == 0 {
		return false, nil
	}
	if err := s.ledger.persist(ctx, logger, nk, userID, ledger); err != nil {
		return false, err
	}

	s.finishPurchase(ctx, logger, nk, catalog, userID, item)
	s.emit(ctx, logger, nk, userID, "item_upgrades_granted", itemGUID, map[string]string{
		"count": fmt.Sprintf("%d", granted),
	})
	return true, nil
}

// ProjectedStatValue is the host's stat recompute hook. While the reload gate
// is active the base amount passes through unchanged rather than failing the
// host's stat calculation.
func (s *NakamaUpgradesSystem) ProjectedStatValue(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, item *ItemInstance, statType uint32, amount int32) (int32, error) {
	if item == nil {
		return amount, nil
	}
	catalog, err := s.snapshot()
	if err != nil {
		return amount, nil
	}
	if !catalog.config.Enabled {
		return amount, nil
	}
	ledger, err := s.ledger.get(ctx, logger, nk, userID)
	if err != nil {
		return amount, err
	}
	_, stat := ledger.findStat(item.GUID, statType, catalog)
	if stat == nil {
		return amount, nil
	}
	return ProjectStat(amount, stat.ModPct, stat.Rank), nil
}

func (s *NakamaUpgradesSystem) ProjectedDamage(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, item *ItemInstance) (float64, float64, error) {
	if item == nil {
		return 0, 0, ErrUpgradeItemNotFound
	}
	catalog, err := s.snapshot()
	if err != nil {
		return item.MinDamage, item.MaxDamage, nil
	}
	if !catalog.config.Enabled {
		return item.MinDamage, item.MaxDamage, nil
	}
	ledger, err := s.ledger.get(ctx, logger, nk, userID)
	if err != nil {
		return item.MinDamage, item.MaxDamage, err
	}
	entry := ledger.findWeapon(item.GUID)
	if entry == nil {
		return item.MinDamage, item.MaxDamage, nil
	}
	held := resolveWeaponRank(logger, catalog, item.GUID, entry.WeaponPct)
	if held == nil {
		return item.MinDamage, item.MaxDamage, nil
	}
	newMin, newMax := ProjectWeaponDamage(item.MinDamage, item.MaxDamage, held.ModPct, held.Rank)
	return newMin, newMax, nil
}

func (s *NakamaUpgradesSystem) ComputeItemLevel(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, item *ItemInstance) (uint32, uint32, error) {
	if item == nil {
		return 0, 0, ErrUpgradeItemNotFound
	}
	catalog, err := s.snapshot()
	if err != nil {
		return item.ItemLevel, item.ItemLevel, nil
	}
	ledger, err := s.ledger.get(ctx, logger, nk, userID)
	if err != nil {
		return item.ItemLevel, item.ItemLevel, err
	}
	return s.computeItemLevel(logger, catalog, ledger, item)
}

func (s *NakamaUpgradesSystem) computeItemLevel(logger runtime.Logger, catalog *upgradeCatalog, ledger *userLedger, item *ItemInstance) (uint32, uint32, error) {
	var originalSum, upgradedSum int64
	for _, line := range item.Stats {
		if line.Value <= 0 {
			continue
		}
		originalSum += int64(line.Value)
		if _, stat := ledger.findStat(item.GUID, line.Type, catalog); stat != nil {
			upgradedSum += int64(ProjectStat(line.Value, stat.ModPct, stat.Rank))
		} else {
			upgradedSum += int64(line.Value)
		}
	}
	return item.ItemLevel, ProjectItemLevel(originalSum, upgradedSum, item.ItemLevel), nil
}

// ListItemUpgrades returns the upgrades held on one item with projected
// values. Entries whose catalog id no longer resolves are pruned with a
// warning and never shown.
func (s *NakamaUpgradesSystem) ListItemUpgrades(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) ([]*ItemUpgradeState, error) {
	catalog, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	ledger, err := s.ledger.get(ctx, logger, nk, userID)
	if err != nil {
		return nil, err
	}

	var item *ItemInstance
	if s.provider != nil {
		item, _ = s.provider.GetItem(ctx, userID, itemGUID)
	}

	if pruned := s.pruneUnresolved(logger, catalog, ledger, itemGUID); pruned > 0 {
		if err := s.ledger.persist(ctx, logger, nk, userID, ledger); err != nil {
			return nil, err
		}
	}

	states := make([]*ItemUpgradeState, 0, 4)
	for _, entry := range ledger.itemEntries(itemGUID) {
		states = append(states, s.entryState(logger, catalog, entry, item))
	}
	return states, nil
}

// pruneUnresolved drops stat entries for one item (or all items when itemGUID
// is empty) whose catalog id vanished across a reload.
func (s *NakamaUpgradesSystem) pruneUnresolved(logger runtime.Logger, catalog *upgradeCatalog, ledger *userLedger, itemGUID string) int {
	pruned := 0
	for _, entry := range append([]*AppliedUpgrade(nil), ledger.Entries...) {
		if entry.Weapon {
			continue
		}
		if itemGUID != "" && entry.ItemGUID != itemGUID {
			continue
		}
		if _, ok := catalog.stats[entry.StatID]; !ok {
			logger.Warn("Dropping ledger entry %s: stat upgrade id %d no longer exists", entry.ID, entry.StatID)
			ledger.removeEntry(entry.ID)
			pruned++
		}
	}
	return pruned
}

func (s *NakamaUpgradesSystem) entryState(logger runtime.Logger, catalog *upgradeCatalog, entry *AppliedUpgrade, item *ItemInstance) *ItemUpgradeState {
	state := &ItemUpgradeState{ItemGUID: entry.ItemGUID}
	if item != nil {
		state.ItemName = item.Name
		state.Active = true
	}
	if entry.Weapon {
		state.Weapon = true
		if held := resolveWeaponRank(logger, catalog, entry.ItemGUID, entry.WeaponPct); held != nil {
			state.Rank = held.Rank
			state.ModPct = held.ModPct
			if item != nil {
				state.MinDamage, state.MaxDamage = ProjectWeaponDamage(item.MinDamage, item.MaxDamage, held.ModPct, held.Rank)
			}
		} else {
			state.ModPct = entry.WeaponPct
			state.Active = false
		}
		return state
	}
	stat := catalog.stats[entry.StatID]
	state.StatType = stat.StatType
	state.StatName = StatTypeName(stat.StatType)
	state.Rank = stat.Rank
	state.ModPct = stat.ModPct
	if item != nil {
		if base := item.StatValue(stat.StatType); base != nil {
			state.BaseValue = base.Value
			state.Value = ProjectStat(base.Value, stat.ModPct, stat.Rank)
		} else {
			state.Active = false
		}
	}
	return state
}

// ListCharacterUpgrades is the diagnostic dump of every upgrade a character
// holds, rate limited per caller to keep it from being spammed.
func (s *NakamaUpgradesSystem) ListCharacterUpgrades(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, callerID, userID string) ([]*ItemUpgradeState, error) {
	catalog, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	cooldown := time.Duration(catalog.config.DiagnosticCooldownSec) * time.Second
	s.diagMu.Lock()
	if last, ok := s.diagLast[callerID]; ok && time.Since(last) < cooldown {
		s.diagMu.Unlock()
		return nil, ErrRateLimited
	}
	s.diagLast[callerID] = time.Now()
	s.diagMu.Unlock()

	ledger, err := s.ledger.get(ctx, logger, nk, userID)
	if err != nil {
		return nil, err
	}

	items := make(map[string]*ItemInstance)
	if s.provider != nil {
		owned, err := s.provider.ListItems(ctx, userID, true)
		if err == nil {
			for _, item := range owned {
				items[item.GUID] = item
			}
		}
	}

	states := make([]*ItemUpgradeState, 0, len(ledger.Entries))
	for _, entry := range ledger.Entries {
		if !entry.Weapon {
			if _, ok := catalog.stats[entry.StatID]; !ok {
				continue
			}
		}
		states = append(states, s.entryState(logger, catalog, entry, items[entry.ItemGUID]))
	}
	return states, nil
}

func (s *NakamaUpgradesSystem) OnItemRemoved(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) error {
	ledger, err := s.ledger.get(ctx, logger, nk, userID)
	if err != nil {
		return err
	}
	if ledger.removeItem(itemGUID) == 0 {
		return nil
	}
	return s.ledger.persist(ctx, logger, nk, userID, ledger)
}

func (s *NakamaUpgradesSystem) OnCharacterDeleted(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) error {
	s.menus.close(userID)
	return s.ledger.purge(ctx, logger, nk, userID)
}

// pruneMissingItems drops every entry whose item instance no longer resolves
// through the provider (destroyed, traded away, deleted with the character).
func (s *NakamaUpgradesSystem) pruneMissingItems(ctx context.Context, logger runtime.Logger, ledger *userLedger, userID string) int {
	if s.provider == nil {
		return 0
	}
	pruned := 0
	missing := make(map[string]bool)
	for _, entry := range append([]*AppliedUpgrade(nil), ledger.Entries...) {
		gone, seen := missing[entry.ItemGUID]
		if !seen {
			item, err := s.provider.GetItem(ctx, userID, entry.ItemGUID)
			gone = err != nil || item == nil
			missing[entry.ItemGUID] = gone
		}
		if gone {
			logger.Warn("Dropping ledger entry %s: item %s no longer exists for user %s", entry.ID, entry.ItemGUID, userID)
			ledger.removeEntry(entry.ID)
			pruned++
		}
	}
	return pruned
}

// CleanupOrphans sweeps the stored ledgers and removes entries referencing
// catalog ids or item instances that no longer exist. Intended to run on the
// configured schedule, not on player actions.
func (s *NakamaUpgradesSystem) CleanupOrphans(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule) (int, error) {
	catalog, err := s.snapshot()
	if err != nil {
		return 0, err
	}

	removed := 0
	cursor := ""
	for {
		objects, nextCursor, err := nk.StorageList(ctx, "", "", upgradesStorageCollection, 100, cursor)
		if err != nil {
			logger.Error("Failed to list upgrade ledgers: %v", err)
			return removed, ErrInternal
		}
		for _, object := range objects {
			l := &userLedger{}
			if err := json.Unmarshal([]byte(object.GetValue()), l); err != nil {
				logger.Error("Failed to unmarshal ledger for user %s during sweep: %v", object.GetUserId(), err)
				continue
			}
			pruned := s.pruneUnresolved(logger, catalog, l, "")
			pruned += s.pruneMissingItems(ctx, logger, l, object.GetUserId())
			if pruned == 0 {
				continue
			}
			if err := s.ledger.persist(ctx, logger, nk, object.GetUserId(), l); err != nil {
				continue
			}
			s.ledger.Lock()
			delete(s.ledger.users, object.GetUserId())
			s.ledger.Unlock()
			removed += pruned
		}
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}
	if removed > 0 {
		logger.Info("Upgrade integrity sweep removed %d orphaned entries", removed)
	}
	return removed, nil
}

func (s *NakamaUpgradesSystem) NextCleanupTime(from time.Time) (time.Time, error) {
	if s.scheduleErr != nil {
		return time.Time{}, s.scheduleErr
	}
	if s.cleanupSchedule == nil {
		return time.Time{}, nil
	}
	return s.cleanupSchedule.Next(from), nil
}

func (s *NakamaUpgradesSystem) RandomUpgradesLoginMessage() string {
	config := s.currentConfig()
	if !config.Random.Enabled {
		return ""
	}
	return config.Random.LoginMsg
}

func (s *NakamaUpgradesSystem) emit(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, name, sourceID string, metadata map[string]string) {
	if s.itemforge == nil {
		return
	}
	s.itemforge.SendPublisherEvents(ctx, logger, nk, userID, []*PublisherEvent{{
		Name:      name,
		Id:        sourceID,
		Timestamp: time.Now().Unix(),
		Metadata:  metadata,
		System:    s,
		SourceId:  sourceID,
	}})
}
