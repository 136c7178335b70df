package itemforge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heroiclabs/nakama-common/runtime"
)

// menuPageSize is the number of rows shown per page of an open menu.
const menuPageSize = 12

// MenuKind selects which menu a session is paging over.
type MenuKind string

const (
	// MenuKindItems lists the character's upgradable items.
	MenuKindItems MenuKind = "items"
	// MenuKindUpgraded lists only items that already hold upgrades.
	MenuKindUpgraded MenuKind = "upgraded"
	// MenuKindStats lists one item's purchasable stat and weapon ranks.
	MenuKindStats MenuKind = "stats"
	// MenuKindBulk lists the catalog's percentage groups for one item.
	MenuKindBulk MenuKind = "bulk"
)

// MenuRowKind tags what taking action on a row does.
type MenuRowKind string

const (
	MenuRowItem    MenuRowKind = "item"
	MenuRowStat    MenuRowKind = "stat"
	MenuRowWeapon  MenuRowKind = "weapon"
	MenuRowPercent MenuRowKind = "percent"
	MenuRowText    MenuRowKind = "text"
)

// MenuRow is one actionable line of a menu session. Rows are addressed by ID
// within their session; the binding fields below the label say what the
// action targets.
type MenuRow struct {
	ID       uint32      `json:"id"`
	Kind     MenuRowKind `json:"kind"`
	Label    string      `json:"label"`
	Confirm  string      `json:"confirm,omitempty"`
	Disabled bool        `json:"disabled,omitempty"`

	ItemGUID string  `json:"item_guid,omitempty"`
	StatID   uint32  `json:"stat_id,omitempty"`
	WeaponID uint32  `json:"weapon_id,omitempty"`
	Pct      float64 `json:"pct,omitempty"`
}

// MenuSession is one character's open menu. It pins the catalog version it
// was built against: a reload bumps the live version and every older session
// becomes stale, so actions against it are rejected instead of mis-applied
// to reshuffled rows.
type MenuSession struct {
	ID             string     `json:"id"`
	Kind           MenuKind   `json:"kind"`
	ItemGUID       string     `json:"item_guid,omitempty"`
	CatalogVersion uint64     `json:"-"`
	CreatedAt      int64      `json:"created_at"`
	Rows           []*MenuRow `json:"-"`
	PageCount      int        `json:"page_count"`
}

// MenuPageView is one rendered page of a session.
type MenuPageView struct {
	SessionID string     `json:"session_id"`
	Kind      MenuKind   `json:"kind"`
	ItemGUID  string     `json:"item_guid,omitempty"`
	Page      int        `json:"page"`
	PageCount int        `json:"page_count"`
	Rows      []*MenuRow `json:"rows"`
}

func newMenuSession(kind MenuKind, itemGUID string, catalogVersion uint64, rows []*MenuRow) *MenuSession {
	pageCount := (len(rows) + menuPageSize - 1) / menuPageSize
	if pageCount == 0 {
		pageCount = 1
	}
	return &MenuSession{
		ID:             uuid.NewString(),
		Kind:           kind,
		ItemGUID:       itemGUID,
		CatalogVersion: catalogVersion,
		CreatedAt:      time.Now().Unix(),
		Rows:           rows,
		PageCount:      pageCount,
	}
}

// page returns the rows of one zero-based page, clamped to valid range.
func (s *MenuSession) page(page int) *MenuPageView {
	if page < 0 {
		page = 0
	}
	if page >= s.PageCount {
		page = s.PageCount - 1
	}
	start := page * menuPageSize
	end := start + menuPageSize
	if start > len(s.Rows) {
		start = len(s.Rows)
	}
	if end > len(s.Rows) {
		end = len(s.Rows)
	}
	return &MenuPageView{
		SessionID: s.ID,
		Kind:      s.Kind,
		ItemGUID:  s.ItemGUID,
		Page:      page,
		PageCount: s.PageCount,
		Rows:      s.Rows[start:end],
	}
}

func (s *MenuSession) row(rowID uint32) *MenuRow {
	for _, r := range s.Rows {
		if r.ID == rowID {
			return r
		}
	}
	return nil
}

// menuStore holds at most one open session per character. Opening a new menu
// replaces whatever was open before.
type menuStore struct {
	sync.Mutex
	sessions map[string]*MenuSession
}

func newMenuStore() *menuStore {
	return &menuStore{sessions: make(map[string]*MenuSession)}
}

func (m *menuStore) open(userID string, session *MenuSession) {
	m.Lock()
	m.sessions[userID] = session
	m.Unlock()
}

func (m *menuStore) find(userID, sessionID string) *MenuSession {
	m.Lock()
	defer m.Unlock()
	if s, ok := m.sessions[userID]; ok && s.ID == sessionID {
		return s
	}
	return nil
}

func (m *menuStore) close(userID string) {
	m.Lock()
	delete(m.sessions, userID)
	m.Unlock()
}

// BuildItemsMenu opens a session over the character's items: all upgradable
// items, or only the ones already holding upgrades.
func (s *NakamaUpgradesSystem) BuildItemsMenu(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, kind MenuKind) (*MenuSession, error) {
	if kind != MenuKindItems && kind != MenuKindUpgraded {
		return nil, ErrBadInput
	}
	catalog, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	if !catalog.config.Enabled {
		return nil, ErrUpgradesNotEnabled
	}
	if s.provider == nil {
		return nil, ErrUpgradeNoItemProvider
	}
	items, err := s.provider.ListItems(ctx, userID, kind == MenuKindUpgraded)
	if err != nil {
		logger.Error("Failed to list items for user %s: %v", userID, err)
		return nil, ErrInternal
	}
	ledger, err := s.ledger.get(ctx, logger, nk, userID)
	if err != nil {
		return nil, err
	}

	rows := make([]*MenuRow, 0, len(items))
	for _, item := range items {
		if !s.IsItemUpgradable(item) {
			continue
		}
		if kind == MenuKindUpgraded && len(ledger.itemEntries(item.GUID)) == 0 {
			continue
		}
		rows = append(rows, &MenuRow{
			ID:       uint32(len(rows) + 1),
			Kind:     MenuRowItem,
			Label:    item.Name,
			ItemGUID: item.GUID,
		})
	}
	if len(rows) == 0 {
		rows = append(rows, &MenuRow{ID: 1, Kind: MenuRowText, Label: "You have no items to show here.", Disabled: true})
	}

	session := newMenuSession(kind, "", catalog.version, rows)
	s.menus.open(userID, session)
	return session, nil
}

// BuildStatsMenu opens a session over one item's purchasable ranks: one row
// per enabled stat line, plus the weapon damage row when applicable.
func (s *NakamaUpgradesSystem) BuildStatsMenu(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) (*MenuSession, error) {
	catalog, item, ledger, err := s.purchaseContext(ctx, logger, nk, userID, itemGUID)
	if err != nil {
		return nil, err
	}

	rows := make([]*MenuRow, 0, len(item.Stats)+1)
	for _, line := range item.Stats {
		if !catalog.statTypeEnabled(line.Type) || len(catalog.statsByType[line.Type]) == 0 {
			continue
		}
		_, current := ledger.findStat(itemGUID, line.Type, catalog)
		next := catalog.nextStatRank(current, line.Type)
		row := &MenuRow{
			ID:   uint32(len(rows) + 1),
			Kind: MenuRowStat,
		}
		switch {
		case next == nil:
			row.Label = fmt.Sprintf("%s: rank %d (max)", StatTypeName(line.Type), current.Rank)
			row.Disabled = true
		case !canApplyOn(catalog, item, next.ID, false):
			row.Label = fmt.Sprintf("%s: not allowed on this item", StatTypeName(line.Type))
			row.Disabled = true
		default:
			reqs := catalog.requirementsFor(requirementKey{itemEntry: item.Entry, id: next.ID})
			upgraded := ProjectStat(line.Value, next.ModPct, next.Rank)
			row.Label = fmt.Sprintf("%s: %d -> %d (rank %d, +%v%%)", StatTypeName(line.Type), line.Value, upgraded, next.Rank, next.ModPct)
			row.Confirm = formatRequirements(reqs)
			row.StatID = next.ID
			row.Disabled = len(reqs) == 0
		}
		rows = append(rows, row)
	}
	if item.HasDamage() && len(catalog.weaponRanks) > 0 && canApplyOn(catalog, item, 0, true) {
		var current *WeaponUpgrade
		if entry := ledger.findWeapon(itemGUID); entry != nil {
			current = resolveWeaponRank(logger, catalog, itemGUID, entry.WeaponPct)
		}
		next := catalog.nextWeaponRank(current)
		row := &MenuRow{
			ID:   uint32(len(rows) + 1),
			Kind: MenuRowWeapon,
		}
		if next == nil {
			row.Label = fmt.Sprintf("Weapon damage: rank %d (max)", current.Rank)
			row.Disabled = true
		} else {
			reqs := catalog.requirementsFor(requirementKey{itemEntry: item.Entry, id: next.ID, weapon: true})
			newMin, newMax := ProjectWeaponDamage(item.MinDamage, item.MaxDamage, next.ModPct, next.Rank)
			row.Label = fmt.Sprintf("Weapon damage: %v-%v -> %v-%v (rank %d, +%v%%)", item.MinDamage, item.MaxDamage, newMin, newMax, next.Rank, next.ModPct)
			row.Confirm = formatRequirements(reqs)
			row.WeaponID = next.ID
			row.Disabled = len(reqs) == 0
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		rows = append(rows, &MenuRow{ID: 1, Kind: MenuRowText, Label: "Nothing on this item can be upgraded.", Disabled: true})
	}

	session := newMenuSession(MenuKindStats, itemGUID, catalog.version, rows)
	s.menus.open(userID, session)
	return session, nil
}

// BuildBulkMenu opens a session over the catalog's percentage groups for one
// item: each row buys the next rank of every stat sitting at that percentage.
func (s *NakamaUpgradesSystem) BuildBulkMenu(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemGUID string) (*MenuSession, error) {
	catalog, item, ledger, err := s.purchaseContext(ctx, logger, nk, userID, itemGUID)
	if err != nil {
		return nil, err
	}

	rows := make([]*MenuRow, 0, len(catalog.pctGroups))
	for _, pct := range catalog.pctGroups {
		targets, sets := s.bulkTargets(logger, catalog, ledger, item, pct)
		if len(targets) == 0 {
			continue
		}
		combined := combineRequirementSets(sets, &catalog.config.Caps)
		rows = append(rows, &MenuRow{
			ID:      uint32(len(rows) + 1),
			Kind:    MenuRowPercent,
			Label:   fmt.Sprintf("+%v%% to %d stats", pct, len(targets)),
			Confirm: formatRequirements(combined),
			Pct:     pct,
		})
	}
	if len(rows) == 0 {
		rows = append(rows, &MenuRow{ID: 1, Kind: MenuRowText, Label: "No bulk upgrades are available for this item.", Disabled: true})
	}

	session := newMenuSession(MenuKindBulk, itemGUID, catalog.version, rows)
	s.menus.open(userID, session)
	return session, nil
}

// MenuPage returns one page of the open session. Sessions built before a
// catalog reload are closed and rejected rather than served with row ids that
// no longer mean what they did.
func (s *NakamaUpgradesSystem) MenuPage(userID, sessionID string, page int) (*MenuPageView, error) {
	catalog, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	session := s.menus.find(userID, sessionID)
	if session == nil {
		return nil, ErrUpgradeMenuNotFound
	}
	if session.CatalogVersion != catalog.version {
		s.menus.close(userID)
		return nil, ErrUpgradeMenuStale
	}
	return session.page(page), nil
}

// TakeMenuAction executes a purchasable row of the open session.
func (s *NakamaUpgradesSystem) TakeMenuAction(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, sessionID string, rowID uint32) (*UpgradePurchaseResult, error) {
	catalog, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	session := s.menus.find(userID, sessionID)
	if session == nil {
		return nil, ErrUpgradeMenuNotFound
	}
	if session.CatalogVersion != catalog.version {
		s.menus.close(userID)
		return nil, ErrUpgradeMenuStale
	}
	row := session.row(rowID)
	if row == nil {
		return nil, ErrBadInput
	}
	if row.Disabled {
		return &UpgradePurchaseResult{Success: false, Reason: "that option is not available", ItemGUID: session.ItemGUID}, nil
	}

	switch row.Kind {
	case MenuRowStat:
		return s.PurchaseUpgrade(ctx, logger, nk, userID, session.ItemGUID, row.StatID)
	case MenuRowWeapon:
		return s.PurchaseWeaponUpgrade(ctx, logger, nk, userID, session.ItemGUID, row.WeaponID)
	case MenuRowPercent:
		return s.PurchaseUpgradeBulk(ctx, logger, nk, userID, session.ItemGUID, row.Pct)
	default:
		return nil, ErrBadInput
	}
}
