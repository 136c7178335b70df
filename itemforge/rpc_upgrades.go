package itemforge

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/heroiclabs/nakama-common/runtime"
)

const (
	RpcIdUpgradesGet            = "upgrades.get"
	RpcIdUpgradesCatalogue      = "upgrades.catalogue"
	RpcIdUpgradesMenuPage       = "upgrades.menu_page"
	RpcIdUpgradesMenuAction     = "upgrades.menu_action"
	RpcIdUpgradesPurchase       = "upgrades.purchase"
	RpcIdUpgradesPurchaseWeapon = "upgrades.purchase_weapon"
	RpcIdUpgradesPurchaseBulk   = "upgrades.purchase_bulk"
	RpcIdUpgradesPurge          = "upgrades.purge"
	RpcIdUpgradesReload         = "upgrades.reload"
	RpcIdUpgradesLock           = "upgrades.lock"
	RpcIdUpgradesListCharacter  = "upgrades.list_character"
)

func upgradesSystemFrom(f *itemforgeImpl) (UpgradesSystem, error) {
	system := f.GetUpgradesSystem()
	if system == nil {
		return nil, ErrSystemNotFound
	}
	return system, nil
}

func sessionUserID(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string)
	if !ok || userID == "" {
		return "", ErrNoSessionUser
	}
	return userID, nil
}

// serverOnly rejects calls carrying a session user. Reload and lock are
// operational RPCs invoked with the server key, never by clients.
func serverOnly(ctx context.Context) error {
	if userID, ok := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string); ok && userID != "" {
		return ErrSessionUser
	}
	return nil
}

func encodeResponse(logger runtime.Logger, response any) (string, error) {
	data, err := json.Marshal(response)
	if err != nil {
		logger.Error("Failed to encode response: %v", err)
		return "", ErrPayloadEncode
	}
	return string(data), nil
}

type upgradesGetRequest struct {
	ItemGUID string `json:"item_guid"`
}

type upgradesGetResponse struct {
	Upgrades []*ItemUpgradeState `json:"upgrades"`
}

func rpcUpgradesGet(f *itemforgeImpl) func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		system, err := upgradesSystemFrom(f)
		if err != nil {
			return "", err
		}
		userID, err := sessionUserID(ctx)
		if err != nil {
			return "", err
		}
		if payload == "" {
			return "", ErrPayloadEmpty
		}
		request := &upgradesGetRequest{}
		if err := json.Unmarshal([]byte(payload), request); err != nil {
			return "", ErrPayloadDecode
		}
		if request.ItemGUID == "" {
			return "", ErrBadInput
		}
		upgrades, err := system.ListItemUpgrades(ctx, logger, nk, userID, request.ItemGUID)
		if err != nil {
			return "", err
		}
		return encodeResponse(logger, &upgradesGetResponse{Upgrades: upgrades})
	}
}

type upgradesCatalogueResponse struct {
	Enabled          bool             `json:"enabled"`
	AllowedStatTypes []uint32         `json:"allowed_stat_types"`
	Stats            []*UpgradeStat   `json:"stats"`
	WeaponRanks      []*WeaponUpgrade `json:"weapon_ranks"`
}

func rpcUpgradesCatalogue(f *itemforgeImpl) func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		system, err := upgradesSystemFrom(f)
		if err != nil {
			return "", err
		}
		config, ok := system.GetConfig().(*UpgradesConfig)
		if !ok {
			return "", ErrSystemNotAvailable
		}
		return encodeResponse(logger, &upgradesCatalogueResponse{
			Enabled:          config.Enabled,
			AllowedStatTypes: config.AllowedStatTypes,
			Stats:            config.Stats,
			WeaponRanks:      config.WeaponRanks,
		})
	}
}

type upgradesMenuPageRequest struct {
	SessionID string   `json:"session_id,omitempty"`
	Page      int      `json:"page,omitempty"`
	Kind      MenuKind `json:"kind,omitempty"`
	ItemGUID  string   `json:"item_guid,omitempty"`
}

// rpcUpgradesMenuPage opens a menu when no session id is supplied, otherwise
// pages the open session.
func rpcUpgradesMenuPage(f *itemforgeImpl) func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		system, err := upgradesSystemFrom(f)
		if err != nil {
			return "", err
		}
		userID, err := sessionUserID(ctx)
		if err != nil {
			return "", err
		}
		if payload == "" {
			return "", ErrPayloadEmpty
		}
		request := &upgradesMenuPageRequest{}
		if err := json.Unmarshal([]byte(payload), request); err != nil {
			return "", ErrPayloadDecode
		}

		if request.SessionID == "" {
			var session *MenuSession
			switch request.Kind {
			case MenuKindItems, MenuKindUpgraded:
				session, err = system.BuildItemsMenu(ctx, logger, nk, userID, request.Kind)
			case MenuKindStats:
				session, err = system.BuildStatsMenu(ctx, logger, nk, userID, request.ItemGUID)
			case MenuKindBulk:
				session, err = system.BuildBulkMenu(ctx, logger, nk, userID, request.ItemGUID)
			default:
				return "", ErrBadInput
			}
			if err != nil {
				return "", err
			}
			request.SessionID = session.ID
			request.Page = 0
		}

		page, err := system.MenuPage(userID, request.SessionID, request.Page)
		if err != nil {
			return "", err
		}
		return encodeResponse(logger, page)
	}
}

type upgradesMenuActionRequest struct {
	SessionID string `json:"session_id"`
	RowID     uint32 `json:"row_id"`
}

func rpcUpgradesMenuAction(f *itemforgeImpl) func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		system, err := upgradesSystemFrom(f)
		if err != nil {
			return "", err
		}
		userID, err := sessionUserID(ctx)
		if err != nil {
			return "", err
		}
		if payload == "" {
			return "", ErrPayloadEmpty
		}
		request := &upgradesMenuActionRequest{}
		if err := json.Unmarshal([]byte(payload), request); err != nil {
			return "", ErrPayloadDecode
		}
		if request.SessionID == "" || request.RowID == 0 {
			return "", ErrBadInput
		}
		result, err := system.TakeMenuAction(ctx, logger, nk, userID, request.SessionID, request.RowID)
		if err != nil {
			return "", err
		}
		return encodeResponse(logger, result)
	}
}

type upgradesPurchaseRequest struct {
	ItemGUID string  `json:"item_guid"`
	StatID   uint32  `json:"stat_id,omitempty"`
	WeaponID uint32  `json:"weapon_id,omitempty"`
	Pct      float64 `json:"pct,omitempty"`
}

func rpcUpgradesPurchase(f *itemforgeImpl) func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		system, err := upgradesSystemFrom(f)
		if err != nil {
			return "", err
		}
		userID, err := sessionUserID(ctx)
		if err != nil {
			return "", err
		}
		if payload == "" {
			return "", ErrPayloadEmpty
		}
		request := &upgradesPurchaseRequest{}
		if err := json.Unmarshal([]byte(payload), request); err != nil {
			return "", ErrPayloadDecode
		}
		if request.ItemGUID == "" || request.StatID == 0 {
			return "", ErrBadInput
		}
		result, err := system.PurchaseUpgrade(ctx, logger, nk, userID, request.ItemGUID, request.StatID)
		if err != nil {
			return "", err
		}
		return encodeResponse(logger, result)
	}
}

func rpcUpgradesPurchaseWeapon(f *itemforgeImpl) func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		system, err := upgradesSystemFrom(f)
		if err != nil {
			return "", err
		}
		userID, err := sessionUserID(ctx)
		if err != nil {
			return "", err
		}
		if payload == "" {
			return "", ErrPayloadEmpty
		}
		request := &upgradesPurchaseRequest{}
		if err := json.Unmarshal([]byte(payload), request); err != nil {
			return "", ErrPayloadDecode
		}
		if request.ItemGUID == "" || request.WeaponID == 0 {
			return "", ErrBadInput
		}
		result, err := system.PurchaseWeaponUpgrade(ctx, logger, nk, userID, request.ItemGUID, request.WeaponID)
		if err != nil {
			return "", err
		}
		return encodeResponse(logger, result)
	}
}

func rpcUpgradesPurchaseBulk(f *itemforgeImpl) func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		system, err := upgradesSystemFrom(f)
		if err != nil {
			return "", err
		}
		userID, err := sessionUserID(ctx)
		if err != nil {
			return "", err
		}
		if payload == "" {
			return "", ErrPayloadEmpty
		}
		request := &upgradesPurchaseRequest{}
		if err := json.Unmarshal([]byte(payload), request); err != nil {
			return "", ErrPayloadDecode
		}
		if request.ItemGUID == "" || request.Pct <= 0 {
			return "", ErrBadInput
		}
		result, err := system.PurchaseUpgradeBulk(ctx, logger, nk, userID, request.ItemGUID, request.Pct)
		if err != nil {
			return "", err
		}
		return encodeResponse(logger, result)
	}
}

func rpcUpgradesPurge(f *itemforgeImpl) func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		system, err := upgradesSystemFrom(f)
		if err != nil {
			return "", err
		}
		userID, err := sessionUserID(ctx)
		if err != nil {
			return "", err
		}
		if payload == "" {
			return "", ErrPayloadEmpty
		}
		request := &upgradesGetRequest{}
		if err := json.Unmarshal([]byte(payload), request); err != nil {
			return "", ErrPayloadDecode
		}
		if request.ItemGUID == "" {
			return "", ErrBadInput
		}
		result, err := system.PurgeUpgrades(ctx, logger, nk, userID, request.ItemGUID)
		if err != nil {
			return "", err
		}
		return encodeResponse(logger, result)
	}
}

type upgradesReloadResponse struct {
	Reloaded bool `json:"reloaded"`
}

func rpcUpgradesReload(f *itemforgeImpl) func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		system, err := upgradesSystemFrom(f)
		if err != nil {
			return "", err
		}
		if err := serverOnly(ctx); err != nil {
			return "", err
		}
		if err := system.Reload(ctx, logger, nk); err != nil {
			return "", err
		}
		return encodeResponse(logger, &upgradesReloadResponse{Reloaded: true})
	}
}

type upgradesLockRequest struct {
	Locked bool `json:"locked"`
}

type upgradesLockResponse struct {
	Locked bool `json:"locked"`
}

func rpcUpgradesLock(f *itemforgeImpl) func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		system, err := upgradesSystemFrom(f)
		if err != nil {
			return "", err
		}
		if err := serverOnly(ctx); err != nil {
			return "", err
		}
		if payload == "" {
			return "", ErrPayloadEmpty
		}
		request := &upgradesLockRequest{}
		if err := json.Unmarshal([]byte(payload), request); err != nil {
			return "", ErrPayloadDecode
		}
		system.SetLocked(request.Locked)
		return encodeResponse(logger, &upgradesLockResponse{Locked: system.IsLocked()})
	}
}

type upgradesListCharacterRequest struct {
	UserID string `json:"user_id,omitempty"`
}

func rpcUpgradesListCharacter(f *itemforgeImpl) func(context.Context, runtime.Logger, *sql.DB, runtime.NakamaModule, string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		system, err := upgradesSystemFrom(f)
		if err != nil {
			return "", err
		}
		callerID, err := sessionUserID(ctx)
		if err != nil {
			return "", err
		}
		request := &upgradesListCharacterRequest{}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), request); err != nil {
				return "", ErrPayloadDecode
			}
		}
		targetID := request.UserID
		if targetID == "" {
			targetID = callerID
		}
		upgrades, err := system.ListCharacterUpgrades(ctx, logger, nk, callerID, targetID)
		if err != nil {
			return "", err
		}
		return encodeResponse(logger, &upgradesGetResponse{Upgrades: upgrades})
	}
}
