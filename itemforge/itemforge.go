package itemforge

import (
	"context"
	"encoding/json"
	"io"

	"github.com/heroiclabs/nakama-common/runtime"
)

// itemforgeImpl implements the Itemforge interface
type itemforgeImpl struct {
	publishers []Publisher

	// Store systems in a map by type
	systems map[SystemType]System
}

// Init initializes an Itemforge type with the configurations provided.
func Init(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, initializer runtime.Initializer, configs ...SystemConfig) (Itemforge, error) {
	fl := &itemforgeImpl{
		publishers: make([]Publisher, 0),
		systems:    make(map[SystemType]System),
	}

	for _, config := range configs {
		if err := fl.initSystem(ctx, logger, nk, initializer, config); err != nil {
			return nil, err
		}
	}

	return fl, nil
}

// initSystem initializes a specific system based on its type
func (f *itemforgeImpl) initSystem(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, initializer runtime.Initializer, config SystemConfig) error {
	logger.Info("Initializing system type: %v, config file: %s", config.GetType(), config.GetConfigFile())

	configData, err := nk.ReadFile(config.GetConfigFile())
	if err != nil {
		logger.Error("Failed to read config file %s: %v", config.GetConfigFile(), err)
		return err
	}
	configBytes, err := io.ReadAll(configData)
	if err != nil {
		logger.Error("Failed to read config file contents: %v", err)
		configData.Close()
		return err
	}
	configData.Close()

	var system System

	switch config.GetType() {
	case SystemTypeUpgrades:
		upgradesConfig := &UpgradesConfig{}
		if err := json.Unmarshal(configBytes, upgradesConfig); err != nil {
			logger.Error("Failed to parse Upgrades system config: %v", err)
			return err
		}

		upgradesSystem := NewNakamaUpgradesSystem(upgradesConfig, config.GetConfigFile())

		// The item provider is supplied by the host as the extra parameter.
		if extra := config.GetExtra(); extra != nil {
			if provider, ok := extra.(ItemProvider); ok {
				upgradesSystem.SetItemProvider(provider)
			}
		}

		// Catalog load is fatal at startup: a validation failure must halt boot.
		if err := upgradesSystem.LoadCatalog(ctx, logger, nk); err != nil {
			logger.Error("Failed to build upgrade catalog: %v", err)
			return err
		}

		// Startup sweep of ledger rows orphaned by config changes while the
		// server was down. Not fatal.
		if removed, err := upgradesSystem.CleanupOrphans(ctx, logger, nk); err != nil {
			logger.Warn("Startup upgrade ledger sweep failed: %v", err)
		} else if removed > 0 {
			logger.Info("Startup upgrade ledger sweep removed %d orphaned entries", removed)
		}

		system = upgradesSystem

	default:
		logger.Error("Unknown system type: %v", config.GetType())
		return runtime.NewError("unknown system type", 3) // INVALID_ARGUMENT
	}

	if system != nil {
		f.systems[config.GetType()] = system

		// Set the Itemforge reference to enable publisher event delivery.
		if upgradesSystem, ok := system.(*NakamaUpgradesSystem); ok {
			upgradesSystem.SetItemforge(f)
		}
	}

	if config.GetRegister() {
		if err := f.registerSystemRpcs(initializer, config.GetType()); err != nil {
			return err
		}
	}

	return nil
}

// registerSystemRpcs registers the appropriate RPCs for a given system type
func (f *itemforgeImpl) registerSystemRpcs(initializer runtime.Initializer, systemType SystemType) error {
	switch systemType {
	case SystemTypeUpgrades:
		if err := initializer.RegisterRpc(RpcIdUpgradesGet, rpcUpgradesGet(f)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdUpgradesCatalogue, rpcUpgradesCatalogue(f)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdUpgradesMenuPage, rpcUpgradesMenuPage(f)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdUpgradesMenuAction, rpcUpgradesMenuAction(f)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdUpgradesPurchase, rpcUpgradesPurchase(f)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdUpgradesPurchaseWeapon, rpcUpgradesPurchaseWeapon(f)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdUpgradesPurchaseBulk, rpcUpgradesPurchaseBulk(f)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdUpgradesPurge, rpcUpgradesPurge(f)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdUpgradesReload, rpcUpgradesReload(f)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdUpgradesLock, rpcUpgradesLock(f)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdUpgradesListCharacter, rpcUpgradesListCharacter(f)); err != nil {
			return err
		}

	default:
		// Unknown system type, no RPCs to register
	}

	return nil
}

// AddPublisher adds a publisher to the chain
func (f *itemforgeImpl) AddPublisher(publisher Publisher) {
	f.publishers = append(f.publishers, publisher)
}

func (f *itemforgeImpl) GetUpgradesSystem() UpgradesSystem {
	if sys, ok := f.systems[SystemTypeUpgrades].(UpgradesSystem); ok {
		return sys
	}
	return nil
}

// SendPublisherEvents broadcasts events to all registered publishers
func (f *itemforgeImpl) SendPublisherEvents(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, events []*PublisherEvent) {
	if len(f.publishers) == 0 || len(events) == 0 {
		return
	}

	for _, publisher := range f.publishers {
		publisher.Send(ctx, logger, nk, userID, events)
	}
}
