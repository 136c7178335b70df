package itemforge

import (
	"context"

	"github.com/heroiclabs/nakama-common/runtime"
)

var (
	ErrInternal           = runtime.NewError("internal error occurred", 13) // INTERNAL
	ErrBadInput           = runtime.NewError("bad input", 3)                // INVALID_ARGUMENT
	ErrNoSessionUser      = runtime.NewError("no user ID in session", 3)    // INVALID_ARGUMENT
	ErrPayloadDecode      = runtime.NewError("cannot decode json", 13)      // INTERNAL
	ErrPayloadEncode      = runtime.NewError("cannot encode json", 13)      // INTERNAL
	ErrPayloadEmpty       = runtime.NewError("payload should not be empty", 3)
	ErrSessionUser        = runtime.NewError("user ID in session", 3)     // INVALID_ARGUMENT
	ErrSystemNotAvailable = runtime.NewError("system not available", 13)  // INTERNAL
	ErrSystemNotFound     = runtime.NewError("system not found", 13)      // INTERNAL
	ErrRateLimited        = runtime.NewError("too many requests, slow down", 8)
)

// Itemforge combines the gameplay systems this plugin provides and exposes
// them to host-side hook code.
type Itemforge interface {
	AddPublisher(publisher Publisher)

	GetUpgradesSystem() UpgradesSystem

	// SendPublisherEvents broadcasts events to all registered publishers.
	SendPublisherEvents(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, events []*PublisherEvent)
}

// The SystemType identifies each of the gameplay systems.
type SystemType uint

const (
	SystemTypeUnknown SystemType = iota
	SystemTypeUpgrades
)

// A System is a behaviour grouping initialized from its own config file.
type System interface {
	// GetType returns the runtime type of the gameplay system.
	GetType() SystemType

	// GetConfig returns the configuration type of the gameplay system.
	GetConfig() any
}

// A SystemConfig describes how to initialize one system.
type SystemConfig interface {
	// GetType returns the type of the system.
	GetType() SystemType

	// GetConfigFile returns the configuration file path for the system.
	GetConfigFile() string

	// GetRegister returns true if the system's RPCs should be registered with the host.
	GetRegister() bool

	// GetExtra returns the extra parameter used to configure the system.
	GetExtra() any
}

type systemConfig struct {
	systemType SystemType
	configFile string
	register   bool
	extra      any
}

func (sc *systemConfig) GetType() SystemType {
	return sc.systemType
}

func (sc *systemConfig) GetConfigFile() string {
	return sc.configFile
}

func (sc *systemConfig) GetRegister() bool {
	return sc.register
}

func (sc *systemConfig) GetExtra() any {
	return sc.extra
}

// WithUpgradesSystem configures an UpgradesSystem type and optionally registers
// its RPCs with the game server. The extra parameter must be the ItemProvider
// implementation the host supplies for item instance access.
func WithUpgradesSystem(configFile string, register bool, extra ...any) SystemConfig {
	sc := &systemConfig{
		systemType: SystemTypeUpgrades,
		configFile: configFile,
		register:   register,
	}
	if len(extra) > 0 {
		sc.extra = extra[0]
	}
	return sc
}
