package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"

	"itemforge/itemforge"
)

// noinspection GoUnusedExportedFunction
func InitModule(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, initializer runtime.Initializer) error {
	initStart := time.Now()

	logger.Info("Loading Itemforge Nakama plugin...")

	if _, err := itemforge.Init(ctx, logger, nk, initializer,
		itemforge.WithUpgradesSystem("base-upgrades.json", true),
	); err != nil {
		logger.Error("Failed to initialize Itemforge: %v", err)
		return err
	}

	logger.Info("Itemforge Nakama plugin loaded in '%d' msec.", time.Now().Sub(initStart).Milliseconds())
	return nil
}
