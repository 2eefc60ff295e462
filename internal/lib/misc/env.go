/*
 * Copyright (c) 2022. TxnLab Inc.
 * All Rights reserved.
 */

package misc

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
)

// LoadEnvSettings loads .env.local then .env from the working directory, when present.
// godotenv never overrides values already set, so .env.local wins over .env.
func LoadEnvSettings(logger *slog.Logger) {
	for _, name := range []string{".env.local", ".env"} {
		loadIfPresent(logger, name)
	}
}

// LoadEnvForNetwork loads .env.{network} - ie: generated mnemonics for a sandbox network.
func LoadEnvForNetwork(logger *slog.Logger, network string) {
	loadIfPresent(logger, ".env."+network)
}

func loadIfPresent(logger *slog.Logger, name string) {
	err := godotenv.Load(name)
	switch {
	case err == nil:
		Debugf(logger, "loaded env file:%s", name)
	case !errors.Is(err, fs.ErrNotExist):
		Warnf(logger, "unable to load env file:%s, err:%v", name, err)
	}
}
