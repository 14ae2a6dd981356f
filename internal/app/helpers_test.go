package app

import "datawatch/internal/config"

func configWithStorage(driver, path, busy, retention string) *config.Config {
	return &config.Config{Storage: &config.StorageConfig{
		Driver: driver, Path: path, BusyTimeout: busy, Retention: retention,
	}}
}
