package pathing

import (
	"os"
	"path/filepath"
)

const (
	defaultDataDir   = "/var/lib/wmbus_parser"
	defaultConfigDir = "/etc/wmbus_parser"
)

// EnsureDirs creates the data and config directories if they do not exist.
// Commands call it on startup.
func EnsureDirs() error {
	for _, dir := range []string{GetDataDir(), GetConfigDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func GetMeterDbPath() string {
	return filepath.Join(GetDataDir(), "wmbus-readings.db")
}

// GetDataDir can be overridden with WMBUS_DATA_DIR.
func GetDataDir() string {
	if dir := os.Getenv("WMBUS_DATA_DIR"); dir != "" {
		return dir
	}
	return defaultDataDir
}

// GetConfigDir can be overridden with WMBUS_CONFIG_DIR.
func GetConfigDir() string {
	if dir := os.Getenv("WMBUS_CONFIG_DIR"); dir != "" {
		return dir
	}
	return defaultConfigDir
}
