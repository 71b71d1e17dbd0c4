// Package engineconf loads engine startup defaults from an optional .ini
// file, following the teacher project's server/conf package: ini.Load with
// a graceful fallback to ini.Empty() when no file is present, then
// section.Key().MustX(default) for every field. The field names match the
// required pragma names from spec §6 one-to-one, so PRAGMA statements and
// the [engine] section of a config file populate the same struct.
package engineconf

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/sqlitecore/logger"
)

// JournalMode selects the durability strategy (spec §4.B).
type JournalMode string

const (
	JournalDelete   JournalMode = "delete"
	JournalTruncate JournalMode = "truncate"
	JournalPersist  JournalMode = "persist"
	JournalWAL      JournalMode = "wal"
)

// Synchronous controls how aggressively the pager calls fsync.
type Synchronous string

const (
	SyncOff    Synchronous = "off"
	SyncNormal Synchronous = "normal"
	SyncFull   Synchronous = "full"
)

// Config carries the required pragmas (spec §6) as startup defaults. A
// connection may still override any of these at runtime via PRAGMA; Config
// only supplies the value in effect before the first such statement.
type Config struct {
	PageSize      int         // page_size
	CacheSize     int         // cache_size, in pages
	JournalMode   JournalMode // journal_mode
	Synchronous   Synchronous // synchronous
	SchemaVersion int32       // schema_version (informational at open)
	UserVersion   int32       // user_version
	ApplicationID int32       // application_id
	BusyTimeoutMS int         // busy_timeout, milliseconds
	ForeignKeys   bool        // foreign_keys
}

// Default returns the engine's built-in defaults: 4096-byte pages, a
// 2000-page cache, WAL journaling, full sync and a 5000 ms busy timeout.
func Default() *Config {
	return &Config{
		PageSize:      4096,
		CacheSize:     2000,
		JournalMode:   JournalWAL,
		Synchronous:   SyncFull,
		BusyTimeoutMS: 5000,
		ForeignKeys:   false,
	}
}

// Load reads an optional .ini file and overlays it on top of Default(). A
// missing file is not an error -- it just means "use the defaults", mirroring
// the teacher's loadConfiguration behavior.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw *ini.File
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.For("engineconf").Debugf("config file %s not found, using defaults", path)
		raw = ini.Empty()
	} else {
		parsed, err := ini.Load(path)
		if err != nil {
			return nil, errors.Wrapf(err, "engineconf: parse %s", path)
		}
		raw = parsed
	}

	sec := raw.Section("engine")
	cfg.PageSize = sec.Key("page_size").MustInt(cfg.PageSize)
	cfg.CacheSize = sec.Key("cache_size").MustInt(cfg.CacheSize)
	cfg.JournalMode = JournalMode(sec.Key("journal_mode").MustString(string(cfg.JournalMode)))
	cfg.Synchronous = Synchronous(sec.Key("synchronous").MustString(string(cfg.Synchronous)))
	cfg.SchemaVersion = int32(sec.Key("schema_version").MustInt(int(cfg.SchemaVersion)))
	cfg.UserVersion = int32(sec.Key("user_version").MustInt(int(cfg.UserVersion)))
	cfg.ApplicationID = int32(sec.Key("application_id").MustInt(int(cfg.ApplicationID)))
	cfg.BusyTimeoutMS = sec.Key("busy_timeout").MustInt(cfg.BusyTimeoutMS)
	cfg.ForeignKeys = sec.Key("foreign_keys").MustBool(cfg.ForeignKeys)

	if !validPageSize(cfg.PageSize) {
		return nil, errors.Errorf("engineconf: invalid page_size %d", cfg.PageSize)
	}
	return cfg, nil
}

func validPageSize(n int) bool {
	if n == 65536 {
		return true
	}
	if n < 512 || n > 32768 {
		return false
	}
	return n&(n-1) == 0
}
