// Package pagerutil provides the ambient configuration loading and
// checkpoint scheduling a deployed pager needs but the pager package
// itself stays free of: YAML config files decode into pager.Config,
// and a cron-driven scheduler drives periodic WAL checkpoints the way
// the donor repo's job scheduler drives periodic maintenance tasks.
package pagerutil

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lakedb/pagestore/internal/storage/pager"
)

// fileConfig mirrors pager.Config's on-disk shape. JournalMode/SyncMode/
// LockingMode carry `yaml:"-"` on pager.Config itself (they are small
// enums the pager package defines and stringifies for diagnostics, not
// values a YAML document should spell out as raw ints), so this package
// owns the string-to-enum translation instead of asking pager.Config to
// understand YAML.
type fileConfig struct {
	PageSize int `yaml:"page_size"`
	CacheSize int `yaml:"cache_size"`
	JournalMode string `yaml:"journal_mode"`
	SyncMode string `yaml:"sync_mode"`
	LockingMode string `yaml:"locking_mode"`
	MmapSize int64 `yaml:"mmap_size"`
	SharedGroup bool `yaml:"shared_group"`
	SlabPages int `yaml:"slab_pages"`
	AtomicWrite bool `yaml:"atomic_write"`
}

// LoadConfig reads a YAML file at path and decodes it into a
// pager.Config, applying pager.DefaultConfig for any field the document
// omits.
func LoadConfig(path string) (pager.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pager.Config{}, fmt.Errorf("pagerutil: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML bytes into a pager.Config; split out from
// LoadConfig so callers with an in-memory document (tests, embedded
// defaults) don't need a real file.
func ParseConfig(data []byte) (pager.Config, error) {
	def := pager.DefaultConfig()
	fc := fileConfig{
		PageSize: def.PageSize,
		CacheSize: def.CacheSize,
		JournalMode: journalModeString(def.JournalMode),
		SyncMode: syncModeString(def.SyncMode),
		LockingMode: lockingModeString(def.LockingMode),
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return pager.Config{}, fmt.Errorf("pagerutil: parse config: %w", err)
	}
	jm, err := parseJournalMode(fc.JournalMode)
	if err != nil {
		return pager.Config{}, err
	}
	sm, err := parseSyncMode(fc.SyncMode)
	if err != nil {
		return pager.Config{}, err
	}
	lm, err := parseLockingMode(fc.LockingMode)
	if err != nil {
		return pager.Config{}, err
	}
	return pager.Config{
		PageSize: fc.PageSize,
		CacheSize: fc.CacheSize,
		JournalMode: jm,
		SyncMode: sm,
		LockingMode: lm,
		MmapSize: fc.MmapSize,
		SharedGroup: fc.SharedGroup,
		SlabPages: fc.SlabPages,
		AtomicWrite: fc.AtomicWrite,
	}, nil
}

func parseJournalMode(s string) (pager.JournalMode, error) {
	switch s {
	case "", "DELETE":
		return pager.JournalDelete, nil
	case "TRUNCATE":
		return pager.JournalTruncate, nil
	case "PERSIST":
		return pager.JournalPersist, nil
	case "MEMORY":
		return pager.JournalMemory, nil
	case "WAL":
		return pager.JournalWAL, nil
	case "OFF":
		return pager.JournalOff, nil
	default:
		return 0, fmt.Errorf("pagerutil: unknown journal_mode %q", s)
	}
}

func journalModeString(m pager.JournalMode) string { return m.String() }

func parseSyncMode(s string) (pager.SyncMode, error) {
	switch s {
	case "", "NORMAL":
		return pager.SyncNormal, nil
	case "OFF":
		return pager.SyncOff, nil
	case "FULL":
		return pager.SyncFull, nil
	case "EXTRA":
		return pager.SyncExtra, nil
	default:
		return 0, fmt.Errorf("pagerutil: unknown sync_mode %q", s)
	}
}

func syncModeString(m pager.SyncMode) string {
	switch m {
	case pager.SyncOff:
		return "OFF"
	case pager.SyncNormal:
		return "NORMAL"
	case pager.SyncFull:
		return "FULL"
	case pager.SyncExtra:
		return "EXTRA"
	default:
		return "NORMAL"
	}
}

func parseLockingMode(s string) (pager.LockingMode, error) {
	switch s {
	case "", "NORMAL":
		return pager.LockingNormal, nil
	case "EXCLUSIVE":
		return pager.LockingExclusive, nil
	default:
		return 0, fmt.Errorf("pagerutil: unknown locking_mode %q", s)
	}
}

func lockingModeString(m pager.LockingMode) string {
	if m == pager.LockingExclusive {
		return "EXCLUSIVE"
	}
	return "NORMAL"
}
