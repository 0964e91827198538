package core

import (
	"fmt"
	"strings"
)

// CurrentConfigVersion is the latest config schema version.
const CurrentConfigVersion = 2

// configMigration defines a single config migration step.
type configMigration struct {
	FromVersion int
	Migrate     func(raw map[string]any) error
}

// configMigrations is the ordered list of all migrations.
// Each migration transforms raw YAML map from FromVersion to FromVersion+1.
var configMigrations = []configMigration{
	{FromVersion: 0, Migrate: migrateV0toV1},
	{FromVersion: 1, Migrate: migrateV1toV2},
}

// MigrateConfig applies all pending migrations to a raw YAML config map.
// Returns the final version number and whether any migration was applied.
func MigrateConfig(raw map[string]any) (version int, migrated bool, err error) {
	switch v := raw["version"].(type) {
	case int:
		version = v
	case float64:
		version = int(v)
	default:
		version = 0
	}
	if version > CurrentConfigVersion {
		return version, false, fmt.Errorf("config version %d is newer than supported %d", version, CurrentConfigVersion)
	}

	startVersion := version
	for _, m := range configMigrations {
		if m.FromVersion == version {
			if err := m.Migrate(raw); err != nil {
				return version, version != startVersion,
					fmt.Errorf("migration v%d→v%d failed: %w", m.FromVersion, m.FromVersion+1, err)
			}
			version++
			raw["version"] = version
		}
	}
	return version, version != startVersion, nil
}

// migrateV0toV1 turns the single top-level "peer" section of unversioned
// configs into a one-element profiles list named "default".
func migrateV0toV1(raw map[string]any) error {
	peerRaw, ok := raw["peer"]
	if !ok {
		return nil
	}
	peer, ok := peerRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("peer section is %T, want mapping", peerRaw)
	}
	if _, ok := peer["name"]; !ok {
		peer["name"] = "default"
	}
	profiles, _ := raw["profiles"].([]any)
	raw["profiles"] = append([]any{peer}, profiles...)
	delete(raw, "peer")
	return nil
}

// migrateV1toV2 splits comma-separated allowed_ips and dns strings into lists.
func migrateV1toV2(raw map[string]any) error {
	profiles, ok := raw["profiles"].([]any)
	if !ok {
		return nil
	}
	for _, pRaw := range profiles {
		p, ok := pRaw.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"allowed_ips", "dns", "addresses"} {
			if s, ok := p[key].(string); ok {
				p[key] = splitList(s)
			}
		}
	}
	return nil
}

func splitList(s string) []any {
	var out []any
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
