// Package zones loads per-zone notify configuration from YAML, JSON, or
// TOML files: the zone apex, its current SOA, the secondaries to notify,
// and any TSIG keys used to sign toward them.
package zones

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/hexdns/notifyd/internal/notify/domain"
)

// Zone is one loaded zone: its apex, current SOA, and notify targets.
type Zone struct {
	Apex    string
	SOA     domain.SOA
	Targets []domain.Target
	Keys    []domain.TSIGKey
}

// zoneFile mirrors the on-disk layout of a zone config file.
type zoneFile struct {
	Zone   string `koanf:"zone"`
	SOA    string `koanf:"soa"`
	Notify []struct {
		Addr string `koanf:"addr"`
		Key  string `koanf:"key"`
	} `koanf:"notify"`
	Keys []struct {
		Name      string `koanf:"name"`
		Algorithm string `koanf:"algorithm"`
		Secret    string `koanf:"secret"`
	} `koanf:"keys"`
}

// LoadDirectory walks the given directory, loading all supported zone
// files (YAML, JSON, TOML) and returning the parsed zones sorted by file
// order. Returns an error if any file fails to parse.
func LoadDirectory(dir string) ([]Zone, error) {
	var zones []Zone

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !supportedExt(path) {
			return nil
		}
		z, err := loadZoneFile(path)
		if err != nil {
			return fmt.Errorf("error parsing zone file %s: %w", path, err)
		}
		zones = append(zones, z)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return zones, nil
}

// MergeKeys collects the TSIG keys of all zones into one name-indexed
// map, rejecting conflicting definitions of the same key name.
func MergeKeys(zones []Zone) (map[string]domain.TSIGKey, error) {
	keys := make(map[string]domain.TSIGKey)
	for _, z := range zones {
		for _, k := range z.Keys {
			if existing, ok := keys[k.Name]; ok {
				if existing != k {
					return nil, fmt.Errorf("conflicting definitions for tsig key %s", k.Name)
				}
				continue
			}
			keys[k.Name] = k
		}
	}
	return keys, nil
}

// CanonicalApex lowercases a zone name and strips any trailing dot, so
// registry lookups are insensitive to presentation differences.
func CanonicalApex(name string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
}

func supportedExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	default:
		return false
	}
}

// loadZoneFile loads and parses a single zone file at the given path,
// using the appropriate parser for the file extension.
func loadZoneFile(path string) (Zone, error) {
	k := koanf.New(".")

	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return Zone{}, fmt.Errorf("unsupported zone file extension: %s", path)
	}

	if err := k.Load(file.Provider(path), parser); err != nil {
		return Zone{}, err
	}

	var zf zoneFile
	if err := k.Unmarshal("", &zf); err != nil {
		return Zone{}, err
	}

	if zf.Zone == "" {
		return Zone{}, fmt.Errorf("zone name missing")
	}
	soa, err := domain.ParseSOA(zf.SOA)
	if err != nil {
		return Zone{}, fmt.Errorf("zone %s: %w", zf.Zone, err)
	}

	z := Zone{
		Apex: CanonicalApex(zf.Zone),
		SOA:  soa,
	}

	for _, n := range zf.Notify {
		target, err := domain.NewTarget(n.Addr, n.Key)
		if err != nil {
			return Zone{}, fmt.Errorf("zone %s: %w", zf.Zone, err)
		}
		z.Targets = append(z.Targets, target)
	}

	for _, kk := range zf.Keys {
		key := domain.TSIGKey{Name: kk.Name, Algorithm: kk.Algorithm, Secret: kk.Secret}
		if err := key.Validate(); err != nil {
			return Zone{}, fmt.Errorf("zone %s: %w", zf.Zone, err)
		}
		z.Keys = append(z.Keys, key)
	}

	// Targets that name a key must be able to resolve it at load time,
	// before the engine ever tries to sign.
	for _, t := range z.Targets {
		if t.KeyName == "" {
			continue
		}
		found := false
		for _, key := range z.Keys {
			if key.Name == t.KeyName {
				found = true
				break
			}
		}
		if !found {
			return Zone{}, fmt.Errorf("zone %s: target %s references undefined tsig key %s",
				zf.Zone, t.Addr, t.KeyName)
		}
	}

	return z, nil
}
