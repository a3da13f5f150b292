package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed describes agents and groups to pre-provision on a fresh deployment,
// loaded from the file named by SeedFile/ADMP_SEED_FILE.
type Seed struct {
	Agents []SeedAgent `yaml:"agents"`
	Groups []SeedGroup `yaml:"groups"`
}

// SeedAgent pre-registers an identity with a known public key, skipping the
// normal POST /agents/register round trip.
type SeedAgent struct {
	ID        string `yaml:"id"`
	Kind      string `yaml:"kind"`
	PublicKey string `yaml:"public_key"` // base64, same encoding the API uses
}

// SeedGroup pre-creates a group with an initial creator.
type SeedGroup struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	AccessType string `yaml:"access_type"`
	CreatedBy  string `yaml:"created_by"`
}

// LoadSeed reads and parses a seed file. A missing file is an error, so
// callers check SeedFile != "" before calling this.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &s, nil
}
