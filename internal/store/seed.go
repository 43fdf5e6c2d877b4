package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/atmx/glucose-engine/internal/model"
)

//go:embed seed.yaml
var defaultSeed []byte

// Seed is the catalog bootstrap file: insulin preparations and, optionally,
// the glucose display unit.
type Seed struct {
	GlucoseUnit  string            `yaml:"glucose_unit"`
	InsulinTypes []SeedInsulinType `yaml:"insulin_types"`
}

// SeedInsulinType is one catalog entry of a Seed.
type SeedInsulinType struct {
	Name    string  `yaml:"name"`
	Concept string  `yaml:"concept"`
	S       float64 `yaml:"s"`
	A       float64 `yaml:"a"`
	B       float64 `yaml:"b"`
}

// LoadSeed reads a seed file from path. An empty path yields the built-in
// catalog.
func LoadSeed(path string) (*Seed, error) {
	data := defaultSeed
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read seed file '%s': %w", path, err)
		}
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates seed YAML.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed from YAML: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, fmt.Errorf("seed validation failed: %w", err)
	}
	return &seed, nil
}

// Validate checks names are present and unique and S is positive.
func (s *Seed) Validate() error {
	names := make(map[string]bool, len(s.InsulinTypes))
	for i, t := range s.InsulinTypes {
		if t.Name == "" {
			return fmt.Errorf("insulin_types[%d]: name cannot be empty", i)
		}
		if names[t.Name] {
			return fmt.Errorf("insulin_types[%d]: duplicate name %q", i, t.Name)
		}
		names[t.Name] = true
		if t.S <= 0 {
			return fmt.Errorf("insulin_types[%d]: s must be positive", i)
		}
	}
	return nil
}

// Apply creates the insulin types that are not yet in st (matched by name)
// and sets the glucose unit when the seed names one and st has none. It
// returns the number of types created.
func (s *Seed) Apply(ctx context.Context, st Store, now time.Time) (int, error) {
	created := 0
	for _, t := range s.InsulinTypes {
		_, err := st.GetInsulinTypeByName(ctx, t.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, err
		}

		it := &model.InsulinType{
			ID:        uuid.New().String(),
			Name:      t.Name,
			Concept:   t.Concept,
			S:         t.S,
			A:         t.A,
			B:         t.B,
			CreatedAt: now,
		}
		if err := st.SaveInsulinType(ctx, it); err != nil {
			return created, fmt.Errorf("seed insulin type %q: %w", t.Name, err)
		}
		created++
	}

	if s.GlucoseUnit != "" {
		unit, err := st.GlucoseUnit(ctx)
		if err != nil {
			return created, err
		}
		if unit == "" {
			if err := st.SetGlucoseUnit(ctx, s.GlucoseUnit); err != nil {
				return created, err
			}
		}
	}
	return created, nil
}
