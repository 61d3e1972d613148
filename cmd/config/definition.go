package config

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/bitten-ci/bitten/internal/models"
	"github.com/bitten-ci/bitten/internal/recipe"
	"github.com/bitten-ci/bitten/internal/recipe/commands"
	"github.com/bitten-ci/bitten/internal/store"
)

// Definition is a build configuration as written in YAML.
type Definition struct {
	Name        string     `yaml:"name" validate:"required"`
	Path        string     `yaml:"path"`
	Label       string     `yaml:"label"`
	Description string     `yaml:"description"`
	Active      *bool      `yaml:"active"`
	MinRev      string     `yaml:"min_rev"`
	MaxRev      string     `yaml:"max_rev"`
	Recipe      string     `yaml:"recipe" validate:"required"`
	Platforms   []Platform `yaml:"platforms" validate:"dive"`
}

// Platform is a target platform of a Definition.
type Platform struct {
	Name  string `yaml:"name" validate:"required"`
	Rules []Rule `yaml:"rules" validate:"dive"`
}

// Rule is one property/pattern pair.
type Rule struct {
	Property string `yaml:"property" validate:"required"`
	Pattern  string `yaml:"pattern"`
}

var validate = validator.New()

// Validate checks required fields and that the recipe only uses known
// commands.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return err
	}
	rc, err := recipe.Parse([]byte(d.Recipe))
	if err != nil {
		return err
	}
	return commands.NewRegistry().Check(rc)
}

func (d *Definition) config() *models.BuildConfig {
	return &models.BuildConfig{
		Name:        d.Name,
		Path:        d.Path,
		Recipe:      d.Recipe,
		MinRev:      d.MinRev,
		MaxRev:      d.MaxRev,
		Label:       lo.Ternary(d.Label == "", d.Name, d.Label),
		Description: d.Description,
		Active:      d.Active == nil || *d.Active,
	}
}

// Decode reads every YAML document in r.
func Decode(r io.Reader) ([]Definition, error) {
	dec := yaml.NewDecoder(r)
	var defs []Definition
	for {
		var def Definition
		if err := dec.Decode(&def); err != nil {
			if errors.Is(err, io.EOF) {
				return defs, nil
			}
			return nil, err
		}
		if def.Name == "" && def.Recipe == "" {
			continue
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("config %q: %w", def.Name, err)
		}
		defs = append(defs, def)
	}
}

// Apply creates or updates each definition in a single transaction.
// Platforms are matched by name so builds keep their platform.
func Apply(ctx context.Context, st *store.Store, defs []Definition) error {
	return st.Transaction(ctx, func(tx *store.Store) error {
		for _, def := range defs {
			if err := apply(ctx, tx, def); err != nil {
				return fmt.Errorf("config %q: %w", def.Name, err)
			}
		}
		return nil
	})
}

func apply(ctx context.Context, tx *store.Store, def Definition) error {
	cfg := def.config()
	if _, err := tx.GetConfig(ctx, cfg.Name); err == nil {
		if err := tx.UpdateConfig(ctx, cfg.Name, cfg); err != nil {
			return err
		}
	} else if errors.Is(err, store.ErrNotFound) {
		if err := tx.InsertConfig(ctx, cfg); err != nil {
			return err
		}
	} else {
		return err
	}

	existing, err := tx.ListPlatforms(ctx, cfg.Name)
	if err != nil {
		return err
	}
	byName := lo.KeyBy(existing, func(p models.TargetPlatform) string { return p.Name })

	for _, p := range def.Platforms {
		platform := &models.TargetPlatform{
			Config: cfg.Name,
			Name:   p.Name,
			Rules: lo.Map(p.Rules, func(r Rule, _ int) models.PlatformRule {
				return models.PlatformRule{Property: r.Property, Pattern: r.Pattern}
			}),
		}
		if old, ok := byName[p.Name]; ok {
			platform.ID = old.ID
			delete(byName, p.Name)
			if err := tx.UpdatePlatform(ctx, platform); err != nil {
				return err
			}
			continue
		}
		if err := tx.InsertPlatform(ctx, platform); err != nil {
			return err
		}
	}

	for _, stale := range byName {
		if err := tx.DeletePlatform(ctx, stale.ID); err != nil {
			return err
		}
	}
	return nil
}
