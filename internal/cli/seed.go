package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/layer-3/votechain/adapters/store"
	"github.com/layer-3/votechain/core"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Fixture is the seed file layout: voters, parties and voting windows.
// Entries are upserted by id, so a fixture can be applied repeatedly.
type Fixture struct {
	Voters  []FixtureVoter  `yaml:"voters"`
	Parties []FixtureParty  `yaml:"parties"`
	Windows []FixtureWindow `yaml:"windows"`
}

type FixtureVoter struct {
	ID         string `yaml:"id"`
	FullName   string `yaml:"full_name"`
	Email      string `yaml:"email"`
	NationalID string `yaml:"national_id"`
	Active     *bool  `yaml:"active"`
}

type FixtureParty struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Active *bool  `yaml:"active"`
}

type FixtureWindow struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name"`
	StartsAt time.Time `yaml:"starts_at"`
	EndsAt   time.Time `yaml:"ends_at"`
	Active   *bool     `yaml:"active"`
}

// seedTarget is the directory surface a fixture is written to
type seedTarget interface {
	AddVoter(ctx context.Context, v core.Voter) error
	AddParty(ctx context.Context, p core.Party) error
	AddVotingWindow(ctx context.Context, w core.VotingWindow) error
}

// LoadFixture parses a YAML seed file. Unknown keys are rejected.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f Fixture
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: fixture %s: %w", core.ErrValidation, path, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Fixture) validate() error {
	var errs []error
	for i, v := range f.Voters {
		if v.Email == "" || v.NationalID == "" {
			errs = append(errs, fmt.Errorf("voters[%d]: email and national_id are required", i))
		}
	}
	for i, p := range f.Parties {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("parties[%d]: id is required", i))
		}
	}
	for i, w := range f.Windows {
		if w.StartsAt.IsZero() || w.EndsAt.IsZero() {
			errs = append(errs, fmt.Errorf("windows[%d]: starts_at and ends_at are required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", core.ErrValidation, errors.Join(errs...))
	}
	return nil
}

// Apply writes the fixture through target
func (f *Fixture) Apply(ctx context.Context, target seedTarget) error {
	for _, v := range f.Voters {
		err := target.AddVoter(ctx, core.Voter{
			ID:         v.ID,
			FullName:   v.FullName,
			Email:      v.Email,
			NationalID: v.NationalID,
			Active:     enabled(v.Active),
		})
		if err != nil {
			return err
		}
	}
	for _, p := range f.Parties {
		if err := target.AddParty(ctx, core.Party{ID: p.ID, Name: p.Name, Active: enabled(p.Active)}); err != nil {
			return err
		}
	}
	for _, w := range f.Windows {
		err := target.AddVotingWindow(ctx, core.VotingWindow{
			ID:       w.ID,
			Name:     w.Name,
			StartsAt: w.StartsAt,
			EndsAt:   w.EndsAt,
			Active:   enabled(w.Active),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// enabled defaults a missing active flag to true
func enabled(b *bool) bool {
	return b == nil || *b
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load voters, parties and voting windows into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()

			fixture, err := LoadFixture(args[0])
			if err != nil {
				return exitError(ExitCommandError, "invalid fixture", err)
			}

			db, err := store.OpenSQLite(cfg.Database.Path)
			if err != nil {
				return exitError(ExitCommandError, "failed to open database", err)
			}
			defer db.Close()

			if err := fixture.Apply(cmd.Context(), db); err != nil {
				return exitError(ExitCommandError, "failed to apply fixture", err)
			}

			logger.Info("fixture applied",
				zap.String("database", cfg.Database.Path),
				zap.Int("voters", len(fixture.Voters)),
				zap.Int("parties", len(fixture.Parties)),
				zap.Int("windows", len(fixture.Windows)),
			)

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]int{
					"voters":  len(fixture.Voters),
					"parties": len(fixture.Parties),
					"windows": len(fixture.Windows),
				})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d voters, %d parties, %d windows\n",
				len(fixture.Voters), len(fixture.Parties), len(fixture.Windows))
			return err
		},
	}
}
