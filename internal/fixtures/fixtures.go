// Package fixtures loads facility and regulation reference data from YAML.
package fixtures

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
)

//go:embed demo.yaml
var demoYAML []byte

// Set is a batch of reference data. AsOf anchors the dates in the set.
type Set struct {
	AsOf        time.Time           `yaml:"as_of"`
	Facilities  []models.Facility   `yaml:"facilities"`
	Regulations []models.Regulation `yaml:"regulations"`
}

// Parse decodes and validates a fixture document. Unknown fields are
// rejected.
func Parse(r io.Reader) (*Set, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Set
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &models.ValidationError{Field: "fixtures", Message: "document is empty"}
		}
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile parses the fixture file at path.
func LoadFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixtures: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Demo returns the built-in demo portfolio.
func Demo() (*Set, error) {
	return Parse(bytes.NewReader(demoYAML))
}

// Validate checks ids are present and unique.
func (s *Set) Validate() error {
	facilities := make(map[string]bool, len(s.Facilities))
	for i, f := range s.Facilities {
		field := fmt.Sprintf("facilities[%d].facility_id", i)
		switch {
		case f.FacilityID == "":
			return &models.ValidationError{Field: field, Message: "required"}
		case facilities[f.FacilityID]:
			return &models.ValidationError{Field: field, Message: fmt.Sprintf("duplicate id %q", f.FacilityID)}
		}
		facilities[f.FacilityID] = true
	}
	regulations := make(map[string]bool, len(s.Regulations))
	for i, r := range s.Regulations {
		field := fmt.Sprintf("regulations[%d].regulation_id", i)
		switch {
		case r.RegulationID == "":
			return &models.ValidationError{Field: field, Message: "required"}
		case regulations[r.RegulationID]:
			return &models.ValidationError{Field: field, Message: fmt.Sprintf("duplicate id %q", r.RegulationID)}
		}
		regulations[r.RegulationID] = true
	}
	return nil
}

// Rebase returns a copy of s with every date moved by whole days so that
// AsOf falls on now. A facility without an update time gets the new AsOf; a
// regulation without one gets its publication or effective date, or a year
// before AsOf, so an undated rule does not look newly changed. A set without
// AsOf is anchored at now and left unshifted.
func (s *Set) Rebase(now time.Time) *Set {
	days := 0
	if !s.AsOf.IsZero() {
		days = models.DaysUntil(now, s.AsOf)
	}
	shift := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := t.AddDate(0, 0, days)
		return &v
	}
	asOf := now.UTC()
	if !s.AsOf.IsZero() {
		asOf = s.AsOf.AddDate(0, 0, days)
	}

	out := &Set{AsOf: asOf}
	for _, f := range s.Facilities {
		c := f
		c.EmissionSources = make([]models.EmissionSource, len(f.EmissionSources))
		for i, src := range f.EmissionSources {
			src.LastInspection = shift(src.LastInspection)
			c.EmissionSources[i] = src
		}
		c.Permits = make([]models.Permit, len(f.Permits))
		for i, p := range f.Permits {
			p.IssueDate = shift(p.IssueDate)
			p.ExpirationDate = shift(p.ExpirationDate)
			c.Permits[i] = p
		}
		c.UpdatedAt = asOf
		if !f.UpdatedAt.IsZero() {
			c.UpdatedAt = f.UpdatedAt.AddDate(0, 0, days)
		}
		out.Facilities = append(out.Facilities, c)
	}
	for _, r := range s.Regulations {
		c := r
		c.PublicationDate = shift(r.PublicationDate)
		c.EffectiveDate = shift(r.EffectiveDate)
		c.ComplianceDeadline = shift(r.ComplianceDeadline)
		switch {
		case !r.UpdatedAt.IsZero():
			c.UpdatedAt = r.UpdatedAt.AddDate(0, 0, days)
		case c.PublicationDate != nil:
			c.UpdatedAt = *c.PublicationDate
		case c.EffectiveDate != nil:
			c.UpdatedAt = *c.EffectiveDate
		default:
			c.UpdatedAt = asOf.AddDate(-1, 0, 0)
		}
		out.Regulations = append(out.Regulations, c)
	}
	return out
}

// Summary counts what Apply wrote.
type Summary struct {
	Facilities  int `json:"facilities"`
	Regulations int `json:"regulations"`
}

// Apply saves every record of s. Records are upserted, so applying the same
// set twice is harmless.
func Apply(ctx context.Context, seeder knowledge.Seeder, s *Set) (Summary, error) {
	var sum Summary
	for i := range s.Facilities {
		f := s.Facilities[i]
		if err := seeder.SaveFacility(ctx, &f); err != nil {
			return sum, fmt.Errorf("seed facility %s: %w", f.FacilityID, err)
		}
		sum.Facilities++
	}
	for i := range s.Regulations {
		r := s.Regulations[i]
		if err := seeder.SaveRegulation(ctx, &r); err != nil {
			return sum, fmt.Errorf("seed regulation %s: %w", r.RegulationID, err)
		}
		sum.Regulations++
	}
	return sum, nil
}
