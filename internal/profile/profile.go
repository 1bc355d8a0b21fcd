// Package profile loads the applicant profile that the built-in stages
// match against and draw on when generating documents.
package profile

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Profile describes the applicant.
type Profile struct {
	Name      string   `yaml:"name"`
	Email     string   `yaml:"email"`
	Title     string   `yaml:"title"`
	Location  string   `yaml:"location"`
	Remote    bool     `yaml:"remote"`
	Summary   string   `yaml:"summary"`
	Keywords  []string `yaml:"keywords"`
	Highlight []string `yaml:"highlights"`
	Exclude   []string `yaml:"exclude_companies"`
}

// Load reads and validates a profile from a YAML file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "profile: read %s", path)
	}
	return Parse(data)
}

// Parse decodes a profile from YAML bytes.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "profile: parse yaml")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the fields the stages depend on.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return eris.New("profile: name is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return eris.New("profile: title is required")
	}
	if len(p.Keywords) == 0 {
		return eris.New("profile: at least one keyword is required")
	}
	return nil
}

// Excluded reports whether the company is on the applicant's exclude list.
// Comparison is case-insensitive.
func (p *Profile) Excluded(company string) bool {
	c := strings.ToLower(strings.TrimSpace(company))
	for _, e := range p.Exclude {
		if strings.ToLower(strings.TrimSpace(e)) == c {
			return true
		}
	}
	return false
}
