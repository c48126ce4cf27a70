package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Surface names a protected request class.
type Surface string

const (
	SurfaceAuth      Surface = "auth"
	SurfacePublicAPI Surface = "public_api"
	SurfaceAPI       Surface = "api"
	SurfaceUpload    Surface = "upload"
	SurfaceSMS       Surface = "sms"
)

// KeyBy selects how a request is mapped to a bucket key.
type KeyBy string

const (
	KeyByIP     KeyBy = "ip"
	KeyByUser   KeyBy = "user" // user id, else IP
	KeyByGlobal KeyBy = "global"
)

// GlobalSMSKey is the single system-wide bucket for outbound SMS.
const GlobalSMSKey = "sms:global"

// Rule is the budget applied to one surface.
type Rule struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
	KeyBy  KeyBy         `yaml:"key_by"`
}

// DefaultRules returns the built-in per-surface budgets.
func DefaultRules() map[Surface]Rule {
	return map[Surface]Rule{
		SurfaceAuth:      {Max: 5, Window: 15 * time.Minute, KeyBy: KeyByIP},
		SurfacePublicAPI: {Max: 100, Window: 15 * time.Minute, KeyBy: KeyByIP},
		SurfaceAPI:       {Max: 1000, Window: 15 * time.Minute, KeyBy: KeyByUser},
		SurfaceUpload:    {Max: 10, Window: 60 * time.Minute, KeyBy: KeyByUser},
		SurfaceSMS:       {Max: 50, Window: 60 * time.Minute, KeyBy: KeyByGlobal},
	}
}

type rulesFile struct {
	Surfaces map[Surface]Rule `yaml:"surfaces"`
}

// LoadRules returns DefaultRules with overrides from the YAML file at path.
// An empty path yields the defaults. Zero fields in the file keep the default.
func LoadRules(path string) (map[Surface]Rule, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit file: %w", err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rate limit file: %w", err)
	}

	for surface, override := range f.Surfaces {
		r := rules[surface]
		if override.Max > 0 {
			r.Max = override.Max
		}
		if override.Window > 0 {
			r.Window = override.Window
		}
		if override.KeyBy != "" {
			r.KeyBy = override.KeyBy
		}
		if r.Max <= 0 || r.Window <= 0 {
			return nil, fmt.Errorf("surface %q: max and window are required", surface)
		}
		if r.KeyBy == "" {
			r.KeyBy = KeyByIP
		}
		rules[surface] = r
	}
	return rules, nil
}
