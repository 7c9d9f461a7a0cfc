package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"peep/internal/model"
)

// rulesFile is the on-disk shape of a declarative rule seed file.
type rulesFile struct {
	Rules []model.RuleInput `yaml:"rules"`
}

// LoadRulesFile parses a YAML seed file of rule definitions. Omitted fields
// stay nil so defaults resolve during normalization.
func LoadRulesFile(path string) ([]model.RuleInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	for i, in := range f.Rules {
		if in.Pattern == "" {
			return nil, fmt.Errorf("rules file: entry %d has no pattern", i)
		}
	}
	return f.Rules, nil
}
