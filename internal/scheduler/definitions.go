package scheduler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type definitionsFile struct {
	Tasks []TaskDefinition `yaml:"tasks"`
}

// LoadDefinitions reads and validates a tasks file.
func LoadDefinitions(path string) ([]TaskDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	defs, err := ParseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("tasks file %s: %w", path, err)
	}
	return defs, nil
}

// ParseDefinitions decodes and validates task definitions from YAML.
func ParseDefinitions(data []byte) ([]TaskDefinition, error) {
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tasks: %w", err)
	}
	if _, err := Validate(f.Tasks); err != nil {
		return nil, err
	}
	return f.Tasks, nil
}
