package symbols

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// AliasFile is the on-disk shape of an extra alias table.
type AliasFile struct {
	Aliases map[string]string `yaml:"aliases"`
}

// LoadAliasFile reads extra symbol aliases from path. The result is merged
// over the built-in table by New.
func LoadAliasFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read alias file: %w", err)
	}

	var file AliasFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse alias YAML: %w", err)
	}
	return file.Aliases, nil
}
