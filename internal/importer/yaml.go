package importer

import (
	"fmt"
	"io"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// targetsFile is the YAML import layout:
//
//	targets:
//	  - name: Example Athletics
//	    directory_url: https://athletics.example.edu/staff-directory
//	    active: true
type targetsFile struct {
	Targets []map[string]any `yaml:"targets"`
}

type yamlTarget struct {
	Name         string `mapstructure:"name"`
	DirectoryURL string `mapstructure:"directory_url"`
	BaseURL      string `mapstructure:"base_url"`
	Active       *bool  `mapstructure:"active"`
}

// ParseYAML reads targets from a YAML document. Entries are numbered from 1
// in error reports.
func ParseYAML(r io.Reader) ([]TargetRow, []ImportError) {
	var file targetsFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, []ImportError{{Row: 0, Error: "failed to parse YAML: " + err.Error()}}
	}

	var (
		rows []TargetRow
		errs []ImportError
	)
	for i, raw := range file.Targets {
		pos := i + 1
		entry, err := decodeTarget(raw)
		if err != nil {
			errs = append(errs, ImportError{Row: pos, Error: err.Error()})
			continue
		}

		row := TargetRow{
			Row:          pos,
			Name:         entry.Name,
			DirectoryURL: entry.DirectoryURL,
			BaseURL:      entry.BaseURL,
			Active:       entry.Active == nil || *entry.Active,
		}
		if msg := ValidateRow(row); msg != "" {
			errs = append(errs, ImportError{Row: pos, Error: msg})
			continue
		}
		rows = append(rows, row)
	}
	return rows, errs
}

func decodeTarget(raw map[string]any) (yamlTarget, error) {
	var entry yamlTarget
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &entry,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return yamlTarget{}, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err = decoder.Decode(raw); err != nil {
		return yamlTarget{}, fmt.Errorf("failed to decode target: %w", err)
	}
	return entry, nil
}
