// Package config loads flow definition files used by the validate command and for seeding.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/callflow/pkg/models"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("unsupported flow file format")

// FlowFile is a flow definition on disk, in YAML or JSON.
type FlowFile struct {
	Name        string `json:"name"        yaml:"name"`
	Description string `json:"description" yaml:"description"`
	// Numbers are bound to the flow when the file is seeded.
	Numbers []string `json:"numbers" yaml:"numbers"`

	models.Definition `yaml:",inline"`
}

// LoadFlowFile reads a flow file. The format follows the extension: .yaml and .yml are
// YAML, .json is JSON.
func LoadFlowFile(path string) (*FlowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file %s: %w", path, err)
	}

	var format string

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	case ".json":
		format = "json"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	file, err := ParseFlowFile(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if file.Name == "" {
		file.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return file, nil
}

// ParseFlowFile decodes a flow file in format "yaml" or "json". Edges without an id get
// one derived from their endpoints.
func ParseFlowFile(data []byte, format string) (*FlowFile, error) {
	var file FlowFile

	switch format {
	case "yaml":
		err := yaml.Unmarshal(data, &file)
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML flow: %w", err)
		}
	case "json":
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()

		err := decoder.Decode(&file)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON flow: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	for _, edge := range file.Edges {
		if edge != nil && edge.ID == "" {
			edge.ID = edge.Source + "-" + edge.Discriminator + "-" + edge.Target
		}
	}

	return &file, nil
}
