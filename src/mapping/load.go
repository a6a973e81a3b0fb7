package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// File 映射文件内容
type File struct {
	Name           string          `json:"name" yaml:"name" toml:"name"`
	Description    string          `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	EntityMappings []EntityMapping `json:"entity_mappings" yaml:"entity_mappings" toml:"entity_mappings"`
}

// LoadFile 从 yaml / json / toml 文件读取映射并校验
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	return Parse(b, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
}

// Parse 按格式解析映射内容，format 为 yaml、yml、json 或 toml
func Parse(b []byte, format string) (*File, error) {
	f := new(File)
	var err error
	switch format {
	case "yaml", "yml":
		err = yaml.Unmarshal(b, f)
	case "json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		err = dec.Decode(f)
	case "toml":
		err = toml.Unmarshal(b, f)
	default:
		return nil, fmt.Errorf("%w: unsupported mapping format %q", ErrConfig, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s mapping: %v", ErrConfig, format, err)
	}
	if err := ValidateAll(f.EntityMappings); err != nil {
		return nil, err
	}
	return f, nil
}
