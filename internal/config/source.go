package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ConfigSource describes the yaml file backing env lookups. Env vars always win.
type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

type runtimeSource struct {
	once   sync.Once
	err    error
	values map[string]string
	ConfigSource
}

var source = new(runtimeSource)

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return source.ConfigSource, nil
}

// ensureRuntimeConfigLoaded reads config/config-<CONFIG_PHASE>.yaml, or
// CONFIG_FILE when set. A missing default file is not an error.
func ensureRuntimeConfigLoaded() error {
	src := source
	src.once.Do(func() {
		src.values = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		src.Phase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		values, err := readConfigFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			src.err = err
			return
		}

		src.values = values
		src.Loaded = true
		src.Path = configPath
		if absPath, err := filepath.Abs(configPath); err == nil {
			src.Path = absPath
		}
	})
	return src.err
}

func readConfigFile(path string) (map[string]string, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}

	out := make(map[string]string)
	if len(doc.Content) == 0 {
		return out, nil
	}
	root := resolveAlias(doc.Content[0])
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse config file %q: top level must be a mapping", path)
	}
	if err := flattenMapping("", root, out); err != nil {
		return nil, fmt.Errorf("flatten config file %q: %w", path, err)
	}
	return out, nil
}

// flattenConfigValue maps nested yaml onto env-style keys, so
// evm: {rpc_url: x} becomes EVM_RPC_URL. Lists become comma-separated.
// Scalars keep their source text, so a base58 key made of digits stays intact.
func flattenConfigValue(prefix string, node *yaml.Node, out map[string]string) error {
	node = resolveAlias(node)
	switch node.Kind {
	case yaml.MappingNode:
		return flattenMapping(prefix, node, out)
	case yaml.SequenceNode:
		parts := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			item = resolveAlias(item)
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("unsupported list item under %q (line %d)", prefix, item.Line)
			}
			if trimmed := strings.TrimSpace(item.Value); trimmed != "" && !isNull(item) {
				parts = append(parts, trimmed)
			}
		}
		out[prefix] = strings.Join(parts, ",")
	case yaml.ScalarNode:
		if !isNull(node) {
			out[prefix] = node.Value
		}
	}
	return nil
}

func flattenMapping(prefix string, node *yaml.Node, out map[string]string) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		segment := normalizeKeySegment(node.Content[i].Value)
		if segment == "" {
			continue
		}
		if prefix != "" {
			segment = prefix + "_" + segment
		}
		if err := flattenConfigValue(segment, node.Content[i+1], out); err != nil {
			return err
		}
	}
	return nil
}

func resolveAlias(node *yaml.Node) *yaml.Node {
	for node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	return node
}

func isNull(node *yaml.Node) bool {
	return node.ShortTag() == "!!null"
}

func normalizeKeySegment(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range strings.TrimSpace(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}
	return strings.TrimSpace(source.values[key])
}
