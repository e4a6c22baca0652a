package config

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix marks environment variables that override the configuration file.
// The rest of the name is the lower-cased YAML path with "__" between levels:
// RTMPRELAY_RTMP__CHUNK_SIZE=8192 sets rtmp.chunk_size. Lists such as rtmp.push
// cannot be set this way.
const EnvPrefix = "RTMPRELAY_"

const envSeparator = "__"

// applyEnv decodes the overrides in environ on top of cfg, with the same strict
// decoding as the file.
func applyEnv(cfg *Config, environ []string) error {
	overrides := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		overrides[strings.ToLower(strings.TrimPrefix(name, EnvPrefix))] = value
	}
	if len(overrides) == 0 {
		return nil
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range names {
		if err := setPath(root, strings.Split(name, envSeparator), overrides[name]); err != nil {
			return errors.Wrapf(err, "environment variable %s%s", EnvPrefix, strings.ToUpper(name))
		}
	}

	data, err := yaml.Marshal(root)
	if err != nil {
		return errors.Wrap(err, "encode environment overrides")
	}
	if err := decode(data, cfg); err != nil {
		return errors.Wrap(err, "environment overrides")
	}
	return nil
}

// setPath stores value under path in the mapping node, creating intermediate mappings.
// The scalar is left untagged so it resolves like a value written in the file.
func setPath(node *yaml.Node, path []string, value string) error {
	key := path[0]
	if key == "" {
		return errors.New("empty key")
	}
	var child *yaml.Node
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			child = node.Content[i+1]
			break
		}
	}

	if len(path) == 1 {
		if child != nil {
			return errors.Errorf("%q set twice", key)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: value})
		return nil
	}

	if child == nil {
		child = &yaml.Node{Kind: yaml.MappingNode}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, child)
	} else if child.Kind != yaml.MappingNode {
		return errors.Errorf("%q is both a value and a section", key)
	}
	return setPath(child, path[1:], value)
}
