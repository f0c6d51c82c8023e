package security

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ErrYAMLTooLarge is returned for documents over YAMLLimits.MaxFileSize.
var ErrYAMLTooLarge = errors.New("YAML document too large")

// YAMLLimits bounds the resources spent parsing an untrusted YAML document.
type YAMLLimits struct {
	MaxFileSize  int64
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
	MaxValueSize int64
}

// DefaultYAMLLimits suits configuration files.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  1 << 20,
		MaxDepth:     16,
		MaxNodes:     5000,
		MaxKeyLength: 256,
		MaxValueSize: 64 << 10,
	}
}

// DecodeYAML validates data against limits and then unmarshals it into v.
// Alias expansion counts against the node limit, which stops billion-laughs
// documents.
func DecodeYAML(data []byte, v any, limits YAMLLimits) error {
	if int64(len(data)) > limits.MaxFileSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d bytes", ErrYAMLTooLarge, len(data), limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("YAML parse error: %w", err)
	}

	w := &yamlWalker{limits: limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}
	return root.Decode(v)
}

// DecodeYAMLReader is DecodeYAML over r.
func DecodeYAMLReader(r io.Reader, v any, limits YAMLLimits) error {
	data, err := io.ReadAll(io.LimitReader(r, limits.MaxFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to read YAML: %w", err)
	}
	return DecodeYAML(data, v, limits)
}

type yamlWalker struct {
	limits YAMLLimits
	nodes  int
}

func (w *yamlWalker) walk(n *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("YAML nesting depth %d exceeds maximum %d", depth, w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("YAML node count exceeds maximum %d", w.limits.MaxNodes)
	}

	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			if err := w.walk(c, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if len(n.Content[i].Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("YAML key length %d exceeds maximum %d", len(n.Content[i].Value), w.limits.MaxKeyLength)
			}
			if err := w.walk(n.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			if err := w.walk(c, depth+1); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if int64(len(n.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("YAML value size %d bytes exceeds maximum %d bytes", len(n.Value), w.limits.MaxValueSize)
		}
	case yaml.AliasNode:
		if n.Alias != nil {
			return w.walk(n.Alias, depth+1)
		}
	}
	return nil
}
