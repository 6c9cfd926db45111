package keysource

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

const minKeyLength = 32

// Static serves versioned master keys loaded from configuration.
type Static struct {
	active string
	keys   map[string][]byte
}

// ParseKeyList decodes "v1:<base64>,v2:<base64>" into a version -> key map.
func ParseKeyList(raw string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		version, encoded, ok := strings.Cut(item, ":")
		version = strings.TrimSpace(version)
		if !ok || version == "" {
			return nil, fmt.Errorf("master key entry must be <version>:<base64>")
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("decode master key %s: %w", version, err)
		}
		keys[version] = raw
	}
	return keys, nil
}

func NewStatic(active string, keys map[string][]byte) (*Static, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one master key is required")
	}
	owned := make(map[string][]byte, len(keys))
	for version, key := range keys {
		if len(key) < minKeyLength {
			return nil, fmt.Errorf("master key %s shorter than %d bytes", version, minKeyLength)
		}
		owned[version] = append([]byte(nil), key...)
	}
	if _, ok := owned[active]; !ok {
		return nil, fmt.Errorf("active key version %q is not configured", active)
	}
	return &Static{active: active, keys: owned}, nil
}

func (s *Static) ActiveKey(ctx context.Context) (string, []byte, error) {
	key, err := s.Key(ctx, s.active)
	if err != nil {
		return "", nil, err
	}
	return s.active, key, nil
}

func (s *Static) Key(_ context.Context, version string) ([]byte, error) {
	key, ok := s.keys[version]
	if !ok {
		return nil, domain.WrapError(domain.ErrEncryption, "master key lookup", fmt.Errorf("unknown key version %q", version))
	}
	return append([]byte(nil), key...), nil
}
