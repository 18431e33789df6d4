package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll returns every config key with its current value. Secret values
// are reported only as set or unset.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		v := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			if v == "" {
				v = "(not set)"
			} else {
				v = "(set)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  v,
			Secret: s.secret,
		})
	}
	return result
}

// SetKey writes a non-secret config key to config.toml.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), key, value)
}

// SetSecret writes a secret to secrets.toml in the configured data dir.
func SetSecret(key, value string) error {
	cfg, err := LoadPartial()
	if err != nil {
		return err
	}
	s, ok := lookupSpec(key)
	if !ok || !s.secret {
		return fmt.Errorf("unknown secret: %q", key)
	}
	return newFileBackend(secretsFilePath(cfg.Storage.DataDir)).SetString(key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q (valid keys: %s)", key, strings.Join(ValidKeys(), ", "))
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s or secrets.toml", key, s.env)
	}

	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", typeName(s.typ), key, err)
	}
	switch s.typ {
	case kInt:
		return b.SetInt(key, v.(int))
	case kList:
		return b.SetStrings(key, v.([]string))
	default:
		return b.SetString(key, value)
	}
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// EnsureAdminToken returns cfg's admin token, generating and persisting a
// new one to secrets.toml when none is configured.
func EnsureAdminToken(cfg *Config) (string, error) {
	if cfg.Server.AdminToken != "" {
		return cfg.Server.AdminToken, nil
	}
	return ensureAdminToken(cfg, newFileBackend(secretsFilePath(cfg.Storage.DataDir)))
}

func ensureAdminToken(cfg *Config, secrets ConfigBackend) (string, error) {
	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := secrets.SetString("server.admin_token", token); err != nil {
		return "", fmt.Errorf("saving admin token: %w", err)
	}
	cfg.Server.AdminToken = token
	return token, nil
}
