package config

// ConfigBackend abstracts where config keys are persisted. Keys are dotted
// ("telegram.mode"); the TOML backend stores the first segment as a table.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetStrings(key string) (val []string, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetStrings(key string, val []string) error
	Delete(key string) error
}
