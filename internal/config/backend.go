package config

// Backend persists non-secret config keys. macOS builds keep them in a user
// defaults domain; other platforms use a JSON file under XDG_CONFIG_HOME.
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
	// Location names where values are persisted, for display.
	Location() string
}
