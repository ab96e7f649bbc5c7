package feature

import (
	"go.uber.org/zap"
)

// Context provides dependencies to features during initialization.
// It wraps the core services needed by all features in a single struct
// for cleaner constructor signatures.
//
// Note: Bus, Cache, Storage and Clock use interface types from this
// package, which allows external packages to work with these types. The
// actual implementations from internal packages satisfy these interfaces.
type Context struct {
	// Bus delivers and accepts runtime events. Subscriptions made here
	// should use the feature's own name as owner so the manager can
	// clean them up.
	Bus EventBus

	// Cache is the shared message retention cache.
	Cache MessageCache

	// Storage persists feature state across restarts. Keys are
	// namespaced per feature.
	Storage Storage

	// Features resolves other running features by name. Only features
	// declared as dependencies are guaranteed to be started.
	Features Lookup

	// Logger is a structured logger for the feature to use.
	// It arrives already namespaced with the feature's name.
	Logger *zap.Logger

	// Clock is the time source for schedules and timestamps. Tests
	// inject a mock clock here.
	Clock Clock

	// Settings holds the feature's section of the manifest file.
	// Never nil; empty when the manifest has no settings for the
	// feature.
	Settings map[string]any
}

// NewContext creates a new feature context with all required dependencies.
func NewContext(
	bus EventBus,
	cache MessageCache,
	storage Storage,
	features Lookup,
	logger *zap.Logger,
	clk Clock,
	settings map[string]any,
) *Context {
	if settings == nil {
		settings = make(map[string]any)
	}
	return &Context{
		Bus:      bus,
		Cache:    cache,
		Storage:  storage,
		Features: features,
		Logger:   logger,
		Clock:    clk,
		Settings: settings,
	}
}

// SettingBool reads a boolean setting, falling back to def when the key
// is absent or not a bool.
func (c *Context) SettingBool(key string, def bool) bool {
	if v, ok := c.Settings[key].(bool); ok {
		return v
	}
	return def
}

// SettingInt reads an integer setting, falling back to def when the key
// is absent or not numeric. YAML decodes whole numbers as int and
// fractional ones as float64; both are accepted.
func (c *Context) SettingInt(key string, def int) int {
	switch v := c.Settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// SettingString reads a string setting, falling back to def when the key
// is absent or not a string.
func (c *Context) SettingString(key string, def string) string {
	if v, ok := c.Settings[key].(string); ok {
		return v
	}
	return def
}
