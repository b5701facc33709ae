package model

import (
	"time"
)

// ConfigValueType is the declared type tag of a runtime config value.
type ConfigValueType string

const (
	ConfigTypeString ConfigValueType = "string"
	ConfigTypeInt    ConfigValueType = "int"
	ConfigTypeUint64 ConfigValueType = "uint64"
	ConfigTypeBool   ConfigValueType = "bool"
)

// IsValid checks if the value type is one of the known tags.
func (t ConfigValueType) IsValid() bool {
	switch t {
	case ConfigTypeString, ConfigTypeInt, ConfigTypeUint64, ConfigTypeBool:
		return true
	}
	return false
}

// RuntimeConfigEntry is one row of the storage-backed runtime configuration.
// Entries with RequiresRestart set are persisted like any other but are only
// read when the owning component is constructed.
type RuntimeConfigEntry struct {
	Key             string          `json:"key"`
	Value           string          `json:"value"`
	ValueType       ConfigValueType `json:"value_type"`
	IsSensitive     bool            `json:"is_sensitive"`
	RequiresRestart bool            `json:"requires_restart"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Redacted returns a copy safe for logs and status output, masking the
// value of sensitive entries.
func (e RuntimeConfigEntry) Redacted() RuntimeConfigEntry {
	if e.IsSensitive {
		e.Value = "[redacted]"
	}
	return e
}
