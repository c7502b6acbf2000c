package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// configSchema describes the config document shape for pre-decode checks.
var configSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"backend": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"mode":             map[string]interface{}{"type": "string", "enum": []string{"cli", "api"}},
				"binary":           map[string]interface{}{"type": "string"},
				"api_key_env":      map[string]interface{}{"type": "string"},
				"model":            map[string]interface{}{"type": "string"},
				"fallback_model":   map[string]interface{}{"type": "string"},
				"system_prompt":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"allowed_tools":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"disallowed_tools": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"permission_mode":  map[string]interface{}{"type": "string"},
			},
		},
		"accounts": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file":               map[string]interface{}{"type": "string"},
				"usage_refresh_cron": map[string]interface{}{"type": "string"},
				"rotation_limit":     map[string]interface{}{"type": "integer", "minimum": 0},
			},
		},
		"session": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"inactivity_timeout_minutes": map[string]interface{}{"type": "integer", "minimum": 1},
				"watcher_timeout_seconds":    map[string]interface{}{"type": "integer", "minimum": 1},
				"init_prompt_marker":         map[string]interface{}{"type": "string"},
			},
		},
		"metrics": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"enabled": map[string]interface{}{"type": "boolean"},
				"listen":  map[string]interface{}{"type": "string"},
			},
		},
		"logging": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"level":        map[string]interface{}{"type": "string"},
				"file":         map[string]interface{}{"type": "string"},
				"console":      map[string]interface{}{"type": "boolean"},
				"pretty":       map[string]interface{}{"type": "boolean"},
				"redaction":    map[string]interface{}{"type": "boolean"},
				"max_size_mb":  map[string]interface{}{"type": "integer", "minimum": 0},
				"max_age_days": map[string]interface{}{"type": "integer", "minimum": 0},
				"compress":     map[string]interface{}{"type": "boolean"},
			},
		},
		"data_dir":    map[string]interface{}{"type": "string"},
		"working_dir": map[string]interface{}{"type": "string"},
	},
}

// ValidateDocument checks a raw config document against the schema before it
// is decoded into the Config struct.
func (v *Validator) ValidateDocument(doc map[string]interface{}) error {
	schemaLoader := gojsonschema.NewGoLoader(configSchema)
	docLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return fmt.Errorf("invalid API key format (should start with sk-ant-)")
	}
	return nil
}

// ValidateCronSpec validates a usage-refresh cron expression shape. The
// scheduler parses the full syntax; this only rejects the obvious typos.
func (v *Validator) ValidateCronSpec(spec string) error {
	if spec == "" {
		return fmt.Errorf("cron spec cannot be empty")
	}
	if strings.HasPrefix(spec, "@") {
		return nil
	}
	if fields := strings.Fields(spec); len(fields) != 5 && len(fields) != 6 {
		return fmt.Errorf("invalid cron spec: %s", spec)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}
