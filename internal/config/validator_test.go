package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDocument(t *testing.T) {
	v := NewValidator()

	t.Run("accepts a well-formed document", func(t *testing.T) {
		doc := map[string]interface{}{
			"backend": map[string]interface{}{
				"mode":   "cli",
				"binary": "claude",
			},
			"session": map[string]interface{}{
				"inactivity_timeout_minutes": 3,
			},
		}
		assert.NoError(t, v.ValidateDocument(doc))
	})

	t.Run("rejects a bad backend mode", func(t *testing.T) {
		doc := map[string]interface{}{
			"backend": map[string]interface{}{"mode": "smoke-signals"},
		}
		assert.Error(t, v.ValidateDocument(doc))
	})

	t.Run("rejects a zero timeout", func(t *testing.T) {
		doc := map[string]interface{}{
			"session": map[string]interface{}{"inactivity_timeout_minutes": 0},
		}
		assert.Error(t, v.ValidateDocument(doc))
	})

	t.Run("rejects wrong types", func(t *testing.T) {
		doc := map[string]interface{}{
			"accounts": map[string]interface{}{"rotation_limit": "three"},
		}
		assert.Error(t, v.ValidateDocument(doc))
	})
}

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateAPIKey("sk-ant-api-abc123"))
	assert.Error(t, v.ValidateAPIKey(""))
	assert.Error(t, v.ValidateAPIKey("sk-wrong-prefix"))
}

func TestValidateCronSpec(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateCronSpec("@every 5m"))
	assert.NoError(t, v.ValidateCronSpec("*/5 * * * *"))
	assert.Error(t, v.ValidateCronSpec(""))
	assert.Error(t, v.ValidateCronSpec("* *"))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateLogLevel("debug"))
	assert.Error(t, v.ValidateLogLevel("loud"))
}
