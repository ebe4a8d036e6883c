package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithConfig_Validation(t *testing.T) {
	_, err := NewWithConfig(ChatConfig{Temperature: 2.5})
	assert.Error(t, err)

	_, err = NewWithConfig(ChatConfig{MaxTokens: -1})
	assert.Error(t, err)

	ce, err := NewWithConfig(ChatConfig{})
	require.NoError(t, err)
	assert.Equal(t, "mistral", ce.config.Model)
	assert.Equal(t, 2000, ce.config.MaxTokens)
}
