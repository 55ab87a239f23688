package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "toolswitch-bot/backend/pkg/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want ToolName
	}{
		{"CryptoPrice", CryptoPrice},
		{"crypto_price", CryptoPrice},
		{"crypto-price", CryptoPrice},
		{" imagegen ", ImageGen},
		{"Currency Converter", CurrencyConverter},
		{"chat", Chat},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParse_Unknown(t *testing.T) {
	_, err := Parse("weather")
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeTool))
}

func TestToolName_Valid(t *testing.T) {
	for _, tool := range All() {
		assert.True(t, tool.Valid(), tool)
	}
	assert.False(t, ToolName("Weather").Valid())
	assert.Equal(t, "Image Generation", ImageGen.DisplayName())
}
