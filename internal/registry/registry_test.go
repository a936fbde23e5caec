package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allerac/tg-dispatcher/internal/registry"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "bot:42", registry.Key(42))
}

func TestBotIDFromKey(t *testing.T) {
	id, err := registry.BotIDFromKey("bot:42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = registry.BotIDFromKey("bot:not-a-number")
	assert.Error(t, err)
}

func TestEncodeDecodeValueRoundTrip(t *testing.T) {
	value := registry.EncodeValue("tokA", true)
	assert.Equal(t, "tokA:LOGS:True", value)

	entry, err := registry.DecodeValue(7, value)
	require.NoError(t, err)
	assert.Equal(t, registry.Entry{BotID: 7, Token: "tokA", WantLogs: true}, entry)
}

func TestDecodeValue_LogsFalse(t *testing.T) {
	entry, err := registry.DecodeValue(2, registry.EncodeValue("tokB", false))
	require.NoError(t, err)
	assert.False(t, entry.WantLogs)
}

func TestDecodeValue_MalformedValue(t *testing.T) {
	_, err := registry.DecodeValue(1, "not-well-formed")
	assert.Error(t, err)
}

func TestDecodeValue_TokenMayContainColons(t *testing.T) {
	// Telegram tokens look like "123456:AA-Bb_Cc", which itself contains a
	// colon; SplitN(2) must stop at the first ":LOGS:" occurrence.
	value := registry.EncodeValue("123456:AA-Bb_Cc", true)
	entry, err := registry.DecodeValue(9, value)
	require.NoError(t, err)
	assert.Equal(t, "123456:AA-Bb_Cc", entry.Token)
}
