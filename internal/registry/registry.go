// Package registry encodes and decodes the bot registry entries the
// Controller persists through the stream store's key/value facet: key
// "bot:<bot_id>", value "<token>:LOGS:<True|False>".
package registry

import (
	"fmt"
	"strings"
)

// KeyPrefix is the registry key namespace scanned during restart recovery.
const KeyPrefix = "bot:"

const separator = ":LOGS:"

// Entry is one decoded bot registry record.
type Entry struct {
	BotID    int64
	Token    string
	WantLogs bool
}

// Key returns the registry key for botID.
func Key(botID int64) string {
	return fmt.Sprintf("%s%d", KeyPrefix, botID)
}

// BotIDFromKey parses the bot id out of a "bot:<id>" key, as produced by a
// ScanPrefix("bot:") during restart recovery.
func BotIDFromKey(key string) (int64, error) {
	id := strings.TrimPrefix(key, KeyPrefix)
	var n int64
	if _, err := fmt.Sscanf(id, "%d", &n); err != nil {
		return 0, fmt.Errorf("registry key %q has no numeric bot id: %w", key, err)
	}
	return n, nil
}

// EncodeValue renders token/wantLogs into the opaque "<token>:LOGS:<bool>"
// wire form.
func EncodeValue(token string, wantLogs bool) string {
	return fmt.Sprintf("%s%s%s", token, separator, boolWord(wantLogs))
}

// DecodeValue splits a registry value back into its token and want-logs
// flag. The value is opaque except for the ":LOGS:" split point.
func DecodeValue(botID int64, value string) (Entry, error) {
	parts := strings.SplitN(value, separator, 2)
	if len(parts) != 2 {
		return Entry{}, fmt.Errorf("registry value for bot %d missing %q separator", botID, separator)
	}
	wantLogs, err := boolFromWord(parts[1])
	if err != nil {
		return Entry{}, fmt.Errorf("registry value for bot %d: %w", botID, err)
	}
	return Entry{BotID: botID, Token: parts[0], WantLogs: wantLogs}, nil
}

func boolWord(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func boolFromWord(s string) (bool, error) {
	switch s {
	case "True":
		return true, nil
	case "False":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized LOGS flag %q", s)
	}
}
