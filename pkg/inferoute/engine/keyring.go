package engine

import (
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name in the OS keyring.
const keyringService = "inferoute"

// providerKeyNames maps provider IDs to their conventional API key
// environment variables.
var providerKeyNames = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"groq":       "GROQ_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"google":     "GOOGLE_API_KEY",
}

// providerKeyName returns the env var name for a provider's API key,
// falling back to API_KEY.
func providerKeyName(provider string) string {
	if name, ok := providerKeyNames[strings.ToLower(provider)]; ok {
		return name
	}
	return "API_KEY"
}

// StoreAPIKey saves the provider API key to the OS keyring.
func StoreAPIKey(provider, value string) error {
	return keyring.Set(keyringService, keyringKey(provider), value)
}

// KeyringAPIKey reads the provider API key from the OS keyring.
// Returns empty when absent or the keyring is unavailable.
func KeyringAPIKey(provider string) string {
	val, err := keyring.Get(keyringService, keyringKey(provider))
	if err != nil {
		return ""
	}
	return val
}

// DeleteAPIKey removes the provider API key from the OS keyring.
func DeleteAPIKey(provider string) error {
	return keyring.Delete(keyringService, keyringKey(provider))
}

// KeyringAvailable probes the OS keyring with a write+delete cycle.
func KeyringAvailable() bool {
	const testKey = "__inferoute_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

func keyringKey(provider string) string {
	if provider == "" {
		return "api_key"
	}
	return "api_key_" + strings.ToLower(provider)
}
