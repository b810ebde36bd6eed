package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

const apiTokenAccount = "api_token"

// GetAPIToken returns the static bearer token for the HTTP API. The
// PROFILESYNC_API_TOKEN environment variable wins; otherwise the token is
// read from the secrets file and generated there on first use.
func GetAPIToken() (string, error) {
	if tok := os.Getenv("PROFILESYNC_API_TOKEN"); tok != "" {
		return tok, nil
	}
	return apiTokenFrom(secretsFile{}, secretSet)
}

func apiTokenFrom(sr secretReader, store func(service, account, value string) error) (string, error) {
	if tok, err := sr.Get(appName, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.NewString()
	if err := store(appName, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing generated API token: %w", err)
	}
	return tok, nil
}
