package config

import (
	"encoding/base64"
	"fmt"
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	RedisURL       string
	SigningKey     []byte
	AllowedOrigins []string
	// AdminTokenHash is the bcrypt hash the admin bearer token is
	// checked against. Empty disables the admin endpoints.
	AdminTokenHash string
	// BypassIdentifiers are exempt from all quota checks.
	BypassIdentifiers []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, redisURL, base64Secret, adminTokenHash string, allowedOrigins, bypassIdentifiers []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:        serverAddr,
		DatabaseDSN:       databaseDSN,
		RedisURL:          redisURL,
		SigningKey:        signingKey,
		AllowedOrigins:    allowedOrigins,
		AdminTokenHash:    adminTokenHash,
		BypassIdentifiers: bypassIdentifiers,
	}, nil
}
