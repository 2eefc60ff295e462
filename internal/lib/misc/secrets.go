/*
 * Copyright (c) 2022. TxnLab Inc.
 * All Rights reserved.
 */
package misc

import (
	"fmt"
	"os"
	"sync"
)

var (
	secretsMu  sync.RWMutex
	secretsMap = map[string]string{}
)

// SetSecret registers a fallback value for key, used when the environment doesn't define it.
func SetSecret(key, value string) {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	secretsMap[key] = value
}

func GetSecret(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	secretsMu.RLock()
	defer secretsMu.RUnlock()
	return secretsMap[key]
}

// RequireSecret is GetSecret for values the caller can't run without.
func RequireSecret(key string) (string, error) {
	if value := GetSecret(key); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret %s must be set", key)
}
