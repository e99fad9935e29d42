package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	APIBaseURL         string
	SocketURL          string
	AccessToken        string
	KeyStorePath       string
	KeyStorePassphrase string
}

func Load() *Config {
	log.Println("[CONFIG] Attempting to load .env file...")

	if err := godotenv.Load(); err != nil {
		log.Println("[CONFIG] No .env file found, relying on system environment variables")
	} else {
		log.Println("[CONFIG] Successfully loaded .env file")
	}

	cfg := &Config{
		APIBaseURL:         getEnv("API_BASE_URL", "http://localhost:8080"),
		SocketURL:          getEnv("SOCKET_URL", "ws://localhost:8080/ws"),
		AccessToken:        getEnv("ACCESS_TOKEN", ""),
		KeyStorePath:       getEnv("KEYSTORE_PATH", "keys.json"),
		KeyStorePassphrase: getEnv("KEYSTORE_PASSPHRASE", ""),
	}

	log.Printf("[CONFIG] API base: %s", cfg.APIBaseURL)
	log.Printf("[CONFIG] Socket: %s", cfg.SocketURL)

	if cfg.AccessToken == "" {
		log.Fatal("[CONFIG] CRITICAL: ACCESS_TOKEN is missing. Client cannot authenticate.")
	} else {
		log.Printf("[CONFIG] Access token loaded: %s", maskToken(cfg.AccessToken))
	}

	if cfg.KeyStorePassphrase == "" {
		log.Fatal("[CONFIG] CRITICAL: KEYSTORE_PASSPHRASE is missing. Room keys cannot be unsealed.")
	}

	log.Println("[CONFIG] All configuration variables successfully initialized")
	return cfg
}

func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		log.Printf("[CONFIG] Variable %s not found, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
