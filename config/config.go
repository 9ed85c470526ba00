// Package config loads slskpeerd's ambient configuration from a .env file
// the same way the teacher's own config package does: godotenv.Load into
// package-level vars read once at init.
package config

import (
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/joho/godotenv"
)

var (
	SOULSEEK_USERNAME string
	SOULSEEK_PASSWORD string
	LISTEN_ADDR       string
	SERVER_ADDR       string
	HTTP_DEBUG_ADDR   string
	REDIS_URI         string
	REDIS_PASSWORD    string
	REDIS_DB          int
)

func rootDir() string {
	_, b, _, _ := runtime.Caller(0)
	d := path.Join(path.Dir(b))
	return filepath.Dir(d)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	// .env is optional here: slskpeerd runs fine against pure defaults for
	// local testing, unlike the teacher's Spotify-linked CLI which hard
	// required OAuth secrets to exist at all.
	if err := godotenv.Load(filepath.Join(rootDir(), ".env")); err != nil {
		log.Println("no .env file found, using defaults and environment")
	}

	SOULSEEK_USERNAME = os.Getenv("SOULSEEK_USERNAME")
	SOULSEEK_PASSWORD = os.Getenv("SOULSEEK_PASSWORD")
	LISTEN_ADDR = getEnvOrDefault("LISTEN_ADDR", "0.0.0.0:2234")
	SERVER_ADDR = getEnvOrDefault("SERVER_ADDR", "server.slsknet.org:2242")
	HTTP_DEBUG_ADDR = getEnvOrDefault("HTTP_DEBUG_ADDR", "localhost:3000")
	REDIS_URI = getEnvOrDefault("REDIS_URI", "localhost:6379")
	REDIS_PASSWORD = os.Getenv("REDIS_PASSWORD")

	redisDB := getEnvOrDefault("REDIS_DB", "0")
	n, err := strconv.Atoi(redisDB)
	if err != nil {
		log.Fatalf("invalid REDIS_DB %q: %v", redisDB, err)
	}
	REDIS_DB = n
}
