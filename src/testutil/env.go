package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethaccount/bundler/src/utils"
	"github.com/joho/godotenv"
)

// GetEnv reads key after loading the project .env file when one exists.
func GetEnv(key string) string {
	_ = godotenv.Load(filepath.Join(utils.FindProjectRoot(), ".env"))
	return os.Getenv(key)
}

// RequireEnv skips the test when key is not set.
func RequireEnv(t *testing.T, key string) string {
	t.Helper()
	v := GetEnv(key)
	if v == "" {
		t.Skipf("%s is not set", key)
	}
	return v
}
