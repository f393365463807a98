package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadEnvFile applies a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open env file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("open env file: %s is a directory", path)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	return nil
}

type ciResult struct {
	OK      bool     `json:"ok"`
	Title   string   `json:"title"`
	Details []string `json:"details,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// PrintCIResult writes one JSON line describing the outcome for CI logs.
func PrintCIResult(ok bool, title string, details []string, err error) {
	res := ciResult{OK: ok, Title: title, Details: details}
	if err != nil {
		res.Error = err.Error()
	}
	_ = json.NewEncoder(os.Stdout).Encode(res)
}
