package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/roach88/possync/internal/policy"
	"github.com/roach88/possync/internal/store"
)

// openStore opens the database named by --db.
func openStore(path string) (*store.Store, error) {
	if path == "" {
		return nil, NewExitError(ExitCommandError, "--db is required")
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// loadPolicy compiles the --policy file, or returns the defaults when the
// flag is empty.
func loadPolicy(path string) (policy.Config, error) {
	if path == "" {
		return policy.Default(), nil
	}
	cfg, err := policy.CompileFile(path)
	if err != nil {
		return policy.Config{}, WrapExitError(ExitCommandError, "failed to load policy", err)
	}
	return cfg, nil
}

// readJSONFile decodes a JSON file into out, rejecting unknown fields.
func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
