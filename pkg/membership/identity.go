package membership

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Identity names this process for ownership purposes.
type Identity struct {
	// ID is the owner recorded on flights run by this process.
	ID string
	// Previous is the identity of the last process that used the same
	// identity file, if it differs from ID. Flights it owned are recovered
	// even when membership never saw it die.
	Previous string
}

// LoadIdentity resolves this process's identity. An empty id generates a
// fresh one. When path is set, the previous id is read from it and the new
// id is written back.
func LoadIdentity(path, id string) (Identity, error) {
	if id == "" {
		id = uuid.NewString()
	}
	ident := Identity{ID: id}
	if path == "" {
		return ident, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if prev := strings.TrimSpace(string(data)); prev != id {
			ident.Previous = prev
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Identity{}, fmt.Errorf("failed to read identity file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Identity{}, fmt.Errorf("failed to create identity directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o644); err != nil {
		return Identity{}, fmt.Errorf("failed to write identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Identity{}, fmt.Errorf("failed to write identity file: %w", err)
	}
	return ident, nil
}
