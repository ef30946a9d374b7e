package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"secure-vault-hub/internal/managererr"
)

// FileStore persists one JSON document per (environment, key) under a
// single directory, filename `{environment}_{key}.json`. The byte layout is
// an external contract; do not change field names or the filename pattern.
type FileStore struct {
	dir string
}

// NewFileStore creates the storage directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, managererr.NewSecretsError(managererr.CodeSecretStore, "storage directory not configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, managererr.NewSecretsError(managererr.CodeSecretStore, "failed to create storage directory").WithCause(err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(environment, key string) string {
	return filepath.Join(fs.dir, fmt.Sprintf("%s_%s.json", environment, key))
}

// Save writes the secret atomically (temp file + rename).
func (fs *FileStore) Save(ctx context.Context, secret *Secret) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(secret, "", "  ")
	if err != nil {
		return managererr.NewSecretsError(managererr.CodeSecretStore, "failed to serialize secret").WithCause(err)
	}

	target := fs.path(secret.Environment, secret.Key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return managererr.NewSecretsError(managererr.CodeSecretStore, "failed to write secret file").WithCause(err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return managererr.NewSecretsError(managererr.CodeSecretStore, "failed to commit secret file").WithCause(err)
	}
	return nil
}

// Load reads one secret; absence maps to SECRET_NOT_FOUND.
func (fs *FileStore) Load(ctx context.Context, environment, key string) (*Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.path(environment, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, managererr.NewSecretsError(managererr.CodeSecretNotFound,
				fmt.Sprintf("secret %q not found in environment %q", key, environment))
		}
		return nil, managererr.NewSecretsError(managererr.CodeSecretRetrieve, "failed to read secret file").WithCause(err)
	}

	var secret Secret
	if err := json.Unmarshal(data, &secret); err != nil {
		return nil, managererr.NewSecretsError(managererr.CodeSecretRetrieve, "corrupted secret file").WithCause(err)
	}
	return &secret, nil
}

// Delete removes the secret file; absence maps to SECRET_NOT_FOUND.
func (fs *FileStore) Delete(ctx context.Context, environment, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(fs.path(environment, key))
	if os.IsNotExist(err) {
		return managererr.NewSecretsError(managererr.CodeSecretNotFound,
			fmt.Sprintf("secret %q not found in environment %q", key, environment))
	}
	if err != nil {
		return managererr.NewSecretsError(managererr.CodeSecretDelete, "failed to delete secret file").WithCause(err)
	}
	return nil
}

// List loads every secret, optionally filtered by environment. Unreadable
// files are skipped rather than failing the whole listing.
func (fs *FileStore) List(ctx context.Context, environment string) ([]*Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, managererr.NewSecretsError(managererr.CodeSecretRetrieve, "failed to read storage directory").WithCause(err)
	}

	var out []*Secret
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if environment != "" && !strings.HasPrefix(name, environment+"_") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.dir, name))
		if err != nil {
			continue
		}
		var secret Secret
		if err := json.Unmarshal(data, &secret); err != nil {
			continue
		}
		if environment != "" && secret.Environment != environment {
			continue
		}
		out = append(out, &secret)
	}
	return out, nil
}
