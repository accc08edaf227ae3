package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/e2ee-keyexchange/interfaces"
)

// StorageBackendFactory creates storage backends from URI strings and manages
// multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log *slog.Logger
}

var _ interfaces.StorageBackendFactory = (*StorageBackendFactory)(nil)

// NewStorageBackendFactory creates a new factory instance that can create storage backends.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageBackendFactory{
		log: logger,
	}
}

// StorageBackendFor creates a storage backend from a location URI.
//
// Supported schemes:
//   - memory:// - Process memory, lost on exit
//   - file:///path?passphrase=... - Local filesystem, sealed when a passphrase is set
//   - vault://host:port/mount/path?tls=false&token=... - HashiCorp Vault KV v2
//   - badger:///path - Embedded badger database
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StorageBackendFactory) StorageBackendFor(locationURI interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	u, err := locationURI.Parse()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryBackend(sf.log), nil
	case "file":
		return sf.createFileBackend(u.Host, u.Path, u.Query().Get("passphrase"))
	case "vault":
		return sf.createVaultBackend(u.Host, u.Path, u.Query().Get("tls") != "false", u.Query().Get("token"))
	case "badger":
		path := u.Path
		if u.Host != "" {
			path = u.Host + "/" + strings.TrimPrefix(path, "/")
		}
		if path == "" {
			return nil, fmt.Errorf("%w: empty path in badger URI", interfaces.ErrInvalidLocationURI)
		}
		return NewBadgerBackend(path, sf.log)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// Returns an error if no valid backends could be created from the provided URIs.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", redactLocation(uri)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// createFileBackend handles file:///absolute/path and file://./relative/path.
func (sf *StorageBackendFactory) createFileBackend(host, path, passphrase string) (interfaces.StorageBackend, error) {
	if host != "" {
		path = host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}

	sf.log.Debug("Creating file backend",
		slog.String("path", path),
		slog.Bool("sealed", passphrase != ""))

	return NewFileBackend(path, passphrase, sf.log)
}

// createVaultBackend expects the first path segment to be the KV mount.
func (sf *StorageBackendFactory) createVaultBackend(host, path string, useTLS bool, token string) (interfaces.StorageBackend, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: missing Vault host", interfaces.ErrInvalidLocationURI)
	}
	mount, dataPath, _ := strings.Cut(strings.Trim(path, "/"), "/")
	if mount == "" {
		return nil, fmt.Errorf("%w: missing Vault mount path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if !useTLS {
		scheme = "http"
	}

	sf.log.Debug("Creating Vault backend",
		slog.String("host", host),
		slog.String("mount", mount))

	return NewVaultBackend(VaultOptions{
		Address:   fmt.Sprintf("%s://%s", scheme, host),
		MountPath: mount,
		DataPath:  dataPath,
		Token:     token,
	}, sf.log)
}

// redactLocation drops query parameters, which may carry credentials.
func redactLocation(loc interfaces.StorageBackendLocation) string {
	s, _, _ := strings.Cut(string(loc), "?")
	return s
}
