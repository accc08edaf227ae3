package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"gopkg.in/yaml.v2"
)

const manifestFileName = "shares.yaml"

// shareManifest describes an offline split so that combine can check the
// recovered key without access to the original storage.
type shareManifest struct {
	Owner       string   `yaml:"owner"`
	Fingerprint string   `yaml:"fingerprint"`
	Hash        string   `yaml:"hash"`
	Threshold   int      `yaml:"threshold"`
	Shares      []string `yaml:"shares"`
}

func (m *shareManifest) shaVersion() (cryptoutils.ShaVersion, error) {
	switch m.Hash {
	case cryptoutils.OAEPWithSHA1.String():
		return cryptoutils.OAEPWithSHA1, nil
	case cryptoutils.OAEPWithSHA256.String(), "":
		return cryptoutils.OAEPWithSHA256, nil
	default:
		return 0, fmt.Errorf("unknown key algorithm %q", m.Hash)
	}
}

func writeManifest(dir string, m *shareManifest) (string, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, manifestFileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", err
	}
	return path, nil
}

func readManifest(path string) (*shareManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &shareManifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	// share paths are relative to the manifest
	for i, share := range m.Shares {
		if !filepath.IsAbs(share) {
			m.Shares[i] = filepath.Join(filepath.Dir(path), share)
		}
	}
	return m, nil
}

func readShareFile(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	share, err := hex.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("share %s is not hex: %w", path, err)
	}
	return share, nil
}
