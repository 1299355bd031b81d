package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/samber/lo"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const (
	manifestName    = ".checksums"
	manifestVersion = 1
)

// Manifest pins the BLAKE3 digest of every config file in one directory.
type Manifest struct {
	Version  int               `yaml:"version"`
	LockedAt string            `yaml:"locked_at"`
	Hashes   map[string]string `yaml:"hashes"`
}

// LockEntry is one file considered by Lock. Missing files get no hash.
type LockEntry struct {
	Name    string
	Hash    string
	Missing bool
}

// LockReport describes the manifest for one directory.
type LockReport struct {
	Dir          string
	ManifestPath string
	Written      bool
	Entries      []LockEntry
}

// HashFile returns the hex BLAKE3 digest of a file.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Lock writes a manifest into every directory reached by the include tree
// of configPath. With dryRun nothing is written.
func Lock(configPath string, dryRun bool) ([]LockReport, error) {
	files, err := DiscoverAllConfigFiles(configPath)
	if err != nil {
		return nil, err
	}
	byDir := lo.GroupBy(files, filepath.Dir)
	dirs := lo.Keys(byDir)
	slices.Sort(dirs)

	reports := make([]LockReport, 0, len(dirs))
	for _, dir := range dirs {
		names := lo.Map(byDir[dir], func(p string, _ int) string { return filepath.Base(p) })
		report, err := lockDir(dir, names, dryRun)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func lockDir(dir string, names []string, dryRun bool) (LockReport, error) {
	report := LockReport{Dir: dir, ManifestPath: filepath.Join(dir, manifestName)}
	m := Manifest{
		Version:  manifestVersion,
		LockedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:   map[string]string{},
	}

	for _, name := range names {
		sum, err := HashFile(filepath.Join(dir, name))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			report.Entries = append(report.Entries, LockEntry{Name: name, Missing: true})
			continue
		case err != nil:
			return LockReport{}, err
		}
		m.Hashes[name] = sum
		report.Entries = append(report.Entries, LockEntry{Name: name, Hash: sum})
	}
	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return LockReport{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(report.ManifestPath, data, 0o600); err != nil {
		return LockReport{}, fmt.Errorf("write manifest: %w", err)
	}
	report.Written = true
	return report, nil
}

// ReadManifest loads dir's manifest. A directory that was never locked
// yields an error matching fs.ErrNotExist.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s in %s: %w", manifestName, dir, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("%s in %s: unsupported version %d", manifestName, dir, m.Version)
	}
	return &m, nil
}

// Verify checks path against its pinned digest.
func (m *Manifest) Verify(path string) error {
	name := filepath.Base(path)
	want, ok := m.Hashes[name]
	if !ok {
		return fmt.Errorf("%s is not pinned", name)
	}
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%s changed: pinned %s, now %s", name, want, got)
	}
	return nil
}

// verifyLocked refuses any file whose directory is locked but whose
// contents no longer match. Unlocked directories pass.
func verifyLocked(paths []string) error {
	for dir, files := range lo.GroupBy(paths, filepath.Dir) {
		m, err := ReadManifest(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		for _, path := range files {
			if err := m.Verify(path); err != nil {
				return fmt.Errorf("config verification failed: %w\n"+
					"If the edit was intended, run: critvals config lock --config %s", err, dir)
			}
		}
	}
	return nil
}
