// Package file provides file-based persistence for flows, versions and bindings.
//
// Layout under the root directory:
//
//	flows/<flow id>.json
//	versions/<flow id>/<number>.json
//	bindings/<phone number>.json
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/callflow/pkg/persistence"
)

// Persistence implements persistence.Persistence using the file system. Version files are
// created with O_EXCL so two writers can never both claim the same version number.
type Persistence struct {
	root string
	// mu serializes read-modify-write cycles on flow files within this process.
	mu sync.Mutex

	flowRepo    *FlowRepository
	versionRepo *VersionRepository
	bindingRepo *BindingRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.flowRepo = &FlowRepository{p: p}
	p.versionRepo = &VersionRepository{p: p}
	p.bindingRepo = &BindingRepository{p: p}

	return p
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) FlowRepository() persistence.FlowRepository {
	return fp.flowRepo
}

func (fp *Persistence) VersionRepository() persistence.VersionRepository {
	return fp.versionRepo
}

func (fp *Persistence) BindingRepository() persistence.BindingRepository {
	return fp.bindingRepo
}

var errUnsafeName = errors.New("unsafe file name")

// safeName rejects identifiers that would escape their directory.
func safeName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", errUnsafeName, name)
	}

	return nil
}

func (fp *Persistence) path(parts ...string) string {
	return filepath.Join(append([]string{fp.root}, parts...)...)
}

// readJSON loads path into target. It returns os.ErrNotExist unchanged so callers can map it.
func readJSON(path string, target any) error {
	body, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}

	err = json.Unmarshal(body, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}

	return nil
}

// writeJSON replaces path atomically through a temporary file and rename.
func writeJSON(path string, value any) error {
	err := os.MkdirAll(filepath.Dir(path), 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	_, err = tmp.Write(data)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	err = tmp.Close()
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	return os.Rename(tmp.Name(), path)
}

// createJSON writes path only if it does not exist yet.
func createJSON(path string, value any) error {
	err := os.MkdirAll(filepath.Dir(path), 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}

	_, err = f.Write(data)
	if err != nil {
		_ = f.Close()

		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return f.Close()
}
