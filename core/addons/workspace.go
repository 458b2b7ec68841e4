package addons

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cordum/addonhub/core/infra/logging"
	"github.com/google/uuid"
)

const workspacePrefix = "addon-upload-"

// WorkspaceManager hands out isolated scratch directories, one per upload.
type WorkspaceManager struct {
	root string
}

// NewWorkspaceManager uses root as the parent directory; an empty root
// selects os.TempDir().
func NewWorkspaceManager(root string) *WorkspaceManager {
	if root == "" {
		root = os.TempDir()
	}
	return &WorkspaceManager{root: root}
}

// Root returns the parent directory of all workspaces.
func (m *WorkspaceManager) Root() string {
	return m.root
}

// Workspace is a scratch directory owned by a single upload.
type Workspace struct {
	dir  string
	once sync.Once
}

// Acquire creates a new uniquely named workspace. The caller must defer
// Release immediately.
func (m *WorkspaceManager) Acquire() (*Workspace, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, storageError(err, "create workspace root")
	}
	dir := filepath.Join(m.root, workspacePrefix+uuid.NewString())
	// Mkdir (not MkdirAll) so a name collision fails instead of sharing a dir.
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, storageError(err, "create workspace")
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path joins elem onto the workspace directory.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.dir}, elem...)...)
}

// Mkdir creates a subdirectory inside the workspace.
func (w *Workspace) Mkdir(name string) (string, error) {
	dir := w.Path(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", storageError(err, "create workspace dir %s", name)
	}
	return dir, nil
}

// Release removes the workspace and everything in it. It runs at most once;
// failures are logged and never returned.
func (w *Workspace) Release() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil {
			logging.Error("addons", "workspace cleanup failed", "workspace", w.dir, "error", err)
		}
	})
}

func (w *Workspace) String() string {
	return fmt.Sprintf("workspace(%s)", w.dir)
}
