package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/joyshmitz/ampersona/pkg/authority"
)

// LoadWorkspaceDefaults reads .ampersona/defaults.json at path. A
// missing file is "no layer" (nil, nil), not an error — callers simply
// omit it from the layer list passed to authority.Resolve. A present
// but unparsable file logs a warning and also returns (nil, nil) rather
// than failing the whole resolution, so one malformed workspace default
// never takes down every persona in the workspace.
func LoadWorkspaceDefaults(path string, logger *slog.Logger) (*authority.Authority, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: read workspace defaults: %w", err)
	}
	var a authority.Authority
	if err := json.Unmarshal(raw, &a); err != nil {
		logger.Warn("workspace defaults file is unparsable, resolving without it", "path", path, "error", err)
		return nil, nil
	}
	return &a, nil
}
