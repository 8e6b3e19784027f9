package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joyshmitz/ampersona/pkg/authority"
)

// loadWorkspaceDefaults reads .ampersona/defaults.json, the lowest-
// precedence authority layer every resolution starts from. A missing
// file is not an error — it simply contributes no layer.
func loadWorkspaceDefaults(dir string) (*authority.Authority, error) {
	path := filepath.Join(dir, ".ampersona", "defaults.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace defaults: %w", err)
	}
	var a authority.Authority
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("parse workspace defaults: %w", err)
	}
	return &a, nil
}
