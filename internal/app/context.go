package app

import (
	"os"

	"actionline/internal/config"
)

// ResolveConfig loads the workspace config, seeding the default
// actionline.yml on first use so later runs are explicit about their policy.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	path := config.Path(workspace)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if writeErr := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); writeErr != nil {
			return nil, writeErr
		}
	}
	return cfg, nil
}
