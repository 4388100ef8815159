package app

import (
	"context"
	"errors"
	"fmt"

	"flowline/internal/config"
	"flowline/internal/repo"
)

// ResolveDeploymentConfig picks the active deployment and ensures its
// config exists in the DB, seeding from the workspace flowline.yml or
// the built-in defaults when missing. Overrides win over the file.
func ResolveDeploymentConfig(ctx context.Context, workspace, deploymentOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	name := deploymentOverride
	if name == "" && fileCfg != nil {
		name = fileCfg.Deployment.Name
	}
	if name == "" {
		name = "default"
	}

	cfg, err := r.GetDeploymentConfig(ctx, name)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		seed := fileCfg
		if seed == nil {
			seed = config.Default(name)
		}
		if err := r.UpsertDeploymentConfig(ctx, name, seed); err != nil {
			return "", nil, fmt.Errorf("seed deployment config: %w", err)
		}
		cfg = seed
	}
	cfg.Deployment.Name = name
	return name, cfg, nil
}
