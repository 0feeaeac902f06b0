// Package catalog registers every job type this deployment serves. The
// gateway builds it to validate submissions; workers build it to run them.
package catalog

import (
	"fmt"

	"github.com/cordum/tenantgate/core/infra/config"
	"github.com/cordum/tenantgate/core/infra/memory"
	"github.com/cordum/tenantgate/core/jobs"
	"github.com/cordum/tenantgate/packages/workers/echo"
	"github.com/cordum/tenantgate/packages/workers/mockup"
)

// Build registers mockup and echo, then applies the runtime job_types
// overrides for queue, timeout and max_attempts.
func Build(rt *config.Runtime, artifacts memory.ArtifactStore, workerID string) (*jobs.Registry, error) {
	reg := jobs.NewRegistry()
	mw, err := mockup.New(mockup.Options{Artifacts: artifacts})
	if err != nil {
		return nil, err
	}
	if err := mockup.Register(reg, mw, jobs.TypeOptions{}); err != nil {
		return nil, fmt.Errorf("register mockup: %w", err)
	}
	if err := echo.Register(reg, workerID, jobs.TypeOptions{}); err != nil {
		return nil, fmt.Errorf("register echo: %w", err)
	}
	if rt != nil {
		reg.Apply(rt.JobTypes)
	}
	return reg, nil
}
