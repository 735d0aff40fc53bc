// Package pipeline drives episodes through their stages. The orchestrator
// owns selection, ordering, and stage transitions; executors own the work
// of a single stage and never touch the catalog themselves.
package pipeline

import (
	"context"

	"castpipe/internal/artifacts"
	"castpipe/internal/catalog"
)

// Executor performs the work that moves an episode into its target stage.
// Execute must be idempotent: when the stage's outputs already exist in the
// artifact store it reuses them instead of redoing external work, so that
// a crash between artifact write and catalog commit heals on the next run.
// With force set, existing outputs are ignored and redone from scratch.
type Executor interface {
	// Target is the stage an episode reaches when Execute succeeds.
	Target() catalog.Stage
	// Execute produces the stage's outputs for the episode. The returned
	// Advance carries artifact locators and extracted metrics; the
	// orchestrator commits it together with the stage change.
	Execute(ctx context.Context, ep *catalog.Episode, force bool) (catalog.Advance, error)
}

// Requires returns the artifact kinds that must exist before the executor
// for a target stage may run.
func Requires(target catalog.Stage) []artifacts.Kind {
	return catalog.StagePrerequisites(target)
}
