package pipeline

import (
	"context"

	"castpipe/internal/artifacts"
	"castpipe/internal/catalog"
	"castpipe/internal/embedder"
	"castpipe/internal/services"
)

// EmbedExecutor resolves chunk embeddings into the vector index via the
// three-tier cache and records the cache file as the stage's artifact.
type EmbedExecutor struct {
	resolver *embedder.Resolver
	store    artifacts.Store
}

// NewEmbedExecutor builds the indexing stage.
func NewEmbedExecutor(resolver *embedder.Resolver, store artifacts.Store) *EmbedExecutor {
	return &EmbedExecutor{resolver: resolver, store: store}
}

func (e *EmbedExecutor) Target() catalog.Stage { return catalog.StageIndexed }

func (e *EmbedExecutor) Execute(ctx context.Context, ep *catalog.Episode, force bool) (catalog.Advance, error) {
	workspace := artifacts.WorkspaceFor(ep.Podcast, ep.SequenceNumber)

	text, err := e.store.Read(ctx, workspace, artifacts.NameFormattedText)
	if err != nil {
		return catalog.Advance{}, services.Wrap(services.ErrPrerequisiteMissing, "embed", "read_formatted", ep.ID, err)
	}

	resolution, err := e.resolver.Resolve(ctx, embedder.Item{
		ID:             ep.ID,
		Podcast:        ep.Podcast,
		SequenceNumber: ep.SequenceNumber,
		Workspace:      workspace,
		FormattedText:  string(text),
	}, force)
	if err != nil {
		return catalog.Advance{}, err
	}

	return catalog.Advance{Artifacts: map[artifacts.Kind]string{
		artifacts.KindVectorChunkCache: resolution.CacheLocator,
	}}, nil
}
