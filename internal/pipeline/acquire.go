package pipeline

import (
	"context"
	"log/slog"

	"castpipe/internal/artifacts"
	"castpipe/internal/catalog"
	"castpipe/internal/fetch"
	"castpipe/internal/logging"
	"castpipe/internal/services"
)

// AcquireExecutor downloads episode audio into the artifact store.
type AcquireExecutor struct {
	downloader *fetch.Downloader
	store      artifacts.Store
	logger     *slog.Logger
}

// NewAcquireExecutor builds the acquisition stage.
func NewAcquireExecutor(downloader *fetch.Downloader, store artifacts.Store, logger *slog.Logger) *AcquireExecutor {
	return &AcquireExecutor{downloader: downloader, store: store, logger: logger}
}

func (e *AcquireExecutor) Target() catalog.Stage { return catalog.StageAcquired }

// Execute downloads the audio unless a previous run already left it in the
// store, in which case the existing artifact is adopted as-is. A forced run
// re-downloads and overwrites it.
func (e *AcquireExecutor) Execute(ctx context.Context, ep *catalog.Episode, force bool) (catalog.Advance, error) {
	workspace := artifacts.WorkspaceFor(ep.Podcast, ep.SequenceNumber)

	exists, err := e.store.Exists(ctx, workspace, artifacts.NameAudio)
	if err != nil {
		return catalog.Advance{}, services.Wrap(services.ErrTransient, "acquire", "check_audio", ep.ID, err)
	}
	if exists && !force {
		e.logger.Info("adopting existing audio artifact",
			logging.String(logging.FieldItemID, ep.ID),
			logging.Int64(logging.FieldSequence, ep.SequenceNumber),
		)
		return catalog.Advance{Artifacts: map[artifacts.Kind]string{
			artifacts.KindRawSource: e.store.Locator(workspace, artifacts.NameAudio),
		}}, nil
	}

	if ep.AudioURL == "" {
		return catalog.Advance{}, services.Wrap(services.ErrValidation, "acquire", "download",
			"episode has no audio url", nil)
	}
	data, err := e.downloader.Download(ctx, ep.AudioURL)
	if err != nil {
		return catalog.Advance{}, err
	}
	locator, err := e.store.Write(ctx, workspace, artifacts.NameAudio, data)
	if err != nil {
		return catalog.Advance{}, services.Wrap(services.ErrTransient, "acquire", "store_audio", ep.ID, err)
	}
	return catalog.Advance{Artifacts: map[artifacts.Kind]string{
		artifacts.KindRawSource: locator,
	}}, nil
}
