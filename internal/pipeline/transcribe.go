package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"castpipe/internal/artifacts"
	"castpipe/internal/catalog"
	"castpipe/internal/logging"
	"castpipe/internal/services"
	"castpipe/internal/transcribe"
)

// TranscribeExecutor sends acquired audio to the transcription service and
// stores the raw transcript.
type TranscribeExecutor struct {
	transcriber transcribe.Transcriber
	store       artifacts.Store
	logger      *slog.Logger
}

// NewTranscribeExecutor builds the transcription stage.
func NewTranscribeExecutor(transcriber transcribe.Transcriber, store artifacts.Store, logger *slog.Logger) *TranscribeExecutor {
	return &TranscribeExecutor{transcriber: transcriber, store: store, logger: logger}
}

func (e *TranscribeExecutor) Target() catalog.Stage { return catalog.StageTranscribed }

// Execute transcribes the audio, or adopts an existing raw transcript left
// by a run that crashed before its catalog commit. Duration and confidence
// are re-extracted from the adopted artifact so the catalog row ends up
// identical either way. A forced run transcribes again regardless.
func (e *TranscribeExecutor) Execute(ctx context.Context, ep *catalog.Episode, force bool) (catalog.Advance, error) {
	workspace := artifacts.WorkspaceFor(ep.Podcast, ep.SequenceNumber)

	exists, err := e.store.Exists(ctx, workspace, artifacts.NameRawTranscript)
	if err != nil {
		return catalog.Advance{}, services.Wrap(services.ErrTransient, "transcribe", "check_transcript", ep.ID, err)
	}

	var result *transcribe.Result
	var locator string
	if exists && !force {
		data, err := e.store.Read(ctx, workspace, artifacts.NameRawTranscript)
		if err != nil {
			return catalog.Advance{}, services.Wrap(services.ErrTransient, "transcribe", "read_transcript", ep.ID, err)
		}
		result = &transcribe.Result{}
		if err := json.Unmarshal(data, result); err != nil {
			return catalog.Advance{}, services.Wrap(services.ErrValidation, "transcribe", "decode_transcript", ep.ID, err)
		}
		locator = e.store.Locator(workspace, artifacts.NameRawTranscript)
		e.logger.Info("adopting existing raw transcript",
			logging.String(logging.FieldItemID, ep.ID),
		)
	} else {
		audio, err := e.store.Read(ctx, workspace, artifacts.NameAudio)
		if err != nil {
			return catalog.Advance{}, services.Wrap(services.ErrPrerequisiteMissing, "transcribe", "read_audio", ep.ID, err)
		}
		result, err = e.transcriber.Transcribe(ctx, audio)
		if err != nil {
			return catalog.Advance{}, err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return catalog.Advance{}, services.Wrap(services.ErrPermanent, "transcribe", "encode_transcript", ep.ID, err)
		}
		locator, err = e.store.Write(ctx, workspace, artifacts.NameRawTranscript, data)
		if err != nil {
			return catalog.Advance{}, services.Wrap(services.ErrTransient, "transcribe", "store_transcript", ep.ID, err)
		}
	}

	duration := result.DurationSeconds
	confidence := result.Confidence
	return catalog.Advance{
		Artifacts: map[artifacts.Kind]string{
			artifacts.KindRawTranscript: locator,
		},
		DurationSeconds: &duration,
		Confidence:      &confidence,
	}, nil
}
