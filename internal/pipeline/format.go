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

// FormatExecutor maps speaker labels to names and renders the formatted
// transcript.
type FormatExecutor struct {
	mapper transcribe.Mapper
	store  artifacts.Store
	logger *slog.Logger
}

// NewFormatExecutor builds the formatting stage.
func NewFormatExecutor(mapper transcribe.Mapper, store artifacts.Store, logger *slog.Logger) *FormatExecutor {
	return &FormatExecutor{mapper: mapper, store: store, logger: logger}
}

func (e *FormatExecutor) Target() catalog.Stage { return catalog.StageFormatted }

// Execute produces the speaker mapping and formatted text. A persisted
// mapping is reused even when its name table is empty: "the model named
// nobody" is a final answer, not a reason to ask again. A forced run asks
// the model again and overwrites the persisted mapping.
func (e *FormatExecutor) Execute(ctx context.Context, ep *catalog.Episode, force bool) (catalog.Advance, error) {
	workspace := artifacts.WorkspaceFor(ep.Podcast, ep.SequenceNumber)

	rawData, err := e.store.Read(ctx, workspace, artifacts.NameRawTranscript)
	if err != nil {
		return catalog.Advance{}, services.Wrap(services.ErrPrerequisiteMissing, "format", "read_transcript", ep.ID, err)
	}
	var result transcribe.Result
	if err := json.Unmarshal(rawData, &result); err != nil {
		return catalog.Advance{}, services.Wrap(services.ErrValidation, "format", "decode_transcript", ep.ID, err)
	}

	mapping, mappingLocator, err := e.resolveMapping(ctx, ep, workspace, &result, force)
	if err != nil {
		return catalog.Advance{}, err
	}

	formatted := transcribe.Format(&result, mapping)
	formattedLocator, err := e.store.Write(ctx, workspace, artifacts.NameFormattedText, []byte(formatted))
	if err != nil {
		return catalog.Advance{}, services.Wrap(services.ErrTransient, "format", "store_formatted", ep.ID, err)
	}

	return catalog.Advance{Artifacts: map[artifacts.Kind]string{
		artifacts.KindSpeakerMapping: mappingLocator,
		artifacts.KindFormattedText:  formattedLocator,
	}}, nil
}

func (e *FormatExecutor) resolveMapping(ctx context.Context, ep *catalog.Episode, workspace string, result *transcribe.Result, force bool) (transcribe.Mapping, string, error) {
	exists, err := e.store.Exists(ctx, workspace, artifacts.NameSpeakerMapping)
	if err != nil {
		return transcribe.Mapping{}, "", services.Wrap(services.ErrTransient, "format", "check_mapping", ep.ID, err)
	}
	if exists && !force {
		data, err := e.store.Read(ctx, workspace, artifacts.NameSpeakerMapping)
		if err != nil {
			return transcribe.Mapping{}, "", services.Wrap(services.ErrTransient, "format", "read_mapping", ep.ID, err)
		}
		var mapping transcribe.Mapping
		if err := json.Unmarshal(data, &mapping); err == nil && mapping.Produced {
			e.logger.Info("reusing persisted speaker mapping",
				logging.String(logging.FieldItemID, ep.ID),
				logging.Int("names", len(mapping.Names)),
			)
			return mapping, e.store.Locator(workspace, artifacts.NameSpeakerMapping), nil
		}
		// Fall through and regenerate an unreadable or unproduced mapping.
	}

	mapping, err := e.mapper.MapSpeakers(ctx, result, ep.Description)
	if err != nil {
		return transcribe.Mapping{}, "", err
	}
	data, err := json.Marshal(mapping)
	if err != nil {
		return transcribe.Mapping{}, "", services.Wrap(services.ErrPermanent, "format", "encode_mapping", ep.ID, err)
	}
	locator, err := e.store.Write(ctx, workspace, artifacts.NameSpeakerMapping, data)
	if err != nil {
		return transcribe.Mapping{}, "", services.Wrap(services.ErrTransient, "format", "store_mapping", ep.ID, err)
	}
	return mapping, locator, nil
}
