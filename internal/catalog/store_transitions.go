package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"castpipe/internal/artifacts"
)

// ErrStageConflict reports a compare-and-set transition that found the
// episode in a different stage than expected. Callers treat it as "someone
// else got here first" and re-read.
var ErrStageConflict = errors.New("episode stage changed concurrently")

// Advance carries the durable results of one completed stage. Artifact
// locators and extracted metrics land in the same transaction as the stage
// change so a crash can never record progress without its evidence.
type Advance struct {
	Artifacts       map[artifacts.Kind]string
	DurationSeconds *int64
	Confidence      *float64
}

// AdvanceStage moves an episode exactly one stage forward. The update is a
// compare-and-set on the expected current stage; if another process advanced
// the episode first, ErrStageConflict is returned and nothing is written.
// A stage_events row is recorded in the same transaction.
func (s *Store) AdvanceStage(ctx context.Context, id string, from Stage, adv Advance) error {
	to, ok := from.Next()
	if !ok {
		return fmt.Errorf("stage %s has no successor", from)
	}
	return s.transition(ctx, id, from, to, DirectionAdvance, "", adv)
}

// ReconcileStage moves an episode to an arbitrary stage, forward or
// backward, as directed by the reconciler. Unlike AdvanceStage it may jump
// multiple stages, but it still compare-and-sets on the expected current
// stage and records the supplied evidence in the audit log.
func (s *Store) ReconcileStage(ctx context.Context, id string, from, to Stage, evidence string, adv Advance) error {
	if from == to {
		return fmt.Errorf("reconcile from %s to %s is a no-op", from, to)
	}
	direction := DirectionUpgrade
	if to.Before(from) {
		direction = DirectionDowngrade
	}
	return s.transition(ctx, id, from, to, direction, evidence, adv)
}

func (s *Store) transition(ctx context.Context, id string, from, to Stage, direction StageEventDirection, evidence string, adv Advance) error {
	if to.Index() < 0 {
		return fmt.Errorf("unknown stage %q", to)
	}
	ctx = ensureContext(ctx)

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition: %w", err)
		}
		defer tx.Rollback()

		query := `UPDATE episodes SET stage = ?, error_message = NULL, updated_at = ?`
		args := []any{to, formatTime(time.Now())}

		for kind, locator := range adv.Artifacts {
			column, ok := artifactColumn(kind)
			if !ok {
				return fmt.Errorf("unknown artifact kind %q", kind)
			}
			query += `, ` + column + ` = ?`
			args = append(args, nullableString(locator))
		}
		if direction == DirectionDowngrade {
			// The row must not keep claiming artifacts the target stage no
			// longer implies. Anything a later stage produced is cleared
			// unless the caller supplied a surviving locator for it.
			for _, stage := range stageOrder {
				if !to.Before(stage) {
					continue
				}
				for _, kind := range StageOutputs(stage) {
					if _, kept := adv.Artifacts[kind]; kept {
						continue
					}
					if column, ok := artifactColumn(kind); ok {
						query += `, ` + column + ` = NULL`
					}
				}
			}
		}
		if adv.DurationSeconds != nil {
			query += `, duration_seconds = ?`
			args = append(args, *adv.DurationSeconds)
		}
		if adv.Confidence != nil {
			query += `, confidence = ?`
			args = append(args, *adv.Confidence)
		}
		query += ` WHERE id = ? AND stage = ?`
		args = append(args, id, from)

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update stage: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update stage: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%s: %w", id, ErrStageConflict)
		}

		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO stage_events (episode_id, from_stage, to_stage, direction, evidence, created_at)
             VALUES (?, ?, ?, ?, ?, ?)`,
			id, from, to, direction, nullableString(evidence), formatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("record stage event: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
		return nil
	})
}

// StageEvents returns the audit trail for one episode, oldest first.
func (s *Store) StageEvents(ctx context.Context, episodeID string) ([]StageEvent, error) {
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT id, episode_id, from_stage, to_stage, direction, evidence, created_at
         FROM stage_events WHERE episode_id = ? ORDER BY id`,
		episodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("load stage events: %w", err)
	}
	defer rows.Close()

	var events []StageEvent
	for rows.Next() {
		var (
			event      StageEvent
			evidence   sql.NullString
			createdRaw string
		)
		if err := rows.Scan(&event.ID, &event.EpisodeID, &event.FromStage, &event.ToStage, &event.Direction, &evidence, &createdRaw); err != nil {
			return nil, err
		}
		event.Evidence = evidence.String
		if created, err := parseTimeString(createdRaw); err == nil {
			event.CreatedAt = created
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func artifactColumn(kind artifacts.Kind) (string, bool) {
	switch kind {
	case artifacts.KindRawSource:
		return "audio_path", true
	case artifacts.KindRawTranscript:
		return "raw_transcript_path", true
	case artifacts.KindSpeakerMapping:
		return "speaker_mapping_path", true
	case artifacts.KindFormattedText:
		return "formatted_transcript_path", true
	case artifacts.KindVectorChunkCache:
		return "embedding_cache_path", true
	default:
		return "", false
	}
}
