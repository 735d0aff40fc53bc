package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const episodeColumns = "id, podcast, sequence_number, title, description, published_at, audio_url, stage, " +
	"audio_path, raw_transcript_path, speaker_mapping_path, formatted_transcript_path, embedding_cache_path, " +
	"duration_seconds, confidence, error_message, needs_review, review_reason, created_at, updated_at"

// Register inserts a new episode at StageRegistered, assigning an ID when
// absent. Timestamps are set by the store, never by callers.
func (s *Store) Register(ctx context.Context, ep *Episode) error {
	if ep == nil {
		return errors.New("episode is nil")
	}
	if strings.TrimSpace(ep.Podcast) == "" {
		return errors.New("episode podcast is required")
	}
	if strings.TrimSpace(ep.AudioURL) == "" {
		return errors.New("episode audio url is required")
	}
	if ep.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("assign episode id: %w", err)
		}
		ep.ID = id.String()
	}
	if ep.Stage == "" {
		ep.Stage = StageRegistered
	}
	now := time.Now().UTC()
	ep.CreatedAt = now
	ep.UpdatedAt = now

	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO episodes (
            id, podcast, sequence_number, title, description, published_at, audio_url,
            stage, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID,
		ep.Podcast,
		ep.SequenceNumber,
		ep.Title,
		nullableString(ep.Description),
		formatTime(ep.PublishedAt),
		ep.AudioURL,
		ep.Stage,
		formatTime(ep.CreatedAt),
		formatTime(ep.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// RegisterIfAbsent inserts the episode unless one already exists with the
// same (podcast, audio_url). It reports whether a new row was created.
func (s *Store) RegisterIfAbsent(ctx context.Context, ep *Episode) (bool, error) {
	existing, err := s.FindBySource(ctx, ep.Podcast, ep.AudioURL)
	if err != nil {
		return false, err
	}
	if existing != nil {
		*ep = *existing
		return false, nil
	}
	if err := s.Register(ctx, ep); err != nil {
		return false, err
	}
	return true, nil
}

// GetByID fetches an episode by identifier.
func (s *Store) GetByID(ctx context.Context, id string) (*Episode, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}
	return ep, nil
}

// FindBySource returns the episode matching a (podcast, audio_url) pair.
func (s *Store) FindBySource(ctx context.Context, podcast, audioURL string) (*Episode, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+episodeColumns+` FROM episodes WHERE podcast = ? AND audio_url = ? LIMIT 1`,
		podcast, audioURL,
	)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find episode by source: %w", err)
	}
	return ep, nil
}

// FindBySequence returns the episode with a sequence number scoped to one
// podcast. Sequence numbers are never unique across podcasts; callers must
// always scope by podcast.
func (s *Store) FindBySequence(ctx context.Context, podcast string, sequence int64) (*Episode, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+episodeColumns+` FROM episodes WHERE podcast = ? AND sequence_number = ? LIMIT 1`,
		podcast, sequence,
	)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find episode by sequence: %w", err)
	}
	return ep, nil
}

// MaxSequence returns the highest sequence number recorded for a podcast,
// or zero when the podcast has no episodes.
func (s *Store) MaxSequence(ctx context.Context, podcast string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT MAX(sequence_number) FROM episodes WHERE podcast = ?`,
		podcast,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// SelectCandidates returns episodes matching the filter, ordered by their
// origin sequence (publication time, then sequence number) so reruns resume
// deterministically.
func (s *Store) SelectCandidates(ctx context.Context, filter Filter) ([]*Episode, error) {
	query := `SELECT ` + episodeColumns + ` FROM episodes`
	var clauses []string
	var args []any

	if len(filter.IDs) > 0 {
		clauses = append(clauses, `id IN (`+makePlaceholders(len(filter.IDs))+`)`)
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.Podcast != "" {
		clauses = append(clauses, `podcast = ? COLLATE NOCASE`)
		args = append(args, filter.Podcast)
	}
	if filter.BelowStage != "" {
		below := stagesBefore(filter.BelowStage)
		if len(below) == 0 {
			return nil, nil
		}
		clauses = append(clauses, `stage IN (`+makePlaceholders(len(below))+`)`)
		for _, stage := range below {
			args = append(args, stage)
		}
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY published_at, sequence_number`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()

	var episodes []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// List returns all episodes, optionally scoped to a podcast, in origin order.
func (s *Store) List(ctx context.Context, podcast string) ([]*Episode, error) {
	filter := Filter{Podcast: podcast}
	return s.SelectCandidates(ctx, filter)
}

// RecordFailure stores a failure message against one episode without
// touching its stage.
func (s *Store) RecordFailure(ctx context.Context, id, message string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE episodes SET error_message = ?, updated_at = ? WHERE id = ?`,
		nullableString(message),
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// SetMetrics fills in duration and confidence without touching the stage.
// Used by the reconciler to realign metadata re-extracted from artifacts.
func (s *Store) SetMetrics(ctx context.Context, id string, duration *int64, confidence *float64) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE episodes SET duration_seconds = ?, confidence = ?, updated_at = ? WHERE id = ?`,
		nullableInt64(duration),
		nullableFloat64(confidence),
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("set metrics: %w", err)
	}
	return nil
}

// MarkReview flags an episode for manual review with a reason. Used by the
// reconciler when evidence across stores is contradictory.
func (s *Store) MarkReview(ctx context.Context, id, reason string) error {
	_, err := s.execWithRetry(
		ctx,
		`UPDATE episodes SET needs_review = 1, review_reason = ?, updated_at = ? WHERE id = ?`,
		nullableString(reason),
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark review: %w", err)
	}
	return nil
}

// Stats returns episode counts grouped by stage.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{PerStage: make(map[Stage]int)}

	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT stage, COUNT(1) FROM episodes GROUP BY stage`)
	if err != nil {
		return stats, fmt.Errorf("catalog stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stage Stage
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return stats, err
		}
		stats.PerStage[stage] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	if err := s.db.QueryRowContext(ensureContext(ctx), `SELECT COUNT(1) FROM episodes WHERE needs_review = 1`).Scan(&stats.Review); err != nil {
		return stats, fmt.Errorf("count review episodes: %w", err)
	}
	return stats, nil
}

func stagesBefore(limit Stage) []Stage {
	idx := limit.Index()
	if idx <= 0 {
		return nil
	}
	return stageOrder[:idx]
}

func scanEpisode(scanner interface{ Scan(dest ...any) error }) (*Episode, error) {
	var (
		id             string
		podcast        string
		sequence       int64
		title          string
		description    sql.NullString
		publishedRaw   string
		audioURL       string
		stageStr       string
		audioPath      sql.NullString
		rawPath        sql.NullString
		speakerPath    sql.NullString
		formattedPath  sql.NullString
		embeddingPath  sql.NullString
		duration       sql.NullInt64
		confidence     sql.NullFloat64
		errorMessage   sql.NullString
		needsReviewInt sql.NullInt64
		reviewReason   sql.NullString
		createdRaw     string
		updatedRaw     string
	)

	if err := scanner.Scan(
		&id,
		&podcast,
		&sequence,
		&title,
		&description,
		&publishedRaw,
		&audioURL,
		&stageStr,
		&audioPath,
		&rawPath,
		&speakerPath,
		&formattedPath,
		&embeddingPath,
		&duration,
		&confidence,
		&errorMessage,
		&needsReviewInt,
		&reviewReason,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	ep := &Episode{
		ID:                      id,
		Podcast:                 podcast,
		SequenceNumber:          sequence,
		Title:                   title,
		Description:             description.String,
		AudioURL:                audioURL,
		Stage:                   Stage(stageStr),
		AudioPath:               audioPath.String,
		RawTranscriptPath:       rawPath.String,
		SpeakerMappingPath:      speakerPath.String,
		FormattedTranscriptPath: formattedPath.String,
		EmbeddingCachePath:      embeddingPath.String,
		ErrorMessage:            errorMessage.String,
		ReviewReason:            reviewReason.String,
	}
	if needsReviewInt.Valid {
		ep.NeedsReview = needsReviewInt.Int64 != 0
	}
	if duration.Valid {
		v := duration.Int64
		ep.DurationSeconds = &v
	}
	if confidence.Valid {
		v := confidence.Float64
		ep.Confidence = &v
	}
	if published, err := parseTimeString(publishedRaw); err == nil {
		ep.PublishedAt = published
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		ep.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		ep.UpdatedAt = updated
	}
	return ep, nil
}
