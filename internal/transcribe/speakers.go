package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"castpipe/internal/config"
	"castpipe/internal/services"
)

// Mapping is the result of the speaker-identification step. Produced
// distinguishes "the model declined to name anyone" from "no attempt was
// made": a mapping with Produced set and an empty Names table is a valid,
// cacheable outcome that must not trigger re-generation on the next run.
type Mapping struct {
	Produced bool              `json:"produced"`
	Names    map[string]string `json:"names"`
}

// Resolve returns the display name for a speaker label, falling back to a
// generic "Speaker X" form when no name was produced.
func (m Mapping) Resolve(label string) string {
	if name, ok := m.Names[label]; ok && name != "" {
		return name
	}
	return "Speaker " + label
}

// Mapper derives speaker names from a transcript. The description is the
// episode's show notes, passed along as a naming hint; it may be empty.
type Mapper interface {
	MapSpeakers(ctx context.Context, result *Result, description string) (Mapping, error)
}

// LLMMapper asks a chat-completion model to identify speakers from the
// opening of the transcript, where hosts usually introduce themselves.
type LLMMapper struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewLLMMapper builds an LLMMapper from configuration.
func NewLLMMapper(cfg config.SpeakerLLM) *LLMMapper {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &LLMMapper{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    &http.Client{Timeout: timeout},
	}
}

const speakerPrompt = `Below is the opening of a podcast transcript with anonymous speaker labels,
optionally preceded by the episode description. Identify the real name of each
speaker where the description or conversation makes it clear.
Respond with a JSON object mapping labels to names, e.g. {"A": "Jane Doe"}.
Omit labels you cannot identify. Respond with {} if no names are evident.`

// excerptLimit bounds how much transcript is sent to the model. Names are
// almost always established in the first few minutes.
const excerptLimit = 8000

// MapSpeakers sends the episode description and transcript opening to the
// model and parses the returned label-to-name table. Guests are often named
// only in the show notes, so the description rides along as a hint. An empty
// table is a produced mapping.
func (m *LLMMapper) MapSpeakers(ctx context.Context, result *Result, description string) (Mapping, error) {
	excerpt := transcriptExcerpt(result, excerptLimit)
	if excerpt == "" {
		return Mapping{Produced: true, Names: map[string]string{}}, nil
	}

	var user strings.Builder
	if description != "" {
		user.WriteString("Episode description:\n")
		user.WriteString(description)
		user.WriteString("\n\n")
	}
	user.WriteString("Transcript:\n")
	user.WriteString(excerpt)

	body, err := json.Marshal(map[string]any{
		"model": m.model,
		"messages": []map[string]string{
			{"role": "system", "content": speakerPrompt},
			{"role": "user", "content": user.String()},
		},
	})
	if err != nil {
		return Mapping{}, services.Wrap(services.ErrPermanent, "format", "map_speakers", "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Mapping{}, services.Wrap(services.ErrPermanent, "format", "map_speakers", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return Mapping{}, services.Wrap(services.ErrTransient, "format", "map_speakers", "call model", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Mapping{}, services.Wrap(services.ErrTransient, "format", "map_speakers", "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		marker := services.ErrPermanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			marker = services.ErrTransient
		}
		return Mapping{}, services.Wrap(marker, "format", "map_speakers",
			fmt.Sprintf("model returned status %d: %s", resp.StatusCode, truncateBody(data)), nil)
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &completion); err != nil {
		return Mapping{}, services.Wrap(services.ErrValidation, "format", "map_speakers", "decode completion", err)
	}
	if len(completion.Choices) == 0 {
		return Mapping{}, services.Wrap(services.ErrValidation, "format", "map_speakers", "model returned no choices", nil)
	}

	names, err := parseNameTable(completion.Choices[0].Message.Content)
	if err != nil {
		return Mapping{}, services.Wrap(services.ErrValidation, "format", "map_speakers", "parse name table", err)
	}
	return Mapping{Produced: true, Names: names}, nil
}

// parseNameTable extracts the JSON object from the model reply, tolerating
// surrounding prose or code fences.
func parseNameTable(content string) (map[string]string, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	names := make(map[string]string)
	if err := json.Unmarshal([]byte(content[start:end+1]), &names); err != nil {
		return nil, err
	}
	return names, nil
}

func transcriptExcerpt(result *Result, limit int) string {
	var b strings.Builder
	for _, u := range result.Utterances {
		line := fmt.Sprintf("%s: %s\n", u.Speaker, u.Text)
		if b.Len()+len(line) > limit {
			break
		}
		b.WriteString(line)
	}
	if b.Len() == 0 && result.Text != "" {
		if len(result.Text) > limit {
			return result.Text[:limit]
		}
		return result.Text
	}
	return b.String()
}
