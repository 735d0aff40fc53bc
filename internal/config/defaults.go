package config

const (
	defaultDataDir             = "~/.local/share/castpipe/data"
	defaultLogDir              = "~/.local/share/castpipe/logs"
	defaultStorageBackend      = "local"
	defaultQdrantHost          = "localhost"
	defaultQdrantPort          = 6334
	defaultQdrantCollection    = "podcast_embeddings"
	defaultTranscriberBaseURL  = "https://api.assemblyai.com/v2"
	defaultTranscriberTimeout  = 1800
	defaultTranscriberPoll     = 5
	defaultSpeakerLLMBaseURL   = "https://openrouter.ai/api/v1"
	defaultSpeakerLLMModel     = "google/gemini-3-flash-preview"
	defaultSpeakerLLMTimeout   = 60
	defaultEmbeddingBaseURL    = "https://api.voyageai.com/v1"
	defaultEmbeddingModel      = "voyage-3"
	defaultEmbeddingDimension  = 1024
	defaultEmbeddingMaxTokens  = 30000
	defaultEmbeddingOverlap    = 0.1
	defaultEmbeddingTimeout    = 120
	defaultWorkflowWorkers     = 2
	defaultStageTimeoutSeconds = 3600
	defaultDownloadRetries     = 3
	defaultMinAudioBytes       = 100 * 1024
	defaultLogLevel            = "info"
	defaultLogFormat           = "console"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Storage: Storage{
			Backend: defaultStorageBackend,
		},
		Qdrant: Qdrant{
			Host:       defaultQdrantHost,
			Port:       defaultQdrantPort,
			Collection: defaultQdrantCollection,
		},
		Transcriber: Transcriber{
			BaseURL:             defaultTranscriberBaseURL,
			TimeoutSeconds:      defaultTranscriberTimeout,
			PollIntervalSeconds: defaultTranscriberPoll,
		},
		SpeakerLLM: SpeakerLLM{
			BaseURL:        defaultSpeakerLLMBaseURL,
			Model:          defaultSpeakerLLMModel,
			TimeoutSeconds: defaultSpeakerLLMTimeout,
		},
		Embedding: Embedding{
			BaseURL:        defaultEmbeddingBaseURL,
			Model:          defaultEmbeddingModel,
			Dimension:      defaultEmbeddingDimension,
			MaxTokens:      defaultEmbeddingMaxTokens,
			OverlapPercent: defaultEmbeddingOverlap,
			TimeoutSeconds: defaultEmbeddingTimeout,
		},
		Workflow: Workflow{
			Workers:             defaultWorkflowWorkers,
			StageTimeoutSeconds: defaultStageTimeoutSeconds,
			DownloadRetries:     defaultDownloadRetries,
			MinAudioBytes:       defaultMinAudioBytes,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
