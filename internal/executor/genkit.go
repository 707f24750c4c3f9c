package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/inflow/internal/persistence"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig holds configuration for the GenkitExecutor.
type GenkitConfig struct {
	// Provider is the LLM provider: "google", "anthropic", "openai",
	// "openai_compatible", "openrouter". Empty defaults to "google".
	Provider string

	// Model is the model name for the configured provider.
	Model string

	// APIKey is the API key for the LLM provider.
	APIKey string

	// OpenAICompatible config.
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

const taskSystemPrompt = `You are an autonomous task worker. You receive one task at a time
and work it to completion in a single reply: state what you did, what you found, and any
concrete next action. Be concise.

If you are blocked and genuinely need information only the task's owner can provide, end
your reply with a single line of the form:

ASK_HUMAN: <one specific question>

Use it sparingly. Never emit that line otherwise.`

// GenkitExecutor runs tasks through a Genkit-backed model, persisting each
// thread's transcript so suspended runs survive restarts.
type GenkitExecutor struct {
	g      *genkit.Genkit
	store  *persistence.Store
	logger *slog.Logger
	cfg    GenkitConfig
	llmOn  bool
}

var _ Executor = (*GenkitExecutor)(nil)

// NewGenkitExecutor initializes Genkit with the configured LLM provider.
// Supports: google (Gemini), anthropic (Claude), openai (GPT),
// openai_compatible, openrouter. Without an API key the executor falls back
// to a deterministic reply so the pipeline keeps moving.
func NewGenkitExecutor(ctx context.Context, store *persistence.Store, logger *slog.Logger, cfg GenkitConfig) *GenkitExecutor {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}

	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			llmOn = true
			logger.Info("genkit executor initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Anthropic API key missing; using deterministic fallback")
		}

	case "openai":
		if apiKey != "" {
			openaiPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiPlugin))
			llmOn = true
			logger.Info("genkit executor initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI API key missing; using deterministic fallback")
		}

	case "openai_compatible":
		if apiKey != "" {
			openaiCompatPlugin := &compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiCompatPlugin))
			llmOn = true
			logger.Info("genkit executor initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI compatible API key missing; using deterministic fallback")
		}

	case "openrouter":
		if apiKey != "" {
			openrouterPlugin := &compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openrouterPlugin))
			llmOn = true
			logger.Info("genkit executor initialized", "provider", "openrouter", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenRouter API key missing; using deterministic fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			logger.Info("genkit executor initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Google API key missing; using deterministic fallback")
		}

	default:
		g = genkit.Init(ctx)
		logger.Warn("unknown LLM provider, using deterministic fallback", "provider", provider)
	}

	return &GenkitExecutor{
		g:      g,
		store:  store,
		logger: logger,
		cfg:    cfg,
		llmOn:  llmOn,
	}
}

// Execute starts (or restarts) work on a thread with fresh input. Prior
// turns for the thread are replayed as conversation history, so a
// consolidated task keeps the context of the items that preceded it.
func (e *GenkitExecutor) Execute(ctx context.Context, threadID, input string) (Result, error) {
	if strings.TrimSpace(threadID) == "" {
		return Result{}, fmt.Errorf("execute: thread id is required")
	}
	turns, err := e.loadTurns(ctx, threadID)
	if err != nil {
		return Result{}, err
	}
	turns = append(turns, Turn{Role: "user", Content: input})
	return e.step(ctx, threadID, turns)
}

// Resume continues a suspended thread with the human's answer.
func (e *GenkitExecutor) Resume(ctx context.Context, threadID, answer string) (Result, error) {
	rec, err := e.store.GetExecution(ctx, threadID)
	if err != nil {
		return Result{}, fmt.Errorf("resume: %w", err)
	}
	if rec == nil || !rec.Suspended {
		return Result{}, fmt.Errorf("resume: thread %s has no suspended execution", threadID)
	}
	turns, err := decodeTranscript(rec.Transcript)
	if err != nil {
		return Result{}, fmt.Errorf("resume: %w", err)
	}
	turns = append(turns, Turn{Role: "human", Content: answer})
	return e.step(ctx, threadID, turns)
}

// State reports whether the thread has a pending suspension.
func (e *GenkitExecutor) State(ctx context.Context, threadID string) (ExecState, error) {
	rec, err := e.store.GetExecution(ctx, threadID)
	if err != nil {
		return ExecState{}, fmt.Errorf("execution state: %w", err)
	}
	return stateFromRecord(rec), nil
}

func (e *GenkitExecutor) loadTurns(ctx context.Context, threadID string) ([]Turn, error) {
	rec, err := e.store.GetExecution(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	return decodeTranscript(rec.Transcript)
}

// step generates one model reply for the thread, appends it to the
// transcript, and persists the resulting state.
func (e *GenkitExecutor) step(ctx context.Context, threadID string, turns []Turn) (Result, error) {
	text, err := e.generate(ctx, threadID, turns)
	if err != nil {
		return Result{}, err
	}
	turns = append(turns, Turn{Role: "model", Content: text})

	output, question, suspended := splitAskHuman(text)

	transcript, err := encodeTranscript(turns)
	if err != nil {
		return Result{}, err
	}
	if err := e.store.SaveExecution(ctx, persistence.ExecutionRecord{
		ThreadID:   threadID,
		Suspended:  suspended,
		Question:   question,
		Transcript: transcript,
	}); err != nil {
		return Result{}, fmt.Errorf("save execution: %w", err)
	}

	if suspended {
		e.logger.Info("execution suspended", "thread_id", threadID, "question", question)
	}
	return Result{Output: output, Suspended: suspended, Question: question}, nil
}

func (e *GenkitExecutor) generate(ctx context.Context, threadID string, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("generate: empty transcript for thread %s", threadID)
	}

	if !e.llmOn {
		return "Reviewed and queued for manual follow-up. Configure llm.api_key to enable autonomous processing.", nil
	}

	prompt := turns[len(turns)-1].Content
	// Escape % characters to prevent fmt corruption inside genkit options.
	system := strings.ReplaceAll(taskSystemPrompt, "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
	}
	if msgs := turnsToMessages(turns[:len(turns)-1]); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}

	modelName := modelNameForProvider(strings.ToLower(e.cfg.Provider), e.cfg.Model)
	modelOpts := []ai.GenerateOption{ai.WithModelName(modelName)}
	modelOpts = append(modelOpts, opts...)

	resp, err := genkit.Generate(ctx, e.g, modelOpts...)
	if err != nil {
		e.logger.Error("genkit generate failed", "error", err, "thread_id", threadID)
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// turnsToMessages converts stored transcript turns to Genkit messages.
func turnsToMessages(turns []Turn) []*ai.Message {
	var msgs []*ai.Message
	for _, turn := range turns {
		var role ai.Role
		switch turn.Role {
		case "user", "human":
			role = ai.RoleUser
		case "model":
			role = ai.RoleModel
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(turn.Content)},
		})
	}
	return msgs
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	case "google", "":
		return "googleai/" + model
	default:
		return "googleai/" + model
	}
}
