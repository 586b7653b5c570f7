package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"txreplay/internal/model"
)

// Config selects the language-model service.
type Config struct {
	Endpoint   string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// Ollama asks a local Ollama server to explain a replay.
type Ollama struct {
	cfg    Config
	client *retryablehttp.Client
	logger *zap.Logger
}

func NewOllama(cfg Config, logger *zap.Logger) *Ollama {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = zapLeveled{logger.Named("ollama")}

	return &Ollama{cfg: cfg, client: client, logger: logger}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// Analyze posts the rendered prompt to /api/generate.
func (o *Ollama) Analyze(ctx context.Context, in Input) (model.Analysis, error) {
	prompt, err := BuildPrompt(in)
	if err != nil {
		return model.Analysis{}, err
	}

	body, err := json.Marshal(generateRequest{Model: o.cfg.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return model.Analysis{}, fmt.Errorf("encode request: %w", err)
	}

	endpoint := strings.TrimRight(o.cfg.Endpoint, "/") + "/api/generate"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return model.Analysis{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return model.Analysis{}, fmt.Errorf("call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return model.Analysis{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Analysis{}, fmt.Errorf("llm service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.Analysis{}, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return model.Analysis{}, fmt.Errorf("llm service: %s", out.Error)
	}
	text := strings.TrimSpace(out.Response)
	if text == "" {
		return model.Analysis{}, fmt.Errorf("llm service returned an empty analysis")
	}

	o.logger.Info("analysis generated", zap.String("model", o.cfg.Model), zap.Duration("elapsed", time.Since(start)))
	return model.AnalysisAvailable(o.cfg.Model, text), nil
}

// zapLeveled adapts zap to retryablehttp's LeveledLogger.
type zapLeveled struct {
	l *zap.Logger
}

func (z zapLeveled) Error(msg string, kv ...interface{}) { z.l.Sugar().Errorw(msg, kv...) }
func (z zapLeveled) Info(msg string, kv ...interface{})  { z.l.Sugar().Debugw(msg, kv...) }
func (z zapLeveled) Debug(msg string, kv ...interface{}) { z.l.Sugar().Debugw(msg, kv...) }
func (z zapLeveled) Warn(msg string, kv ...interface{})  { z.l.Sugar().Warnw(msg, kv...) }
