package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/mitchellh/mapstructure"
)

const (
	defaultOllamaTimeout = 60 * time.Second
	ollamaTemperature    = 0.2
	maxOllamaBody        = 4 << 20
)

// ErrEmptyAnalysis is returned when the model answered without a summary.
var ErrEmptyAnalysis = errors.New("model returned no summary")

// Ollama asks a local Ollama server to analyse job logs.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

var _ Analyzer = (*Ollama)(nil)

// NewOllama creates a client for the server at baseURL running model.
func NewOllama(baseURL, model string, timeout time.Duration) *Ollama {
	if timeout <= 0 {
		timeout = defaultOllamaTimeout
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Format  string          `json:"format,omitempty"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Analyze implements Analyzer.
func (o *Ollama) Analyze(ctx context.Context, job lab.TestJob, _ string) (lab.Analysis, error) {
	raw, err := o.generate(ctx, analysisPrompt(job), true)
	if err != nil {
		return lab.Analysis{}, err
	}

	return decodeAnalysis(raw)
}

// Ping checks that the server answers a trivial prompt.
func (o *Ollama) Ping(ctx context.Context) error {
	_, err := o.generate(ctx, "Say hello", false)

	return err
}

func (o *Ollama) generate(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	body := generateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Options: generateOptions{Temperature: ollamaTemperature},
	}

	if jsonMode {
		body.Format = "json"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(payload),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxOllamaBody)).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding ollama response: %w", err)
	}

	return out.Response, nil
}

func analysisPrompt(job lab.TestJob) string {
	var sb strings.Builder

	sb.WriteString("Analyze this hardware test log. Return ONLY valid JSON with these specific keys.\n\n")
	fmt.Fprintf(&sb, "Tests: %s\nStatus: %s\n", strings.Join(job.TestNames, ", "), job.Status)
	sb.WriteString("Log:\n")
	sb.WriteString(strings.Join(job.Logs, "\n"))
	sb.WriteString("\n\nJSON Format:\n")
	sb.WriteString(`{"summary": "Brief summary", "prediction": "Hardware health prediction", ` +
		`"rootCause": "Likely technical cause", "recommendedAction": "Next steps"}`)

	return sb.String()
}

// decodeAnalysis accepts whatever JSON object the model produced. Keys are
// matched case-insensitively and scalar values are coerced to strings.
func decodeAnalysis(raw string) (lab.Analysis, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return lab.Analysis{}, fmt.Errorf("parsing model output: %w", err)
	}

	var out lab.Analysis

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return lab.Analysis{}, fmt.Errorf("creating decoder: %w", err)
	}

	if err := dec.Decode(fields); err != nil {
		return lab.Analysis{}, fmt.Errorf("decoding model output: %w", err)
	}

	if strings.TrimSpace(out.Summary) == "" {
		return lab.Analysis{}, ErrEmptyAnalysis
	}

	return out, nil
}
