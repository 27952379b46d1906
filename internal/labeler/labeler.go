// Package labeler produces ground-truth score records by sending face images
// to a vision LLM. Progress is persisted to the label store after every
// image, so an interrupted run resumes where it left off instead of
// re-spending API calls.
package labeler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/danielpatrickdp/face-scorer/internal/score"
)

// #region config
// Config controls the labeling run.
type Config struct {
	Model       string
	Temperature float32
	MaxRetries  int
	RetryDelay  time.Duration
}

// DefaultConfig returns the standard labeling parameters. Temperature stays
// low: label variance across runs is pure noise for the regression target.
func DefaultConfig() Config {
	return Config{
		Model:       openai.GPT4o,
		Temperature: 0.1,
		MaxRetries:  3,
		RetryDelay:  2 * time.Second,
	}
}

// #endregion config

// #region prompt
const systemPrompt = `You are a facial aesthetics analyst. You rate facial photographs on fixed metrics.
Respond with a single JSON object mapping each metric name to an integer from 0 to 100.
Do not include any other keys, commentary, or markdown.`

func userPrompt() string {
	return fmt.Sprintf(
		"Rate this face on the following metrics, each as an integer 0-100: %s. Reply with JSON only.",
		strings.Join(score.Names[:], ", "),
	)
}

// #endregion prompt

// #region labeler
// chatClient is the slice of the OpenAI client the labeler needs.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Labeler drives one labeling run against a chat client.
type Labeler struct {
	client chatClient
	cfg    Config
}

// New wraps an OpenAI client. Use openai.NewClient(apiKey) in production.
func New(client *openai.Client, cfg Config) *Labeler {
	return &Labeler{client: client, cfg: cfg}
}

func newWith(client chatClient, cfg Config) *Labeler {
	return &Labeler{client: client, cfg: cfg}
}

// LabelImage sends one image and returns the parsed metric map.
func (l *Labeler) LabelImage(ctx context.Context, imageBytes []byte) (map[string]int, error) {
	req := openai.ChatCompletionRequest{
		Model:       l.cfg.Model,
		Temperature: l.cfg.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: userPrompt()},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL(imageBytes),
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.cfg.RetryDelay):
			}
		}
		resp, err := l.client.CreateChatCompletion(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = errors.New("empty completion")
			continue
		}
		scores, err := ParseScores(resp.Choices[0].Message.Content)
		if err != nil {
			lastErr = err
			continue
		}
		return scores, nil
	}
	return nil, fmt.Errorf("label image after %d attempts: %w", l.cfg.MaxRetries+1, lastErr)
}

// Run labels every image in imagesDir that the store does not cover yet,
// saving the store after each success. Individual failures are logged and
// skipped; the run only fails on store I/O or context cancellation.
func (l *Labeler) Run(ctx context.Context, imagesDir, scoresPath string) (labeled, skipped int, err error) {
	store, err := LoadStore(scoresPath)
	if err != nil {
		return 0, 0, err
	}

	pending, err := pendingImages(imagesDir, store)
	if err != nil {
		return 0, 0, err
	}
	log.Printf("labeling: %d images pending, %d already labeled", len(pending), len(store.Scores))

	for _, name := range pending {
		if err := ctx.Err(); err != nil {
			return labeled, skipped, err
		}
		raw, err := os.ReadFile(filepath.Join(imagesDir, name))
		if err != nil {
			log.Printf("labeling %s: %v", name, err)
			skipped++
			continue
		}
		scores, err := l.LabelImage(ctx, raw)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return labeled, skipped, err
			}
			log.Printf("labeling %s: %v", name, err)
			skipped++
			continue
		}
		store.Scores[name] = scores
		if err := SaveStore(scoresPath, store); err != nil {
			return labeled, skipped, fmt.Errorf("persist progress: %w", err)
		}
		labeled++
	}
	return labeled, skipped, nil
}

// #endregion labeler

// #region parsing
// ParseScores extracts and validates the metric map from a completion.
// Markdown fences are tolerated; unknown keys are dropped; any out-of-range
// value rejects the whole response so a half-garbled label never lands.
func ParseScores(content string) (map[string]int, error) {
	content = strings.TrimSpace(content)
	if after, ok := strings.CutPrefix(content, "```json"); ok {
		content = after
	} else if after, ok := strings.CutPrefix(content, "```"); ok {
		content = after
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")

	var raw map[string]float64
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("parse completion: %w", err)
	}

	scores := make(map[string]int, score.NumMetrics)
	for name, v := range raw {
		if score.Index(name) < 0 {
			continue
		}
		scores[name] = int(v)
	}
	if len(scores) == 0 {
		return nil, errors.New("completion contains no known metrics")
	}
	if _, err := score.ParsePartial(scores); err != nil {
		return nil, err
	}
	return scores, nil
}

func dataURL(imageBytes []byte) string {
	mime := http.DetectContentType(imageBytes)
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(imageBytes))
}

// #endregion parsing

// #region store
// Store is the on-disk label store: {"scores": {filename: {metric: value}}}.
type Store struct {
	Scores map[string]map[string]int `json:"scores"`
}

// LoadStore reads the label store, returning an empty store for a missing
// file so first runs need no setup.
func LoadStore(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Store{Scores: map[string]map[string]int{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read label store: %w", err)
	}
	var s Store
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse label store: %w", err)
	}
	if s.Scores == nil {
		s.Scores = map[string]map[string]int{}
	}
	return &s, nil
}

// SaveStore writes the store atomically.
func SaveStore(path string, s *Store) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal label store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename store into place: %w", err)
	}
	return nil
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// pendingImages lists image files in dir without a store entry, sorted so
// resumed runs proceed in a stable order.
func pendingImages(dir string, store *Store) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read images dir: %w", err)
	}
	var pending []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		if _, done := store.Scores[e.Name()]; done {
			continue
		}
		pending = append(pending, e.Name())
	}
	sort.Strings(pending)
	return pending, nil
}

// #endregion store
