package processors

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"videoCaption/config"
	"videoCaption/core"
	"videoCaption/media"
)

// Captioner generates an accessibility caption for a stored video. The
// implementation is selected once at construction and never switched
// per-call.
type Captioner interface {
	// GenerateCaption returns the caption string for the video at path.
	GenerateCaption(ctx context.Context, path string) (string, error)
	// Describe is GenerateCaption plus the derived video-level embedding
	// when the real model produced the caption.
	Describe(ctx context.Context, path string) (*core.CaptionResult, error)
	Name() string
	Mock() bool
}

// NewCaptioner picks the captioner implementation from configuration.
// "auto" tries the real model stack once and pins the mock captioner for
// the life of the process when it cannot initialize.
func NewCaptioner(cfg *config.Config, log zerolog.Logger) (Captioner, error) {
	mc := cfg.ModelConfig()
	switch strings.ToLower(cfg.CaptionProvider) {
	case "mock":
		return NewMockCaptioner(), nil
	case "openai":
		return NewRemoteCaptioner(cfg, log), nil
	case "model":
		return NewModelCaptioner(mc, NewModelRegistry(mc, log), log), nil
	default: // auto
		registry := NewModelRegistry(mc, log)
		if err := registry.EnsureLoaded(); err != nil {
			log.Warn().Err(err).Msg("caption model unavailable, falling back to mock captioner")
			return NewMockCaptioner(), nil
		}
		return NewModelCaptioner(mc, registry, log), nil
	}
}

// ---------------- Real model pipeline ----------------

// ModelCaptioner wires the feature extractor, cross-modal encoder, and
// beam decoder end to end.
type ModelCaptioner struct {
	cfg      config.ModelConfig
	registry *ModelRegistry
	log      zerolog.Logger
}

func NewModelCaptioner(cfg config.ModelConfig, registry *ModelRegistry, log zerolog.Logger) *ModelCaptioner {
	return &ModelCaptioner{cfg: cfg, registry: registry, log: log}
}

func (c *ModelCaptioner) Name() string { return "model" }
func (c *ModelCaptioner) Mock() bool   { return false }

func (c *ModelCaptioner) GenerateCaption(ctx context.Context, path string) (string, error) {
	res, err := c.Describe(ctx, path)
	if err != nil {
		return "", err
	}
	return res.Caption, nil
}

func (c *ModelCaptioner) Describe(ctx context.Context, path string) (*core.CaptionResult, error) {
	if err := c.registry.EnsureLoaded(); err != nil {
		return nil, err
	}
	stack := c.registry.Stack()

	extractor := NewFeatureExtractor(c.cfg, stack, c.log)
	seq, err := extractor.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	batch := PadFeatures(seq, c.cfg.MaxFrames, c.cfg.FeatureDim)

	enc, err := stack.Encode(nil, batch)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	search := &BeamSearch{
		Width:    c.cfg.BeamWidth,
		MaxSteps: c.cfg.MaxWords,
		StartID:  stack.Specials.StartID,
		EndID:    stack.Specials.EndID,
	}
	result, err := search.Run(stack.Scorer(enc))
	if err != nil {
		return nil, fmt.Errorf("beam search: %w", err)
	}
	if !result.Complete {
		c.log.Debug().Str("path", path).Msg("beam search hit length limit, returning best-effort caption")
	}

	caption := Detokenize(stack.Tokenizer, result.Tokens, stack.Specials)
	return &core.CaptionResult{
		Caption:   caption,
		Embedding: core.L2Normalize(core.MeanPool(seq)),
		Complete:  result.Complete,
		Provider:  c.Name(),
	}, nil
}

// ---------------- Mock fallback ----------------

// fallbackCaptions is the fixed pool returned when the real model stack is
// unavailable or disabled.
var fallbackCaptions = []string{
	"A person is explaining web accessibility standards in a well-lit room with clear audio.",
	"The instructor demonstrates ARIA attributes using code examples displayed on screen.",
	"Tutorial showing keyboard navigation techniques for screen readers and assistive technologies.",
	"Video demonstration of WCAG 2.1 compliance testing tools and accessibility evaluation methods.",
	"Speaker discusses the importance of semantic HTML for screen reader compatibility.",
	"Presentation covering color contrast requirements and visual accessibility guidelines.",
	"Developer walking through accessible form design with proper label associations.",
	"Tutorial on implementing skip navigation links and landmark regions for better accessibility.",
	"Demonstration of how to test websites using popular screen reader software like NVDA and JAWS.",
	"Expert explaining the differences between WCAG levels A, AA, and AAA conformance.",
}

// MockCaptioner returns captions drawn uniformly at random from a fixed
// pool of plausible accessibility descriptions.
type MockCaptioner struct {
	mu   sync.Mutex
	rng  *rand.Rand
	pool []string
}

func NewMockCaptioner() *MockCaptioner {
	return &MockCaptioner{
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		pool: fallbackCaptions,
	}
}

func (c *MockCaptioner) Name() string { return "mock" }
func (c *MockCaptioner) Mock() bool   { return true }

func (c *MockCaptioner) GenerateCaption(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", core.VideoNotFoundError(path)
	}
	c.mu.Lock()
	caption := c.pool[c.rng.Intn(len(c.pool))]
	c.mu.Unlock()
	return caption, nil
}

func (c *MockCaptioner) Describe(ctx context.Context, path string) (*core.CaptionResult, error) {
	caption, err := c.GenerateCaption(ctx, path)
	if err != nil {
		return nil, err
	}
	return &core.CaptionResult{Caption: caption, Complete: true, Provider: c.Name()}, nil
}

// ---------------- Remote OpenAI-compatible provider ----------------

// RemoteCaptioner sends a representative frame to an OpenAI-compatible
// vision endpoint.
type RemoteCaptioner struct {
	cli   *openai.Client
	model string
	log   zerolog.Logger
}

func NewRemoteCaptioner(cfg *config.Config, log zerolog.Logger) *RemoteCaptioner {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &RemoteCaptioner{
		cli:   openai.NewClientWithConfig(oc),
		model: cfg.ChatModel,
		log:   log,
	}
}

func (c *RemoteCaptioner) Name() string { return "openai" }
func (c *RemoteCaptioner) Mock() bool   { return false }

func (c *RemoteCaptioner) GenerateCaption(ctx context.Context, path string) (string, error) {
	res, err := c.Describe(ctx, path)
	if err != nil {
		return "", err
	}
	return res.Caption, nil
}

func (c *RemoteCaptioner) Describe(ctx context.Context, path string) (*core.CaptionResult, error) {
	info, err := media.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	frame, err := media.ExtractFrameJPEG(ctx, path, info.Duration/2)
	if err != nil {
		return nil, err
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(frame)

	resp, err := c.cli.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Write one concise accessibility caption describing this video frame for a blind viewer.",
					},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("remote caption request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("remote caption request: empty response")
	}
	caption := strings.TrimSpace(resp.Choices[0].Message.Content)
	if caption == "" {
		return nil, fmt.Errorf("remote caption request: empty caption")
	}
	return &core.CaptionResult{Caption: caption, Complete: true, Provider: c.Name()}, nil
}
