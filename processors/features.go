package processors

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"videoCaption/config"
	"videoCaption/core"
	"videoCaption/media"
)

// Backbone turns one fixed-size frame window into a single feature vector.
type Backbone interface {
	EmbedWindow(window []float32) ([]float32, error)
}

// FeatureExtractor converts a decodable video into one L2-normalized
// feature vector per whole second of content.
type FeatureExtractor struct {
	cfg      config.ModelConfig
	backbone Backbone
	log      zerolog.Logger
}

func NewFeatureExtractor(cfg config.ModelConfig, backbone Backbone, log zerolog.Logger) *FeatureExtractor {
	return &FeatureExtractor{cfg: cfg, backbone: backbone, log: log}
}

// Extract decodes the video and returns floor(duration) feature vectors of
// width cfg.FeatureDim, each of unit L2 norm.
func (e *FeatureExtractor) Extract(ctx context.Context, path string) ([][]float32, error) {
	info, err := media.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	frames, err := media.DecodeFrames(ctx, path, e.cfg.FrameRate, e.cfg.FrameSide)
	if err != nil {
		return nil, err
	}

	seconds := int(info.Duration)
	e.log.Debug().
		Str("path", path).
		Float64("duration", info.Duration).
		Int("frames", len(frames)).
		Int("windows", seconds).
		Msg("decoded video")

	feats := make([][]float32, 0, seconds)
	for s := 0; s < seconds; s++ {
		window := buildWindow(frames, s*e.cfg.WindowFrames, e.cfg.WindowFrames, e.cfg.FrameSide)
		vec, err := e.backbone.EmbedWindow(window)
		if err != nil {
			return nil, fmt.Errorf("embed window %d: %w", s, err)
		}
		if len(vec) != e.cfg.FeatureDim {
			return nil, fmt.Errorf("embed window %d: got %d dims, want %d", s, len(vec), e.cfg.FeatureDim)
		}
		feats = append(feats, core.L2Normalize(vec))
	}
	return feats, nil
}

// buildWindow lays out count frames starting at offset as a [C, T, H, W]
// float tensor with pixels scaled to [0, 1]. Frames past the end of the
// decoded sequence stay zero.
func buildWindow(frames [][]byte, offset, count, side int) []float32 {
	window := make([]float32, 3*count*side*side)
	plane := side * side
	for t := 0; t < count; t++ {
		fi := offset + t
		if fi >= len(frames) {
			break
		}
		frame := frames[fi]
		for p := 0; p < plane; p++ {
			base := p * 3
			window[0*count*plane+t*plane+p] = float32(frame[base]) / 255.0
			window[1*count*plane+t*plane+p] = float32(frame[base+1]) / 255.0
			window[2*count*plane+t*plane+p] = float32(frame[base+2]) / 255.0
		}
	}
	return window
}

// PadFeatures forces a feature sequence to exactly maxFrames positions:
// truncated if longer, zero-padded if shorter, with a mask marking real
// positions.
func PadFeatures(seq [][]float32, maxFrames, dim int) *core.PaddedFeatureBatch {
	batch := &core.PaddedFeatureBatch{
		Features: make([][]float32, maxFrames),
		Mask:     make([]bool, maxFrames),
	}
	for i := 0; i < maxFrames; i++ {
		if i < len(seq) {
			batch.Features[i] = seq[i]
			batch.Mask[i] = true
		} else {
			batch.Features[i] = make([]float32, dim)
		}
	}
	return batch
}
