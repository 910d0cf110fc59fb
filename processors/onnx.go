package processors

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"videoCaption/config"
	"videoCaption/core"
)

// Weight files expected under the weights directory.
const (
	backboneFile  = "visual.onnx"
	encoderFile   = "encoder.onnx"
	decoderFile   = "decoder.onnx"
	tokenizerFile = "tokenizer.json"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initONNXRuntime() error {
	ortInitOnce.Do(func() {
		if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ModelStack holds the loaded ONNX sessions and tokenizer for the caption
// model: the 3D-convolutional visual backbone, the cross-modal encoder,
// and the autoregressive caption decoder.
type ModelStack struct {
	cfg config.ModelConfig
	log zerolog.Logger

	backbone *ort.DynamicAdvancedSession
	encoder  *ort.DynamicAdvancedSession
	decoder  *ort.DynamicAdvancedSession

	Tokenizer *tokenizer.Tokenizer
	Specials  SpecialTokens
}

// LoadModelStack loads all weight files from cfg.WeightsDir. Missing files
// surface as core.ErrModelLoad.
func LoadModelStack(cfg config.ModelConfig, log zerolog.Logger) (*ModelStack, error) {
	for _, name := range []string{backboneFile, encoderFile, decoderFile, tokenizerFile} {
		p := filepath.Join(cfg.WeightsDir, name)
		if _, err := os.Stat(p); err != nil {
			return nil, core.ModelLoadError("weight file missing: "+p, nil)
		}
	}
	if err := initONNXRuntime(); err != nil {
		return nil, core.ModelLoadError("onnxruntime init", err)
	}

	tok, err := pretrained.FromFile(filepath.Join(cfg.WeightsDir, tokenizerFile))
	if err != nil {
		return nil, core.ModelLoadError("load tokenizer", err)
	}

	s := &ModelStack{cfg: cfg, log: log, Tokenizer: tok}
	s.Specials, err = ResolveSpecials(tok, cfg)
	if err != nil {
		return nil, err
	}

	opts, err := s.sessionOptions()
	if err != nil {
		return nil, core.ModelLoadError("session options", err)
	}
	defer opts.Destroy()

	s.backbone, err = ort.NewDynamicAdvancedSession(
		filepath.Join(cfg.WeightsDir, backboneFile),
		[]string{"video_frames"},
		[]string{"features"},
		opts,
	)
	if err != nil {
		return nil, core.ModelLoadError("load visual backbone", err)
	}
	s.encoder, err = ort.NewDynamicAdvancedSession(
		filepath.Join(cfg.WeightsDir, encoderFile),
		[]string{"input_ids", "attention_mask", "video", "video_mask"},
		[]string{"sequence_output", "visual_output"},
		opts,
	)
	if err != nil {
		s.Close()
		return nil, core.ModelLoadError("load cross-modal encoder", err)
	}
	s.decoder, err = ort.NewDynamicAdvancedSession(
		filepath.Join(cfg.WeightsDir, decoderFile),
		[]string{"input_ids", "attention_mask", "visual_output", "video_mask"},
		[]string{"logits"},
		opts,
	)
	if err != nil {
		s.Close()
		return nil, core.ModelLoadError("load caption decoder", err)
	}

	log.Info().Str("weights", cfg.WeightsDir).Str("device", cfg.Device).Msg("caption model loaded")
	return s, nil
}

func (s *ModelStack) sessionOptions() (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		opts.Destroy()
		return nil, err
	}
	if s.cfg.Device == "cuda" {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err == nil {
			if err := cudaOpts.Update(map[string]string{"device_id": "0"}); err == nil {
				if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
					s.log.Warn().Err(err).Msg("CUDA provider rejected, using CPU")
				}
			}
			cudaOpts.Destroy()
		} else {
			s.log.Warn().Err(err).Msg("CUDA not available, using CPU")
		}
	}
	if err := opts.SetIntraOpNumThreads(0); err != nil {
		s.log.Warn().Err(err).Msg("failed to set thread count")
	}
	return opts, nil
}

// EmbedWindow runs one [C, T, H, W] frame window through the visual
// backbone and returns its feature vector.
func (s *ModelStack) EmbedWindow(window []float32) ([]float32, error) {
	shape := ort.NewShape(1, 3, int64(s.cfg.WindowFrames), int64(s.cfg.FrameSide), int64(s.cfg.FrameSide))
	input, err := ort.NewTensor(shape, window)
	if err != nil {
		return nil, fmt.Errorf("create frame tensor: %w", err)
	}
	defer input.Destroy()

	outputs := make([]ort.Value, 1)
	if err := s.backbone.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("backbone inference: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("backbone output is not float32")
	}
	vec := make([]float32, len(out.GetData()))
	copy(vec, out.GetData())
	return vec, nil
}

// EncoderOutput carries the two hidden-state tensors of one forward pass.
type EncoderOutput struct {
	// Sequence is [promptLen, Hidden], Visual is [MaxFrames, Hidden],
	// both row-major.
	Sequence   []float32
	Visual     []float32
	VisualMask []int64
	PromptLen  int
	Hidden     int
}

// Encode runs one forward pass of the cross-modal encoder over a text
// prompt and a padded feature batch.
func (s *ModelStack) Encode(prompt []int64, batch *core.PaddedFeatureBatch) (*EncoderOutput, error) {
	promptLen := len(prompt)
	if promptLen == 0 {
		prompt = []int64{s.Specials.StartID}
		promptLen = 1
	}
	attn := make([]int64, promptLen)
	for i := range attn {
		attn[i] = 1
	}

	maxFrames := len(batch.Mask)
	video := make([]float32, maxFrames*s.cfg.FeatureDim)
	videoMask := make([]int64, maxFrames)
	for i, vec := range batch.Features {
		copy(video[i*s.cfg.FeatureDim:], vec)
		if batch.Mask[i] {
			videoMask[i] = 1
		}
	}

	idsT, err := ort.NewTensor(ort.NewShape(1, int64(promptLen)), prompt)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer idsT.Destroy()
	attnT, err := ort.NewTensor(ort.NewShape(1, int64(promptLen)), attn)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer attnT.Destroy()
	videoT, err := ort.NewTensor(ort.NewShape(1, int64(maxFrames), int64(s.cfg.FeatureDim)), video)
	if err != nil {
		return nil, fmt.Errorf("create video tensor: %w", err)
	}
	defer videoT.Destroy()
	maskT, err := ort.NewTensor(ort.NewShape(1, int64(maxFrames)), videoMask)
	if err != nil {
		return nil, fmt.Errorf("create video_mask tensor: %w", err)
	}
	defer maskT.Destroy()

	outputs := make([]ort.Value, 2)
	if err := s.encoder.Run([]ort.Value{idsT, attnT, videoT, maskT}, outputs); err != nil {
		return nil, fmt.Errorf("encoder inference: %w", err)
	}
	defer outputs[0].Destroy()
	defer outputs[1].Destroy()

	seqT, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("sequence_output is not float32")
	}
	visT, ok := outputs[1].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("visual_output is not float32")
	}

	visShape := visT.GetShape()
	if len(visShape) != 3 {
		return nil, fmt.Errorf("unexpected visual_output rank %d", len(visShape))
	}
	out := &EncoderOutput{
		Sequence:   append([]float32(nil), seqT.GetData()...),
		Visual:     append([]float32(nil), visT.GetData()...),
		VisualMask: videoMask,
		PromptLen:  promptLen,
		Hidden:     int(visShape[2]),
	}
	return out, nil
}

// Scorer binds the decoder session to one video's encoder output for beam
// search.
func (s *ModelStack) Scorer(enc *EncoderOutput) StepScorer {
	return &decoderScorer{stack: s, enc: enc}
}

type decoderScorer struct {
	stack *ModelStack
	enc   *EncoderOutput
}

func (d *decoderScorer) NextLogits(tokens []int64) ([]float32, error) {
	s := d.stack
	n := len(tokens)
	attn := make([]int64, n)
	for i := range attn {
		attn[i] = 1
	}

	idsT, err := ort.NewTensor(ort.NewShape(1, int64(n)), tokens)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer idsT.Destroy()
	attnT, err := ort.NewTensor(ort.NewShape(1, int64(n)), attn)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer attnT.Destroy()

	frames := int64(len(d.enc.VisualMask))
	visT, err := ort.NewTensor(ort.NewShape(1, frames, int64(d.enc.Hidden)), d.enc.Visual)
	if err != nil {
		return nil, fmt.Errorf("create visual_output tensor: %w", err)
	}
	defer visT.Destroy()
	maskT, err := ort.NewTensor(ort.NewShape(1, frames), d.enc.VisualMask)
	if err != nil {
		return nil, fmt.Errorf("create video_mask tensor: %w", err)
	}
	defer maskT.Destroy()

	outputs := make([]ort.Value, 1)
	if err := s.decoder.Run([]ort.Value{idsT, attnT, visT, maskT}, outputs); err != nil {
		return nil, fmt.Errorf("decoder inference: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("logits output is not float32")
	}
	shape := out.GetShape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("unexpected logits rank %d", len(shape))
	}
	vocab := int(shape[2])
	data := out.GetData()
	// Last position's logits condition the next token.
	last := data[(n-1)*vocab : n*vocab]
	logits := make([]float32, vocab)
	copy(logits, last)
	return logits, nil
}

// Close releases all ONNX sessions.
func (s *ModelStack) Close() {
	if s.backbone != nil {
		s.backbone.Destroy()
		s.backbone = nil
	}
	if s.encoder != nil {
		s.encoder.Destroy()
		s.encoder = nil
	}
	if s.decoder != nil {
		s.decoder.Destroy()
		s.decoder = nil
	}
}
