package core

import "time"

// FeatureDim is the width of every visual feature vector produced by the
// backbone.
const FeatureDim = 1024

// PaddedFeatureBatch is a feature sequence forced to a fixed number of
// positions: truncated if longer, zero-padded if shorter. Mask marks which
// positions hold real data.
type PaddedFeatureBatch struct {
	Features [][]float32
	Mask     []bool
}

// Real reports how many positions carry actual features.
func (b *PaddedFeatureBatch) Real() int {
	n := 0
	for _, m := range b.Mask {
		if m {
			n++
		}
	}
	return n
}

// CaptionResult is the outcome of one pipeline run for one video.
type CaptionResult struct {
	Caption string
	// Embedding is the mean-pooled, L2-normalized video-level feature
	// vector. Nil when the mock or a remote provider produced the caption.
	Embedding []float32
	// Complete is false when beam search hit the length limit with no
	// finished hypothesis and returned best-effort text.
	Complete bool
	Provider string
}

// VideoRecord is the persisted outcome of a successful upload.
type VideoRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Title            string    `json:"title"`
	Caption          string    `json:"caption"`
	OriginalFilename string    `json:"original_filename"`
	FilePath         string    `json:"file_path"`
	VideoURL         string    `json:"video_url"`
	Duration         string    `json:"duration"`
	FileSize         int64     `json:"file_size"`
	Format           string    `json:"format"`
	CreatedAt        time.Time `json:"created_at"`
}

// User is an account able to upload videos.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Neighbor is one hit from the embedding index.
type Neighbor struct {
	VideoID string  `json:"video_id"`
	Score   float64 `json:"score"`
}
