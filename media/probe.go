package media

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"videoCaption/core"
)

// VideoInfo is the container metadata the pipeline needs from a stored
// video.
type VideoInfo struct {
	Path     string
	Duration float64
	Format   string
	Width    int
	Height   int
	FPS      float64
	HasVideo bool
}

// Probe inspects a video file with ffprobe. Returns core.ErrVideoNotFound
// when the path does not exist and core.ErrDecode when the container is
// unreadable or carries no video stream.
func Probe(ctx context.Context, path string) (*VideoInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, core.VideoNotFoundError(path)
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	out, err := exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		return nil, core.DecodeError(path, "ffprobe failed")
	}

	var probe probeResult
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, core.DecodeError(path, "unparseable ffprobe output")
	}

	info := &VideoInfo{Path: path, Format: firstFormatName(probe.Format.FormatName)}
	if dur, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		info.Duration = dur
	}
	for _, stream := range probe.Streams {
		if stream.CodecType == "video" {
			info.HasVideo = true
			info.Width = stream.Width
			info.Height = stream.Height
			if stream.RFrameRate != "" {
				info.FPS = parseFrameRate(stream.RFrameRate)
			}
			break
		}
	}
	if !info.HasVideo {
		return nil, core.DecodeError(path, "no video stream")
	}
	return info, nil
}

// probeResult matches ffprobe JSON output structure.
type probeResult struct {
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

// parseFrameRate converts an ffprobe rational like "30000/1001" to a float.
func parseFrameRate(s string) float64 {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 1 {
		f, _ := strconv.ParseFloat(parts[0], 64)
		return f
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// firstFormatName picks the canonical name from a list like
// "mov,mp4,m4a,3gp,3g2,mj2".
func firstFormatName(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[:i]
	}
	return s
}
