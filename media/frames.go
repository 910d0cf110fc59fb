package media

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"videoCaption/core"
)

// FrameBytes returns the byte length of one decoded RGB frame of the given
// square side.
func FrameBytes(side int) int { return side * side * 3 }

// DecodeFrames decodes a video into raw RGB24 frames at a fixed sampling
// rate and square resolution, center-cropped. Each returned slice is one
// frame of FrameBytes(side) bytes. Fails with core.ErrDecode when fewer
// than two frames decode.
func DecodeFrames(ctx context.Context, path string, fps, side int) ([][]byte, error) {
	filter := fmt.Sprintf(
		"fps=%d,scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d",
		fps, side, side, side, side,
	)
	args := []string{
		"-v", "error",
		"-i", path,
		"-vf", filter,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	frameLen := FrameBytes(side)
	var frames [][]byte
	for {
		buf := make([]byte, frameLen)
		_, err := io.ReadFull(stdout, buf)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			_ = cmd.Wait()
			return nil, core.DecodeError(path, fmt.Sprintf("read frames: %v", err))
		}
		frames = append(frames, buf)
	}
	waitErr := cmd.Wait()

	// A corrupt or empty file yields no usable frames; a single frame is
	// not enough for a temporal window either.
	if len(frames) < 2 {
		reason := "fewer than 2 frames decoded"
		if waitErr != nil {
			reason = fmt.Sprintf("%s (ffmpeg: %v)", reason, waitErr)
		}
		return nil, core.DecodeError(path, reason)
	}
	return frames, nil
}

// ExtractFrameJPEG grabs a single JPEG-encoded frame at the given offset.
func ExtractFrameJPEG(ctx context.Context, path string, atSec float64) ([]byte, error) {
	args := []string{
		"-v", "error",
		"-ss", fmt.Sprintf("%.3f", atSec),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"pipe:1",
	}
	out, err := exec.CommandContext(ctx, "ffmpeg", args...).Output()
	if err != nil {
		return nil, core.DecodeError(path, fmt.Sprintf("extract frame: %v", err))
	}
	if len(out) == 0 {
		return nil, core.DecodeError(path, "extract frame: empty output")
	}
	return out, nil
}
