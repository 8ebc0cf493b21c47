// Package media wraps the ffmpeg/ffprobe CLIs for the operations the
// chunk sub-scheduler and refine stage need: padding storyboard images to
// the target frame, stitching chunks into one video, extracting the last
// frame of a chunk to seed its continuation, and muxing a music track
// under the final render.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidDimensions = errors.New("media: invalid dimensions")
	ErrNoVideoPaths      = errors.New("media: no video paths provided")
	ErrInvalidDuration   = errors.New("media: invalid duration")
	ErrFFprobeExecution  = errors.New("media: ffprobe execution failed")
)

type Processor struct {
	ffmpegPath  string
	ffprobePath string
}

func NewProcessor(ffmpegPath, ffprobePath string) *Processor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Processor{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// ResizeImageWithPadding scales src to fit w x h, padding with black bars
// to preserve aspect ratio, matching the storyboard frame exactly.
func (p *Processor) ResizeImageWithPadding(ctx context.Context, src, dst string, w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: width=%d height=%d", ErrInvalidDimensions, w, h)
	}
	filter := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black", w, h, w, h)
	return p.run(ctx, []string{"-y", "-i", src, "-vf", filter, "-frames:v", "1", dst})
}

// JoinVideos concatenates chunk videos in order, trying a fast stream
// copy first and falling back to re-encoding if the chunks aren't
// codec-compatible for a copy join.
func (p *Processor) JoinVideos(ctx context.Context, videoPaths []string, output string) error {
	if len(videoPaths) == 0 {
		return ErrNoVideoPaths
	}
	if len(videoPaths) == 1 {
		return p.copyFile(videoPaths[0], output)
	}
	listFile, err := p.createConcatList(videoPaths)
	if err != nil {
		return fmt.Errorf("media: create concat list: %w", err)
	}
	defer func() { _ = os.Remove(listFile) }()

	if err := p.run(ctx, []string{"-y", "-f", "concat", "-safe", "0", "-i", listFile, "-c", "copy", output}); err == nil {
		return nil
	}
	return p.run(ctx, []string{
		"-y", "-f", "concat", "-safe", "0", "-i", listFile,
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-c:a", "aac", "-b:a", "128k", output,
	})
}

// MuxAudio lays an audio track under a video, trimming to the shorter of
// the two so the track never outruns the render.
func (p *Processor) MuxAudio(ctx context.Context, videoPath, audioPath, output string) error {
	return p.run(ctx, []string{
		"-y", "-i", videoPath, "-i", audioPath,
		"-c:v", "copy", "-c:a", "aac", "-shortest", output,
	})
}

// LastFrame extracts the final frame of a chunk as a still image, used to
// seed the next chunk in a continuation group.
func (p *Processor) LastFrame(ctx context.Context, videoPath, output string) error {
	dur, err := p.Duration(ctx, videoPath)
	if err != nil {
		return err
	}
	seek := dur - 0.05
	if seek < 0 {
		seek = 0
	}
	return p.run(ctx, []string{"-y", "-ss", fmt.Sprintf("%.3f", seek), "-i", videoPath, "-frames:v", "1", output})
}

func (p *Processor) createConcatList(videoPaths []string) (string, error) {
	f, err := os.CreateTemp("", "ffmpeg-concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = f.Close() }()
	for _, path := range videoPaths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("absolute path for %s: %w", path, err)
		}
		escaped := strings.ReplaceAll(abs, "'", `'\''`)
		if _, err := fmt.Fprintf(f, "file '%s'\n", escaped); err != nil {
			return "", fmt.Errorf("write concat list: %w", err)
		}
	}
	return f.Name(), nil
}

func (p *Processor) copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}
	return os.WriteFile(dst, input, 0o600)
}

func (p *Processor) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("media: ffmpeg canceled: %w", ctx.Err())
		}
		return &FFmpegError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("media: ffmpeg failed: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}
func (e *FFmpegError) Unwrap() error { return e.Err }

// Duration returns a media file's length in seconds via ffprobe.
func (p *Processor) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("media: ffprobe canceled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("%w: %v, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}
	var dur float64
	if _, err := fmt.Sscanf(strings.TrimSpace(stdout.String()), "%f", &dur); err != nil {
		return 0, fmt.Errorf("media: parse duration: %w", err)
	}
	return dur, nil
}
