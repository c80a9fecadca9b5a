package postprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/models"
)

// DefaultAudioBitrate is used when a lossy audio target has no bitrate set
const DefaultAudioBitrate = "192"

// Engine is the transcoding engine the processor drives
type Engine interface {
	Available() bool
	Run(ctx context.Context, args []string, output string, duration time.Duration, progress func(float64)) error
}

// Conversion describes how one raw file is turned into the final artifact
type Conversion struct {
	Mode         models.OutputMode
	AudioFormat  string // audio mode target, mp3 when empty
	AudioBitrate string // kbps
	Container    string // recontainer target, mkv when empty
	VideoCodec   string // codec of the raw file as reported by the backend
	AudioCodec   string
	Duration     time.Duration // used for progress, 0 when unknown
	Output       string        // final artifact path
}

// Processor converts fetched media with the transcoding engine
type Processor struct {
	engine Engine
	logger *logrus.Logger
}

// New creates a post-processor
func New(engine Engine, logger *logrus.Logger) *Processor {
	return &Processor{engine: engine, logger: logger}
}

// Process converts rawPath according to conv and returns the final path.
// The raw file is deleted on success and kept on failure. On cancellation
// the engine is killed and partial output discarded.
func (p *Processor) Process(ctx context.Context, rawPath string, conv Conversion, progress func(float64)) (string, error) {
	args, err := BuildArgs(rawPath, conv)
	if err != nil {
		return "", err
	}
	if !p.engine.Available() {
		return "", &models.ProcessError{Kind: models.ErrEngineMissing, Input: rawPath}
	}

	logger := p.logger.WithFields(logrus.Fields{
		"input":  rawPath,
		"output": conv.Output,
		"mode":   conv.Mode,
	})
	logger.Info("Post-processing")

	start := time.Now()
	err = p.engine.Run(ctx, args, conv.Output, conv.Duration, progress)
	if err != nil {
		os.Remove(conv.Output)
		if ctx.Err() != nil {
			logger.Info("Post-processing cancelled")
			return "", ctx.Err()
		}
		var pe *models.ProcessError
		if errors.As(err, &pe) {
			pe.Input = rawPath
			return "", pe
		}
		return "", &models.ProcessError{Kind: models.ErrEngineCrashed, Input: rawPath, Err: err}
	}

	if _, err := os.Stat(conv.Output); err != nil {
		return "", &models.ProcessError{Kind: models.ErrEngineCrashed, Input: rawPath, Err: fmt.Errorf("engine produced no output: %w", err)}
	}

	if err := os.Remove(rawPath); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("Failed to remove raw file")
	}

	logger.WithField("elapsed", time.Since(start).Round(time.Millisecond).String()).Info("Post-processing completed")
	return conv.Output, nil
}

// BuildArgs returns the engine arguments (without the output path) for a conversion
func BuildArgs(rawPath string, conv Conversion) ([]string, error) {
	switch conv.Mode {
	case models.OutputModeAudio:
		return audioArgs(rawPath, conv)
	case models.OutputModeRecontainer:
		return recontainerArgs(rawPath, conv)
	default:
		return nil, &models.ProcessError{Kind: models.ErrUnsupportedCodec, Input: rawPath, Err: fmt.Errorf("mode %q needs no processing", conv.Mode)}
	}
}

func audioArgs(rawPath string, conv Conversion) ([]string, error) {
	format := strings.ToLower(conv.AudioFormat)
	if format == "" {
		format = "mp3"
	}
	target, ok := audioTargets[format]
	if !ok {
		return nil, &models.ProcessError{Kind: models.ErrUnsupportedCodec, Input: rawPath, Err: fmt.Errorf("audio format %q", format)}
	}

	args := []string{"-i", rawPath, "-vn", "-map", "0:a:0"}
	if target.family != "" && CodecFamily(conv.AudioCodec) == target.family {
		return append(args, "-c:a", "copy"), nil
	}

	args = append(args, "-c:a", target.encoder)
	if target.bitrate {
		bitrate := strings.TrimSuffix(strings.ToLower(conv.AudioBitrate), "k")
		if bitrate == "" {
			bitrate = DefaultAudioBitrate
		}
		args = append(args, "-b:a", bitrate+"k")
	}
	return args, nil
}

func recontainerArgs(rawPath string, conv Conversion) ([]string, error) {
	name := strings.ToLower(conv.Container)
	if name == "" {
		name = "mkv"
	}
	c, ok := containers[name]
	if !ok {
		return nil, &models.ProcessError{Kind: models.ErrUnsupportedCodec, Input: rawPath, Err: fmt.Errorf("container %q", name)}
	}

	args := []string{"-i", rawPath, "-map", "0"}

	video, audio := CodecFamily(conv.VideoCodec), CodecFamily(conv.AudioCodec)
	switch {
	case accepts(c.video, video) && accepts(c.audio, audio):
		args = append(args, "-c", "copy")
	case accepts(c.video, video):
		args = append(args, "-c:v", "copy", "-c:a", c.audioEncoder)
	case accepts(c.audio, audio):
		args = append(args, "-c:v", c.videoEncoder, "-c:a", "copy")
	default:
		args = append(args, "-c:v", c.videoEncoder, "-c:a", c.audioEncoder)
	}

	if c.faststart {
		args = append(args, "-movflags", "+faststart")
	}
	return args, nil
}
