package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"regexp"

	"github.com/floostack/transcoder/ffmpeg"
	"github.com/lwhitby/sift/internal/processor"
	"github.com/lwhitby/sift/pkg/logger"
)

var audioLog = logger.Get("AudioExtract")

type (
	// AudioExtractorOptions configures the ffmpeg-backed audio
	// extraction runner. CostPerByte feeds approval cost forecasting.
	AudioExtractorOptions struct {
		FfmpegBinPath  string  `mapstructure:"ffmpeg_bin_path" validate:"required"`
		FfprobeBinPath string  `mapstructure:"ffprobe_bin_path" validate:"required"`
		AudioCodec     string  `mapstructure:"audio_codec"`
		CostPerByte    float64 `mapstructure:"cost_per_byte"`
	}

	audioExtractor struct {
		opts AudioExtractorOptions
	}
)

// NewAudioExtractor builds a runner which strips the audio stream from a
// media file using ffmpeg via the transcoder bindings.
func NewAudioExtractor(raw map[string]interface{}) (processor.Runner, error) {
	opts := AudioExtractorOptions{AudioCodec: "libmp3lame"}
	if err := decodeOptions(raw, &opts); err != nil {
		return nil, err
	}

	return &audioExtractor{opts: opts}, nil
}

func (ex *audioExtractor) Run(ctx context.Context, inputPath string, outputPath string) error {
	skipVideo := true
	overwrite := true
	ffmpegOptions := ffmpeg.Options{
		SkipVideo:  &skipVideo,
		AudioCodec: &ex.opts.AudioCodec,
		Overwrite:  &overwrite,
	}

	trans := ffmpeg.
		New(&ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   ex.opts.FfmpegBinPath,
			FfprobeBinPath:  ex.opts.FfprobeBinPath,
		}).
		Input(inputPath).
		Output(outputPath).
		WithContext(&ctx)

	progressChannel, err := trans.Start(ffmpegOptions)
	if err != nil {
		return parseFfmpegError(err)
	}

	for {
		prog, ok := <-progressChannel
		if !ok {
			audioLog.Debugf("FFmpeg progress channel closed for %s\n", inputPath)
			return ctx.Err()
		}

		audioLog.Verbosef("Extracting audio from %s: %.2f%% (speed %s)\n", inputPath, prog.GetProgress(), prog.GetSpeed())
	}
}

func (ex *audioExtractor) EstimateCost(inputPath string) float64 {
	if ex.opts.CostPerByte == 0 {
		return 0
	}

	info, err := os.Stat(inputPath)
	if err != nil {
		return 0
	}

	return float64(info.Size()) * ex.opts.CostPerByte
}

// parseFfmpegError picks the relevant message out of ffmpegs enormous
// error output, which embeds the real failure as a JSON blob.
func parseFfmpegError(err error) error {
	messageMatcher := regexp.MustCompile(`(?s)message: ({.*})`)
	groups := messageMatcher.FindStringSubmatch(err.Error())
	if len(groups) == 0 {
		return err
	}

	var out map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr != nil {
		return errors.New(groups[1])
	}

	if exception, ok := out["error"].(map[string]interface{}); ok {
		if msg, ok := exception["string"].(string); ok {
			return errors.New(msg)
		}
	}

	return err
}
