package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"timeslice-go/internal/config"
	"timeslice-go/internal/output"
	"timeslice-go/internal/pipeline"
	"timeslice-go/internal/server"
	"timeslice-go/internal/sink"
	"timeslice-go/internal/source"
	"timeslice-go/internal/types"
)

const progressSteps = 1000

func main() {
	def := config.Defaults()
	var (
		mode           = flag.String("mode", def.Mode, "export (one output frame per source column) or preview (single still)")
		input          = flag.String("input", "", "Video file decoded with ffmpeg")
		endpoint       = flag.String("endpoint", "", "ZMQ endpoint streaming CBOR frames, e.g. tcp://localhost:31001")
		rawLogInput    = flag.String("raw-log-input", "", "Replay a raw log capture instead of a live source")
		debug          = flag.Bool("debug", false, "Use the synthetic test pattern source")
		debugWidth     = flag.Int("debug-width", def.DebugWidth, "Synthetic frame width")
		debugHeight    = flag.Int("debug-height", def.DebugHeight, "Synthetic frame height")
		debugFPS       = flag.Float64("debug-fps", def.DebugFPS, "Synthetic frame rate")
		debugFrames    = flag.Int("debug-frames", def.DebugFrames, "Synthetic clip length in frames")
		debugAcqRate   = flag.Float64("debug-acq-rate", 0, "Pace synthetic delivery in frames/sec (0 = unthrottled)")
		ingestLogEvery = flag.Int("ingest-log-every", def.IngestLogEvery, "Log every Nth ZMQ decode error")
		idleTimeout    = flag.Duration("idle-timeout", def.IdleTimeout, "End a ZMQ stream after this long without messages")
		out            = flag.String("output", "", "Output video, image directory, raw log or preview image")
		format         = flag.String("format", def.OutputFormat, "Export format: mp4, png, bmp, tiff, rawlog or null")
		start          = flag.Float64("start", 0, "Range start in seconds")
		end            = flag.Float64("end", 0, "Range end in seconds")
		speed          = flag.Float64("speed", def.Speed, "Speed factor in [1, 10]; every round(speed)-th frame is sampled")
		outputFPS      = flag.Float64("output-fps", def.OutputFPS, "Frame rate of the exported video")
		previewX       = flag.Int("preview-x", def.PreviewX, "Column sampled for previews (-1 = midpoint)")
		previewTarget  = flag.Int("preview-target", def.PreviewTarget, "Preferred preview width in columns")
		previewMax     = flag.Int("preview-max", def.PreviewMax, "Maximum preview width in columns")
		workers        = flag.Int("workers", 0, "Parallel workers for transpose and assembly (0 = GOMAXPROCS)")
		batchSize      = flag.Int("batch-size", def.BatchSize, "Rasters assembled per lookahead batch")
		maxArena       = flag.Int64("max-arena-bytes", def.MaxArenaBytes, "Refuse exports whose frame arena exceeds this size (0 = no limit)")
		cancelPolicy   = flag.String("cancel-policy", def.CancelPolicy, "On interrupt: keep (finalize partial output) or discard")
		serve          = flag.Bool("serve", false, "Serve progress and previews over HTTP/websocket")
		port           = flag.Int("port", def.Port, "HTTP port for -serve")
		uiRate         = flag.Duration("ui-rate", def.UIRate, "Minimum interval between websocket progress messages")
		logLevel       = flag.String("log-level", def.LogLevel, "Log level: debug, info, warn, error")
		logJSON        = flag.Bool("log-json", false, "Log as JSON")
		ffmpegBin      = flag.String("ffmpeg", def.FFmpeg, "ffmpeg binary")
		ffprobeBin     = flag.String("ffprobe", def.FFprobe, "ffprobe binary")
		rawLogEnabled  = flag.Bool("raw-log", false, "Capture every pulled source frame to a raw log")
		rawLogDir      = flag.String("raw-log-dir", def.RawLogDir, "Directory for raw log captures")
		rawLogCodec    = flag.String("raw-log-codec", def.RawLogCodec, "Raw log payload compression: zstd or none")
	)
	flag.Parse()

	cfg := config.AppConfig{
		Mode:           *mode,
		Input:          *input,
		Endpoint:       *endpoint,
		RawLogInput:    *rawLogInput,
		Debug:          *debug,
		DebugWidth:     *debugWidth,
		DebugHeight:    *debugHeight,
		DebugFPS:       *debugFPS,
		DebugFrames:    *debugFrames,
		DebugAcqRate:   *debugAcqRate,
		IngestLogEvery: *ingestLogEvery,
		IdleTimeout:    *idleTimeout,
		Output:         *out,
		OutputFormat:   *format,
		Start:          *start,
		End:            *end,
		Speed:          *speed,
		OutputFPS:      *outputFPS,
		PreviewX:       *previewX,
		PreviewTarget:  *previewTarget,
		PreviewMax:     *previewMax,
		Workers:        *workers,
		BatchSize:      *batchSize,
		MaxArenaBytes:  *maxArena,
		CancelPolicy:   *cancelPolicy,
		Serve:          *serve,
		Port:           *port,
		UIRate:         *uiRate,
		LogLevel:       *logLevel,
		LogJSON:        *logJSON,
		FFmpeg:         *ffmpegBin,
		FFprobe:        *ffprobeBin,
		RawLogEnabled:  *rawLogEnabled,
		RawLogDir:      *rawLogDir,
		RawLogCodec:    *rawLogCodec,
	}

	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		logrus.WithField("function", "main").WithError(err).Error("invalid configuration")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg)
	stop()
	os.Exit(code)
}

func setupLogging(cfg config.AppConfig) {
	if cfg.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func openSource(cfg config.AppConfig) source.Opener {
	switch {
	case cfg.Debug:
		return &source.SyntheticOpener{
			Width:     cfg.DebugWidth,
			Height:    cfg.DebugHeight,
			FrameRate: cfg.DebugFPS,
			Frames:    cfg.DebugFrames,
			Pad:       16,
			Rate:      cfg.DebugAcqRate,
		}
	case cfg.Endpoint != "":
		return &source.ZMQOpener{
			Endpoint:    cfg.Endpoint,
			IdleTimeout: cfg.IdleTimeout,
			LogEvery:    cfg.IngestLogEvery,
		}
	case cfg.RawLogInput != "":
		return &source.RawLogOpener{Path: cfg.RawLogInput}
	default:
		return &source.FFmpegOpener{Path: cfg.Input, FFmpeg: cfg.FFmpeg, FFprobe: cfg.FFprobe}
	}
}

func run(ctx context.Context, cfg config.AppConfig) int {
	runID := uuid.NewString()
	log := logrus.WithFields(logrus.Fields{
		"function": "run",
		"run_id":   runID,
		"mode":     cfg.Mode,
	})

	var metrics pipeline.Metrics
	pub := server.NewPublisher(runID, cfg.UIRate, 256)
	pub.SetMetrics(metrics.Snapshot)
	if cfg.Serve {
		go func() {
			if err := server.Run(ctx, cfg, pub); err != nil {
				log.WithError(err).Error("server stopped")
			}
		}()
	}

	policy, err := pipeline.ParseCancelPolicy(cfg.CancelPolicy)
	if err != nil {
		log.WithError(err).Error("invalid cancel policy")
		return 2
	}

	var capture *output.RawLogWriter
	if cfg.RawLogEnabled {
		capture, err = output.NewRawLogWriterIn(cfg.RawLogDir, "capture", cfg.RawLogCodec)
		if err != nil {
			log.WithError(err).Error("raw log capture unavailable")
			return 1
		}
		defer capture.Close()
		log.WithField("path", capture.Path()).Info("capturing source frames")
	}

	bar := progressbar.NewOptions(progressSteps,
		progressbar.OptionSetDescription(cfg.Mode),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
	)
	opts := pipeline.Options{
		RunID:         runID,
		Workers:       cfg.Workers,
		BatchSize:     cfg.BatchSize,
		MaxArenaBytes: cfg.MaxArenaBytes,
		CancelPolicy:  policy,
		Metrics:       &metrics,
		Capture:       capture,
		Progress: func(v float64) {
			_ = bar.Set(int(v * progressSteps))
			pub.Progress(v)
		},
		Phase: func(name string) {
			bar.Describe(fmt.Sprintf("%s: %s", cfg.Mode, name))
			pub.Phase(name)
		},
	}

	opener := openSource(cfg)
	rng := types.Range{Start: cfg.Start, End: cfg.End}
	started := time.Now()
	var res pipeline.Result
	artifact := cfg.Output

	if cfg.Mode == "preview" {
		opts.SnapshotEvery = 100
		opts.OnSnapshot = func(r *types.Raster) { pub.Preview(r, false) }
		var raster *types.Raster
		raster, res, err = pipeline.Preview(ctx, opener, pipeline.PreviewRequest{
			Range:     rng,
			SampleX:   cfg.SampleX(),
			Target:    cfg.PreviewTarget,
			MaxFrames: cfg.PreviewMax,
		}, opts)
		if err == nil {
			pub.Preview(raster, true)
			err = output.WritePreview(cfg.Output, raster)
		}
	} else {
		var openSink sink.Opener
		openSink, err = sink.ForFormat(cfg.OutputFormat, cfg.FFmpeg, cfg.RawLogCodec)
		if err == nil {
			res, err = pipeline.Export(ctx, opener, openSink, pipeline.ExportRequest{
				Range:           rng,
				Speed:           cfg.Speed,
				OutputPath:      cfg.Output,
				OutputFrameRate: cfg.OutputFPS,
			}, opts)
		}
	}
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	status, code := outcome(err)
	msg := types.ResultMessage{
		Status:    status,
		Samples:   res.Plan.SampledFrameCount,
		Truncated: res.Exhausted != nil,
	}
	if err != nil {
		msg.Error = err.Error()
	}
	pub.Result(msg)

	fields := logrus.Fields{
		"status":  status,
		"samples": res.Plan.SampledFrameCount,
		"pushed":  res.Pushed,
		"elapsed": time.Since(started),
	}
	if res.Exhausted != nil {
		log.WithFields(fields).WithError(res.Exhausted).Warn("source ended before the planned range")
	}
	switch code {
	case 0:
		log.WithFields(fields).Info("run complete")
	case 130:
		log.WithFields(fields).Info("run cancelled")
	default:
		log.WithFields(fields).WithError(err).Error("run failed")
	}
	log.WithFields(logrus.Fields(metrics.Snapshot())).Debug("metrics")

	if res.Kept || (code == 0 && cfg.Mode == "preview") {
		meta := map[string]any{
			"run_id":  runID,
			"mode":    cfg.Mode,
			"status":  status,
			"source":  describeSource(cfg),
			"output":  artifact,
			"result":  res,
			"metrics": metrics.Snapshot(),
			"created": time.Now().Format(time.RFC3339),
		}
		if err := output.WriteMetadata(output.MetadataPath(artifact), meta); err != nil {
			log.WithError(err).Warn("metadata not written")
		}
	}
	return code
}

func outcome(err error) (string, int) {
	switch {
	case err == nil:
		return "ok", 0
	case errors.Is(err, types.ErrCancelled):
		return "cancelled", 130
	case errors.Is(err, types.ErrInvalidParameters):
		return "invalid", 2
	default:
		return "failed", 1
	}
}

func describeSource(cfg config.AppConfig) string {
	switch {
	case cfg.Debug:
		return fmt.Sprintf("synthetic %dx%d@%.2f", cfg.DebugWidth, cfg.DebugHeight, cfg.DebugFPS)
	case cfg.Endpoint != "":
		return cfg.Endpoint
	case cfg.RawLogInput != "":
		return cfg.RawLogInput
	default:
		return cfg.Input
	}
}
