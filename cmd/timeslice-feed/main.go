package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/sirupsen/logrus"

	"timeslice-go/internal/source"
	"timeslice-go/internal/types"
)

// timeslice-feed publishes frames on a ZMQ PUSH socket in the message format
// read by the -endpoint source of timeslice.
func main() {
	var (
		bind     = flag.String("bind", "tcp://*:31001", "ZMQ PUSH bind address")
		input    = flag.String("input", "", "Video file to stream (synthetic pattern when empty)")
		rawLog   = flag.String("raw-log-input", "", "Raw log capture to stream")
		width    = flag.Int("width", 320, "Synthetic frame width")
		height   = flag.Int("height", 180, "Synthetic frame height")
		fps      = flag.Float64("fps", 30, "Synthetic frame rate")
		frames   = flag.Int("frames", 900, "Synthetic clip length")
		rate     = flag.Float64("rate", 0, "Delivery rate in frames/sec (0 = source frame rate)")
		codec    = flag.String("codec", "zstd", "Pixel compression: zstd or none")
		warmup   = flag.Duration("warmup", time.Second, "Delay after bind so consumers can connect")
		logLevel = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.WithFields(logrus.Fields{"function": "main", "bind": *bind})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opener source.Opener
	switch {
	case *input != "":
		opener = &source.FFmpegOpener{Path: *input}
	case *rawLog != "":
		opener = &source.RawLogOpener{Path: *rawLog}
	default:
		opener = &source.SyntheticOpener{Width: *width, Height: *height, FrameRate: *fps, Frames: *frames}
	}

	info, err := opener.Probe(ctx)
	if err != nil {
		log.WithError(err).Fatal("probe source")
	}
	src, err := opener.Open(ctx, types.Range{Start: 0, End: info.Duration})
	if err != nil {
		log.WithError(err).Fatal("open source")
	}
	defer src.Close()

	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		log.WithError(err).Fatal("create socket")
	}
	defer socket.Close()
	if err := socket.Bind(*bind); err != nil {
		log.WithError(err).Fatal("bind")
	}
	time.Sleep(*warmup)

	send := func(msg []byte, err error) {
		if err != nil {
			log.WithError(err).Fatal("encode message")
		}
		if _, err := socket.SendBytes(msg, 0); err != nil {
			log.WithError(err).Fatal("send")
		}
	}

	send(source.EncodeStartMessage(info))
	pace := *rate
	if pace <= 0 {
		pace = info.FrameRate
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / pace))
	defer ticker.Stop()

	sent := 0
	started := time.Now()
	for {
		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.WithError(err).Fatal("read frame")
		}
		select {
		case <-ctx.Done():
			log.WithField("sent", sent).Info("interrupted")
			send(source.EncodeEndMessage())
			return
		case <-ticker.C:
		}
		send(source.EncodeFrameMessage(frame, *codec))
		sent++
		if sent%100 == 0 {
			log.WithField("sent", sent).Debug("frames sent")
		}
	}
	send(source.EncodeEndMessage())
	log.WithFields(logrus.Fields{
		"sent":    sent,
		"elapsed": time.Since(started),
	}).Info("stream complete")
}
