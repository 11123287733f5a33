package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"github.com/sirupsen/logrus"

	"timeslice-go/internal/types"
)

// ZMQOpener pulls CBOR frame messages from a PUSH endpoint:
//
//	{ "type": "start", "width": <int>, "height": <int>, "fps": <float> }
//	{ "type": "frame", "index": <int>, "width": <int>, "height": <int>, "pix": <tag 40 array> }
//	{ "type": "end" }
//
// Frames are indexed from the start of the stream; Open keeps those inside the range.
type ZMQOpener struct {
	Endpoint    string
	RecvTimeout time.Duration
	IdleTimeout time.Duration
	LogEvery    int

	mu      sync.Mutex
	session *zmqSession
}

type zmqSession struct {
	socket *zmq4.Socket
	info   types.SourceInfo
}

type zmqMessage struct {
	Type   string
	Index  int
	Width  int
	Height int
	FPS    float64
	Stride int
	Pix    []byte
}

var decodeFailures atomic.Uint64

// DecodeFailures reports how many ZMQ messages this process could not decode.
func DecodeFailures() uint64 {
	return decodeFailures.Load()
}

func (o *ZMQOpener) recvTimeout() time.Duration {
	if o.RecvTimeout > 0 {
		return o.RecvTimeout
	}
	return 200 * time.Millisecond
}

func (o *ZMQOpener) idleTimeout() time.Duration {
	if o.IdleTimeout > 0 {
		return o.IdleTimeout
	}
	return 10 * time.Second
}

func (o *ZMQOpener) logEvery() int {
	if o.LogEvery > 0 {
		return o.LogEvery
	}
	return 100
}

// Probe connects and waits for the stream's start message.
func (o *ZMQOpener) Probe(ctx context.Context) (types.SourceInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil {
		return o.session.info, nil
	}

	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return types.SourceInfo{}, fmt.Errorf("%w: %v", types.ErrSourceUnreadable, err)
	}
	if err := socket.SetRcvtimeo(o.recvTimeout()); err != nil {
		_ = socket.Close()
		return types.SourceInfo{}, fmt.Errorf("%w: %v", types.ErrSourceUnreadable, err)
	}
	if err := socket.Connect(o.Endpoint); err != nil {
		_ = socket.Close()
		return types.SourceInfo{}, fmt.Errorf("%w: connect %s: %v", types.ErrSourceUnreadable, o.Endpoint, err)
	}

	deadline := time.Now().Add(o.idleTimeout())
	for {
		if err := ctx.Err(); err != nil {
			_ = socket.Close()
			return types.SourceInfo{}, types.Cancelled(context.Cause(ctx))
		}
		if time.Now().After(deadline) {
			_ = socket.Close()
			return types.SourceInfo{}, fmt.Errorf("%w: no start message from %s within %s", types.ErrNoDecodableTrack, o.Endpoint, o.idleTimeout())
		}
		raw, err := socket.RecvBytes(0)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			logEveryN(o.logEvery(), "zmq recv error: %v", err)
			continue
		}
		msg, ok := decodeCounted(raw, o.logEvery())
		if !ok {
			continue
		}
		if msg.Type != "start" {
			logEveryN(o.logEvery(), "zmq ignoring %q before start", msg.Type)
			continue
		}
		if msg.Width <= 0 || msg.Height <= 0 || msg.FPS <= 0 {
			_ = socket.Close()
			return types.SourceInfo{}, fmt.Errorf("%w: start message %dx%d at %.2f fps", types.ErrNoDecodableTrack, msg.Width, msg.Height, msg.FPS)
		}
		o.session = &zmqSession{
			socket: socket,
			info:   types.SourceInfo{Width: msg.Width, Height: msg.Height, FrameRate: msg.FPS},
		}
		logrus.WithFields(logrus.Fields{
			"function": "ZMQOpener.Probe",
			"endpoint": o.Endpoint,
			"width":    msg.Width,
			"height":   msg.Height,
			"fps":      msg.FPS,
		}).Info("stream started")
		return o.session.info, nil
	}
}

func (o *ZMQOpener) Open(ctx context.Context, r types.Range) (FrameSource, error) {
	info, err := o.Probe(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	session := o.session
	o.mu.Unlock()

	first, last := frameWindow(r, info.FrameRate)
	return &zmqSource{
		opener:  o,
		ctx:     ctx,
		session: session,
		first:   first,
		last:    last,
	}, nil
}

func (o *ZMQOpener) release(session *zmqSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == session {
		o.session = nil
	}
	_ = session.socket.Close()
}

type zmqSource struct {
	opener  *ZMQOpener
	ctx     context.Context
	session *zmqSession
	first   int
	last    int
	frame   types.Frame
	closed  bool
}

func (s *zmqSource) Info() types.SourceInfo { return s.session.info }

func (s *zmqSource) Next() (*types.Frame, error) {
	if s.closed {
		return nil, io.EOF
	}
	idleSince := time.Now()
	for {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := s.session.socket.RecvBytes(0)
		if err != nil {
			if isTimeout(err) {
				if time.Since(idleSince) > s.opener.idleTimeout() {
					return nil, io.EOF
				}
				continue
			}
			return nil, fmt.Errorf("%w: zmq recv: %v", types.ErrSourceUnreadable, err)
		}
		idleSince = time.Now()

		msg, ok := decodeCounted(raw, s.opener.logEvery())
		if !ok {
			continue
		}
		switch msg.Type {
		case "end":
			return nil, io.EOF
		case "frame":
		default:
			continue
		}
		if msg.Index < s.first {
			continue
		}
		if msg.Index >= s.last {
			return nil, io.EOF
		}
		s.frame = types.Frame{
			Index:  msg.Index - s.first,
			Width:  msg.Width,
			Height: msg.Height,
			Stride: msg.Stride,
			Pix:    msg.Pix,
		}
		return &s.frame, nil
	}
}

func (s *zmqSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.opener.release(s.session)
	return nil
}

func isTimeout(err error) bool {
	return zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN)
}

// decodeCounted decodes raw, counting and rate-limiting the log of failures.
func decodeCounted(raw []byte, logEvery int) (zmqMessage, bool) {
	msg, err := decodeMessage(raw)
	if err != nil {
		decodeFailures.Add(1)
		logEveryN(logEvery, "zmq decode error: %v", err)
		return zmqMessage{}, false
	}
	return msg, true
}

func decodeMessage(raw []byte) (zmqMessage, error) {
	var payload map[string]any
	if err := cbor.Unmarshal(raw, &payload); err != nil {
		return zmqMessage{}, fmt.Errorf("CBOR decode: %w", err)
	}
	msgType, _ := payload["type"].(string)
	msg := zmqMessage{Type: msgType}

	switch msgType {
	case "start":
		var err error
		if msg.Width, err = toInt(payload["width"]); err != nil {
			return zmqMessage{}, fmt.Errorf("invalid width: %w", err)
		}
		if msg.Height, err = toInt(payload["height"]); err != nil {
			return zmqMessage{}, fmt.Errorf("invalid height: %w", err)
		}
		if msg.FPS, err = toFloat(payload["fps"]); err != nil {
			return zmqMessage{}, fmt.Errorf("invalid fps: %w", err)
		}
	case "frame":
		var err error
		if msg.Index, err = toInt(payload["index"]); err != nil {
			return zmqMessage{}, fmt.Errorf("invalid index: %w", err)
		}
		if msg.Width, err = toInt(payload["width"]); err != nil {
			return zmqMessage{}, fmt.Errorf("invalid width: %w", err)
		}
		pix, rows, rowBytes, err := decodePixelArray(payload["pix"])
		if err != nil {
			return zmqMessage{}, fmt.Errorf("invalid pix: %w", err)
		}
		msg.Height = rows
		msg.Stride = rowBytes
		msg.Pix = pix
		if h, err := toInt(payload["height"]); err == nil && h != rows {
			return zmqMessage{}, fmt.Errorf("height %d does not match %d pixel rows", h, rows)
		}
	case "end":
	default:
		return zmqMessage{}, errors.New("unknown message type")
	}
	return msg, nil
}

// EncodeStartMessage builds the message announcing a stream's geometry.
func EncodeStartMessage(info types.SourceInfo) ([]byte, error) {
	return cbor.Marshal(map[string]any{
		"type":   "start",
		"width":  info.Width,
		"height": info.Height,
		"fps":    info.FrameRate,
	})
}

// EncodeFrameMessage builds a frame message; codec compresses the pixels.
func EncodeFrameMessage(f *types.Frame, codec string) ([]byte, error) {
	pix, err := encodePixelArray(f.Pix[:f.Stride*f.Height], f.Height, f.Stride, codec)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(map[string]any{
		"type":   "frame",
		"index":  f.Index,
		"width":  f.Width,
		"height": f.Height,
		"pix":    pix,
	})
}

func EncodeEndMessage() ([]byte, error) {
	return cbor.Marshal(map[string]any{"type": "end"})
}

var logCounter atomic.Uint64

func logEveryN(n int, format string, args ...any) {
	if logCounter.Add(1)%uint64(n) == 0 {
		logrus.Warnf(format, args...)
	}
}
