package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"timeslice-go/internal/compression"
)

const RawLogMagic = "TSLCRAW1"

const (
	KindInfo   = "info"
	KindFrame  = "frame"
	KindRaster = "raster"
)

// Record is the CBOR envelope stored in every raw log entry. Data holds the
// pixel rows (Stride bytes each), compressed with Codec.
type Record struct {
	Kind      string  `cbor:"kind"`
	Index     int     `cbor:"index"`
	Width     int     `cbor:"width"`
	Height    int     `cbor:"height"`
	Stride    int     `cbor:"stride"`
	FrameRate float64 `cbor:"fps,omitempty"`
	Codec     string  `cbor:"codec,omitempty"`
	Data      []byte  `cbor:"data,omitempty"`
}

type RawLogWriter struct {
	mu    sync.Mutex
	f     *os.File
	w     *bufio.Writer
	codec string
	path  string
}

// NewRawLogWriterIn creates a timestamped raw log inside outputDir.
func NewRawLogWriterIn(outputDir string, prefix string, codec string) (*RawLogWriter, error) {
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", Timestamp(), prefix))
	return NewRawLogWriter(filename, codec)
}

func NewRawLogWriter(path string, codec string) (*RawLogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if _, err := compression.Compress(nil, codec); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(RawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &RawLogWriter{
		f:     f,
		w:     w,
		codec: codec,
		path:  path,
	}, nil
}

func (r *RawLogWriter) Path() string {
	return r.path
}

// Record appends one raw payload with the current time.
func (r *RawLogWriter) Record(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

// WriteRecord compresses rec.Data with the writer's codec and appends the envelope.
func (r *RawLogWriter) WriteRecord(rec Record) error {
	if len(rec.Data) > 0 {
		packed, err := compression.Compress(rec.Data, r.codec)
		if err != nil {
			return err
		}
		rec.Data = packed
		rec.Codec = r.codec
	}
	payload, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return r.Record(payload)
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// RawEntry is one record as stored on disk.
type RawEntry struct {
	Timestamp time.Time
	Payload   []byte
}

type RawLogReader struct {
	f *os.File
	r *bufio.Reader
}

func OpenRawLog(path string) (*RawLogReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReaderSize(f, 1024*1024)
	header := make([]byte, len(RawLogMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(header) != RawLogMagic {
		_ = f.Close()
		return nil, fmt.Errorf("unexpected rawlog magic %q", string(header))
	}
	return &RawLogReader{f: f, r: r}, nil
}

// Next returns the next entry, or io.EOF at the end of the log.
// A record cut short by a crash also ends the log.
func (l *RawLogReader) Next() (RawEntry, error) {
	var meta [12]byte
	if _, err := io.ReadFull(l.r, meta[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return RawEntry{}, io.EOF
		}
		return RawEntry{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(meta[:8]))
	size := binary.LittleEndian.Uint32(meta[8:12])
	payload := make([]byte, size)
	if _, err := io.ReadFull(l.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return RawEntry{}, io.EOF
		}
		return RawEntry{}, err
	}
	return RawEntry{Timestamp: time.Unix(0, ts), Payload: payload}, nil
}

func (l *RawLogReader) Close() error {
	return l.f.Close()
}

// DecodeRecord parses an envelope and decompresses its pixel data.
func DecodeRecord(payload []byte) (Record, error) {
	var rec Record
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("CBOR decode: %w", err)
	}
	if len(rec.Data) > 0 {
		data, err := compression.Decompress(rec.Data, rec.Codec, rec.Stride*rec.Height)
		if err != nil {
			return Record{}, err
		}
		rec.Data = data
		rec.Codec = compression.CodecNone
	}
	return rec, nil
}
