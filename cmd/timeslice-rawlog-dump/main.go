package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"timeslice-go/internal/output"
)

func main() {
	var (
		path   = flag.String("path", "", "Path to raw log .bin file")
		limit  = flag.Int("limit", 1, "Number of records to dump (0 = all)")
		decode = flag.Bool("decode", false, "Decompress pixel data and report its size instead of the packed bytes")
	)
	flag.Parse()

	if *path == "" {
		logrus.Fatal("path is required")
	}

	reader, err := output.OpenRawLog(*path)
	if err != nil {
		logrus.Fatalf("open rawlog: %v", err)
	}
	defer reader.Close()

	count := 0
	kinds := map[string]int{}
	for {
		if *limit > 0 && count >= *limit {
			break
		}
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logrus.Fatalf("read record: %v", err)
		}

		var view any
		if *decode {
			rec, err := output.DecodeRecord(entry.Payload)
			if err != nil {
				logrus.Warnf("record %d: %v", count, err)
				count++
				continue
			}
			kinds[rec.Kind]++
			view = map[string]any{
				"kind":       rec.Kind,
				"index":      rec.Index,
				"width":      rec.Width,
				"height":     rec.Height,
				"stride":     rec.Stride,
				"fps":        rec.FrameRate,
				"data_bytes": len(rec.Data),
			}
		} else {
			var decoded any
			if err := cbor.Unmarshal(entry.Payload, &decoded); err != nil {
				logrus.Warnf("record %d: CBOR decode error: %v", count, err)
				count++
				continue
			}
			view = output.NormalizeJSONValue(decoded)
		}

		pretty, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			logrus.Warnf("record %d: JSON encode error: %v", count, err)
			count++
			continue
		}
		logrus.Infof("record %d timestamp=%s size=%d", count, entry.Timestamp.Format(time.RFC3339Nano), len(entry.Payload))
		fmt.Println(string(pretty))
		count++
	}
	if *decode {
		logrus.WithField("kinds", kinds).Infof("%d records", count)
	}
}
