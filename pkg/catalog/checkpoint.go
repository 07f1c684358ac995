package catalog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/snops/pkg/types"
)

// ReadCheckpointHeader reads the fixed-size header at the front of a
// *.checkpoint file.
func ReadCheckpointHeader(path string) (types.CheckpointHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.CheckpointHeader{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var hdr types.CheckpointHeader
	if err := readHeaderInto(f, &hdr); err != nil {
		return types.CheckpointHeader{}, fmt.Errorf("read header %s: %w", path, err)
	}
	return hdr, nil
}

func readHeaderInto(r io.Reader, hdr *types.CheckpointHeader) error {
	return binary.Read(r, binary.LittleEndian, hdr)
}

// SelectCheckpoint picks the checkpoint req resolves to out of the
// discovered set: for Absolute(h) the highest block height at or below h,
// for Checkpoint(span) the most recent timestamp at or before now-span.
// Top and an unparseable span never match.
func SelectCheckpoint(checkpoints []types.CheckpointMeta, req types.HeightRequest) (types.CheckpointMeta, bool) {
	switch req.Kind {
	case types.HeightAbsolute:
		return highestAtOrBelow(checkpoints, func(c types.CheckpointMeta) int64 {
			return int64(c.BlockHeight)
		}, int64(req.Absolute))
	case types.HeightCheckpoint:
		span, err := ParseRetentionSpan(req.Span)
		if err != nil {
			return types.CheckpointMeta{}, false
		}
		cutoff := time.Now().Add(-span).Unix()
		return highestAtOrBelow(checkpoints, func(c types.CheckpointMeta) int64 {
			return c.Timestamp
		}, cutoff)
	default:
		return types.CheckpointMeta{}, false
	}
}

func highestAtOrBelow(checkpoints []types.CheckpointMeta, key func(types.CheckpointMeta) int64, limit int64) (types.CheckpointMeta, bool) {
	var best types.CheckpointMeta
	found := false
	for _, c := range checkpoints {
		v := key(c)
		if v > limit {
			continue
		}
		if !found || v > key(best) {
			best = c
			found = true
		}
	}
	return best, found
}

// ParseRetentionSpan parses a RetentionSpan ("7d", "36h", "90m") into a
// time.Duration, extending time.ParseDuration with a "d" (24h) unit since
// Go's stdlib has none.
func ParseRetentionSpan(span types.RetentionSpan) (time.Duration, error) {
	s := strings.TrimSpace(string(span))
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid retention span %q: %w", s, err)
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	return time.ParseDuration(s)
}
