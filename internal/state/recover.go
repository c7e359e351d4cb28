package state

import (
	"context"
	"fmt"

	"main/internal/recorder"
	"main/internal/schema"
)

// RecoverConfig controls snapshot + WAL recovery.
type RecoverConfig struct {
	WALDir          string
	SnapshotPath    string
	FilePrefix      string
	DisableChecksum bool
	MaxPayloadSize  int
	UseRecvTime     bool

	// DecodeTrade unframes a recorded trade payload. The journal stores
	// wire payloads, so the venue codec owns the framing.
	DecodeTrade func(payload []byte) (schema.Trade, bool)
}

// RecoverResult contains recovered state and metadata.
type RecoverResult struct {
	Positions   *PositionReducer
	LastSeq     uint64
	LastEventTs int64
}

// RecoverPositions loads a snapshot and replays the journal tail to
// rebuild positions.
func RecoverPositions(ctx context.Context, cfg RecoverConfig) (RecoverResult, error) {
	if cfg.WALDir == "" {
		return RecoverResult{}, fmt.Errorf("wal dir is empty")
	}
	if cfg.DecodeTrade == nil {
		return RecoverResult{}, fmt.Errorf("trade decoder is nil")
	}
	positions := NewPositionReducer()
	var lastSeq uint64
	var lastEventTs int64

	if cfg.SnapshotPath != "" {
		snapshot, err := ReadSnapshot(cfg.SnapshotPath)
		if err != nil {
			return RecoverResult{}, err
		}
		positions.ApplySnapshot(snapshot)
		lastSeq = snapshot.LastSeq
		lastEventTs = snapshot.LastEventTs
	}

	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             cfg.WALDir,
		FilePrefix:      cfg.FilePrefix,
		Speed:           0,
		UseRecvTime:     cfg.UseRecvTime,
		DisableChecksum: cfg.DisableChecksum,
		MaxPayloadSize:  cfg.MaxPayloadSize,
	})
	if err != nil {
		return RecoverResult{}, err
	}

	err = pb.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		ts := header.TsEvent
		if cfg.UseRecvTime {
			ts = header.TsRecv
		}
		switch {
		case header.Seq > 0 && lastSeq > 0:
			if header.Seq <= lastSeq {
				return nil
			}
		case ts > 0 && lastEventTs > 0:
			// Unsequenced records dedup on event time instead.
			if ts <= lastEventTs {
				return nil
			}
		}
		if header.Seq > lastSeq {
			lastSeq = header.Seq
		}
		if header.TsEvent > lastEventTs {
			lastEventTs = header.TsEvent
		}

		if header.Type != schema.EventTrade {
			return nil
		}
		trade, ok := cfg.DecodeTrade(payload)
		if !ok {
			return fmt.Errorf("decode trade failed at seq %d", header.Seq)
		}
		positions.ApplyTrade(trade)
		return nil
	})
	if err != nil {
		return RecoverResult{}, err
	}

	return RecoverResult{
		Positions:   positions,
		LastSeq:     lastSeq,
		LastEventTs: lastEventTs,
	}, nil
}
