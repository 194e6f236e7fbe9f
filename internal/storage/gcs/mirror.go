package gcs

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

// Source reads the local copy of a file.
type Source interface {
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Hasher digests file contents.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Mirror copies the persisted store file to a bucket after every refresh,
// giving an off-host backup of the latest state. With a Hasher, a file
// identical to the last upload is not sent again.
type Mirror struct {
	dst    tracker.BlobStore
	src    Source
	hasher Hasher
	file   string
	object string
	logger *zap.Logger

	mu         sync.Mutex
	lastDigest string
}

var _ tracker.RefreshObserver = (*Mirror)(nil)

// NewMirror uploads src's file to object on dst. hasher may be nil.
func NewMirror(dst tracker.BlobStore, src Source, hasher Hasher, file, object string, logger *zap.Logger) (*Mirror, error) {
	if dst == nil || src == nil {
		return nil, fmt.Errorf("mirror needs a source and a destination")
	}
	if file == "" || object == "" {
		return nil, fmt.Errorf("mirror needs a file and an object name")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{dst: dst, src: src, hasher: hasher, file: file, object: object, logger: logger}, nil
}

// ObserveRefresh uploads the current store file.
func (m *Mirror) ObserveRefresh(ctx context.Context, summary tracker.RefreshSummary, _ []tracker.StatsSnapshot) error {
	data, err := m.src.GetObject(ctx, m.file)
	if err != nil {
		return fmt.Errorf("read store file for mirror: %w", err)
	}

	var digest string
	if m.hasher != nil {
		if digest, err = m.hasher.Hash(data); err != nil {
			return fmt.Errorf("hash store file: %w", err)
		}
		m.mu.Lock()
		unchanged := digest == m.lastDigest
		m.mu.Unlock()
		if unchanged {
			m.logger.Debug("store file unchanged, mirror skipped", zap.String("cycle_id", summary.CycleID))
			return nil
		}
	}

	uri, err := m.dst.PutObject(ctx, m.object, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("mirror store file: %w", err)
	}
	m.mu.Lock()
	m.lastDigest = digest
	m.mu.Unlock()
	m.logger.Debug("store file mirrored",
		zap.String("uri", uri),
		zap.String("sha256", digest),
		zap.String("cycle_id", summary.CycleID),
	)
	return nil
}
