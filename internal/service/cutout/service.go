package cutout

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rs/zerolog"

	"cutout/internal/models"
	"cutout/internal/service/removal"
	"cutout/internal/storage"
)

// DefaultMaxUploadBytes is the upload ceiling used when none is configured.
const DefaultMaxUploadBytes = 5 << 20

// ArtifactStore is the scratch storage the service works against.
type ArtifactStore interface {
	Put(role models.Role, id models.ArtifactID, ext string, r io.Reader) (storage.StoredPath, int64, error)
	FindByIDPrefix(role models.Role, id models.ArtifactID) (storage.StoredPath, error)
	Open(path storage.StoredPath) (io.ReadCloser, int64, error)
	Delete(path storage.StoredPath) error
	SweepOlderThan(role models.Role, maxAge time.Duration) (int, error)
}

// Remover is the remote background-removal service.
type Remover interface {
	RemoveBackground(ctx context.Context, filename string, r io.Reader, contentLength int64) removal.Outcome
	Health(ctx context.Context) (json.RawMessage, error)
}

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	MaxUploadBytes int64
	// Locker serializes processing per upload id. Nil leaves concurrent
	// requests for the same id unguarded.
	Locker Locker
	NewID  func() models.ArtifactID
	Logger zerolog.Logger
}

// Service runs the upload, process and sweep operations over one store.
type Service struct {
	store     ArtifactStore
	remover   Remover
	maxUpload int64
	locker    Locker
	newID     func() models.ArtifactID
	logger    zerolog.Logger
}

// New builds a Service.
func New(store ArtifactStore, remover Remover, opts Options) *Service {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.NewID == nil {
		opts.NewID = models.NewArtifactID
	}
	return &Service{
		store:     store,
		remover:   remover,
		maxUpload: opts.MaxUploadBytes,
		locker:    opts.Locker,
		newID:     opts.NewID,
		logger:    opts.Logger.With().Str("component", "cutout").Logger(),
	}
}

// MaxUploadBytes returns the configured upload ceiling.
func (s *Service) MaxUploadBytes() int64 {
	return s.maxUpload
}

// Health reports the remote service's own health payload.
func (s *Service) Health(ctx context.Context) (json.RawMessage, error) {
	return s.remover.Health(ctx)
}
