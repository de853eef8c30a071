package db

import (
	"time"

	"go.uber.org/zap"

	"lsmtree/nursery"
)

const (
	// DefaultAsyncChunkSize is the number of results per AsyncRange
	// chunk.
	DefaultAsyncChunkSize = 100

	// DefaultFoldTimeout bounds the wait for each fold message.
	DefaultFoldTimeout = 3 * time.Second
)

type config struct {
	nurseryMax     int
	asyncChunkSize int
	foldTimeout    time.Duration
	logger         *zap.SugaredLogger
}

func defaultConfig() *config {
	return &config{
		nurseryMax:     nursery.DefaultMax,
		asyncChunkSize: DefaultAsyncChunkSize,
		foldTimeout:    DefaultFoldTimeout,
		logger:         zap.NewNop().Sugar(),
	}
}

// Option tunes an Open call.
type Option func(*config)

// WithNurseryMax sets the record capacity of the write buffer.
func WithNurseryMax(max int) Option {
	return func(c *config) {
		c.nurseryMax = max
	}
}

// WithAsyncChunkSize sets the number of results delivered per
// AsyncRange chunk.
func WithAsyncChunkSize(n int) Option {
	return func(c *config) {
		c.asyncChunkSize = n
	}
}

// WithFoldTimeout sets the per-message receive deadline of folds.
func WithFoldTimeout(d time.Duration) Option {
	return func(c *config) {
		c.foldTimeout = d
	}
}

// WithLogger routes the tree's diagnostics to the given logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.logger = logger.Sugar()
	}
}
