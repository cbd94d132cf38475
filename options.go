package subdb

import "github.com/rpcpool/subdb/types"

const (
	defaultKeyBytes             = 4
	defaultIndexBits            = 16
	defaultSkippedCountTrigger  = 240
	defaultKeyCorrectionTrigger = 32
	defaultOversizeTriggerMapped = 256 * 1024 * 1024
	defaultOversizeShrinkMapped  = 64 * 1024 * 1024
	defaultMinItemsBacked       = 8
)

type config struct {
	path                  string
	keyBytes              int
	indexBits             int
	skippedCountTrigger   uint8
	keyCorrectionTrigger  int
	oversizeTriggerMapped uint64
	oversizeShrinkMapped  uint64
	minItemsBacked        int
}

func defaultConfig() config {
	return config{
		keyBytes:              defaultKeyBytes,
		indexBits:             defaultIndexBits,
		skippedCountTrigger:   defaultSkippedCountTrigger,
		keyCorrectionTrigger:  defaultKeyCorrectionTrigger,
		oversizeTriggerMapped: defaultOversizeTriggerMapped,
		oversizeShrinkMapped:  defaultOversizeShrinkMapped,
		minItemsBacked:        defaultMinItemsBacked,
	}
}

// converge clamps key_bytes and index_bits into a consistent pair: index_bits
// can never address more than key_bytes*8 bits, and key_bytes is never
// narrower than index_bits requires.
func (c *config) converge() {
	if c.keyBytes < 1 {
		c.keyBytes = 1
	}
	if c.keyBytes > types.MaxKeyBytes {
		c.keyBytes = types.MaxKeyBytes
	}
	if c.indexBits > c.keyBytes*8 {
		c.indexBits = c.keyBytes * 8
	}
	if c.indexBits < 0 {
		c.indexBits = 0
	}
}

// Option configures a Database at Open time.
type Option func(*config)

// WithPath sets the directory a database is opened from (created if it
// does not already exist).
func WithPath(path string) Option {
	return func(c *config) { c.path = path }
}

// WithKeyBytes sets the number of bytes of a caller's key that are stored
// in the index and content layers. Lowers IndexBits if it no longer fits.
func WithKeyBytes(n int) Option {
	return func(c *config) {
		c.keyBytes = n
		c.converge()
	}
}

// WithIndexBits sets the index's initial size in bits. Raises KeyBytes if
// needed to address that many bits.
func WithIndexBits(n int) Option {
	return func(c *config) {
		c.indexBits = n
		needed := (n + 7) / 8
		if needed > c.keyBytes {
			c.keyBytes = needed
		}
		c.converge()
	}
}

// WithSkippedCountTrigger sets the peak skipped_count above which Insert
// triggers a reindex to the next size.
func WithSkippedCountTrigger(n uint8) Option {
	return func(c *config) { c.skippedCountTrigger = n }
}

// WithKeyCorrectionTrigger sets the peak key_correction at or above which
// Insert triggers a reindex to the next size.
func WithKeyCorrectionTrigger(n int) Option {
	return func(c *config) { c.keyCorrectionTrigger = n }
}

// WithOversizeTriggerMapped sets the total oversize-mapped-bytes threshold
// above which a shrink pass runs.
func WithOversizeTriggerMapped(n uint64) Option {
	return func(c *config) { c.oversizeTriggerMapped = n }
}

// WithOversizeShrinkMapped sets the target oversize-mapped-bytes a shrink
// pass aims for.
func WithOversizeShrinkMapped(n uint64) Option {
	return func(c *config) { c.oversizeShrinkMapped = n }
}

// WithMinItemsBacked sets the minimum number of slots a content table
// pre-allocates on disk before it must grow.
func WithMinItemsBacked(n int) Option {
	return func(c *config) { c.minItemsBacked = n }
}
