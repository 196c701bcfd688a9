package configuration

import "time"

type PostgresConfig struct {
	// libpq-style key/value connection parameters, e.g. host, port, dbname.
	Connection map[string]string
}

type MetricsConfig struct {
	Port uint16
}

type IngesterConfiguration struct {
	// Database configuration
	Postgres PostgresConfig
	// Metrics configuration
	Metrics MetricsConfig
	// Directory chunk files are spooled to while awaiting processing
	SpoolDirectory string
	// Number of rows accumulated before a staging write is issued
	BatchSize int
	// Maximum number of attempts for storage calls that hit transient contention
	MaxAttempts int
	// Base delay for the linear retry backoff; attempt n waits n times this
	RetryBaseDelay time.Duration
	// Number of row errors retained per chunk in the persisted sample
	ErrorSampleSize int
	// Lifetime of idempotency records
	IdempotencyTTL time.Duration
	// How long processed staging rows are retained before being purged
	StagingRetention time.Duration
	// Interval between background sweeps (staging purge, idempotency reaping)
	SweepInterval time.Duration
	// Number of concurrent upload workers
	WorkerCount int
	// Maximum queued upload work items before submissions block
	QueueCapacity int
	// Per-invocation processing time budget; workers stop cleanly between
	// chunks once it is exceeded, leaving the remainder pending
	ChunkTimeBudget time.Duration
}

// ApplyDefaults fills in zero-valued fields with the documented defaults.
func (c *IngesterConfiguration) ApplyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.ErrorSampleSize <= 0 {
		c.ErrorSampleSize = 10
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.StagingRetention <= 0 {
		c.StagingRetention = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.ChunkTimeBudget <= 0 {
		c.ChunkTimeBudget = 9 * time.Minute
	}
	if c.SpoolDirectory == "" {
		c.SpoolDirectory = "/tmp/merchstream/uploads"
	}
}
