package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDataDir     = "./data/tileproxy"
	DefaultMaxMemoryMB = 48
	DefaultEnv         = "development"
)

// Resolution ladder. Every tile array is keyed by one of these bucket sizes so
// axis labels land on human-readable boundaries.
var NiceBucketsMs = []int64{
	1_000,       // 1s
	5_000,       // 5s
	15_000,      // 15s
	30_000,      // 30s
	60_000,      // 1m
	300_000,     // 5m
	900_000,     // 15m
	1_800_000,   // 30m
	3_600_000,   // 1h
	10_800_000,  // 3h
	21_600_000,  // 6h
	43_200_000,  // 12h
	86_400_000,  // 1d
	604_800_000, // 1w
}

// Coverage thresholds (percent).
//
// VisibleGapThreshold matches ExactCoverageThreshold so that a viewport the
// planner considers loaded always renders from exact data.
const (
	ExactCoverageThreshold = 95.0
	StaleCoverageThreshold = 80.0
	VisibleGapThreshold    = 95.0
	FullCoverageTolerance  = 99.9
)

// Resampling ratio bounds (target bucket / source bucket).
const (
	DownsampleRatio = 1.5
	UpsampleRatio   = 0.66
)

// Planner defaults
const (
	DefaultPrefetchMargin = 0.3
)

// Fetch orchestration
const (
	MaxConcurrentFetches = 4
	FetchDedupeWindow    = 250 * time.Millisecond
	FetchTimeout         = 30 * time.Second
	FetchMaxRetries      = 2
	FetchRetryBaseDelay  = 250 * time.Millisecond
	ErrorTileTTL         = 1 * time.Minute
)

// Bin source limits
const (
	MaxBinsPerRequest   = 10000
	MaxFieldNameLength  = 256
	MaxQuerySpan        = 400 * 24 * time.Hour
	MaxBinsPerQuery     = 50000
	SourceQueryTimeout  = 10 * time.Second
	SourceIngestTimeout = 5 * time.Second
	SourceChunkMs       = 3_600_000 // badger stores one compressed chunk per field-hour
	SourceGCDiscard     = 0.5
)

// Scheduled jobs (cron specs)
const (
	BadgerGCSchedule    = "@every 10m"
	ErrorExpirySchedule = "@every 30s"
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Export limits
const (
	MaxExportBins = 100000
)
