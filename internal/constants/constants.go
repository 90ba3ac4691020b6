package constants

import "time"

const (
	AgentName    = "splatsync"
	AgentVersion = "0.1.0"
)

const (
	ExternalAPITimeout = 10 * time.Second
	SigningAPITimeout  = 30 * time.Second
	UploadTimeout      = 30 * time.Second
	ShutdownTimeout    = 10 * time.Second
)

const (
	// DetailFetchWorkers bounds concurrent detail queries against the
	// vendor API.
	DetailFetchWorkers = 2
)

const (
	// Scraped version strings change rarely; derived-token validity is
	// probed, never inferred from a TTL.
	WebViewVersionTTL = 1 * time.Hour
)

const (
	GameWebTokenLength = 926
	BulletTokenLength  = 124
	StatInkKeyLength   = 43
)

const (
	DefaultMonitorInterval = 300 * time.Second
	MinMonitorInterval     = 60 * time.Second

	// UploadLeeway: a 201 whose created_at is older than this means the
	// record already existed server-side.
	UploadLeeway = 5 * time.Second
)
