package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey    = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderRequestID = "X-Request-ID"
	ContentTypeJSON = "application/json"
)

// API paths
const (
	PathHealthz  = "/healthz"
	PathJobs     = "/v1/jobs"
	PathProfiles = "/v1/profiles"
	PathClips    = "/clips/"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	SQLiteBusyTimeoutMS  = 5000
)

// External tools
const (
	YtDlpExecutable  = "yt-dlp"
	FFmpegExecutable = "ffmpeg"
)

// MIME types
const (
	MimeVideoMP4  = "video/mp4"
	MimeVideoWebM = "video/webm"
	MimeVideoMOV  = "video/quicktime"
	MimeVideoMKV  = "video/x-matroska"
	MimeOctet     = "application/octet-stream"
)

// File and directory names
const (
	SourceBaseName = "source"
	ClipBaseName   = "clip"
	TempFileSuffix = ".tmp"
)

// Environment variables
const (
	EnvConfigPath    = "CLIPFORGE_CONFIG"
	EnvClientURL     = "CLIENT_URL" // browser origin allowed by CORS when none is configured
	EnvTestRedisAddr = "CLIPFORGE_TEST_REDIS_ADDR"
)
