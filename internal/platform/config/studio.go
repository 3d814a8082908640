package config

import "time"

// Studio holds every tunable of the studio process. Zero values are replaced
// by the defaults below when read through FromEnv.
type Studio struct {
	Addr      string
	LogLevel  string
	LogFormat string

	DirectoryBaseURL string
	DirectoryTimeout time.Duration

	IngestURL          string
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	DrainTimeout       time.Duration
	SendQueue          int
	ReconnectInitial   time.Duration
	ReconnectMax       time.Duration
	ReconnectFactor    float64
	ReconnectAttempts  int
	ChunkInterval      time.Duration
	CaptureSource      string
	CaptureCommand     string
	StreamTitle        string
	StreamDescription  string
	ManifestTemplate   string
	PlaybackOutputDir  string
	LiveSyncCount      int
	MaxBufferLength    time.Duration
	RecoveryWindow     time.Duration
	PlaybackFetchLimit time.Duration
	PlaybackAutoplay   bool
	PlayerCommand      string
	DirectoryToken     string
}

// FromEnv reads the studio configuration from the environment. Call Load
// first to pick up a .env file.
func FromEnv() Studio {
	return Studio{
		Addr:      GetEnv("STUDIO_ADDR", ":8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		DirectoryBaseURL: GetEnv("DIRECTORY_BASE_URL", "http://localhost:5000"),
		DirectoryTimeout: GetEnvDuration("DIRECTORY_TIMEOUT", 10*time.Second),

		IngestURL:          GetEnv("INGEST_URL", "ws://localhost:5000/ingest"),
		HandshakeTimeout:   GetEnvDuration("TRANSPORT_HANDSHAKE_TIMEOUT", 20*time.Second),
		WriteTimeout:       GetEnvDuration("TRANSPORT_WRITE_TIMEOUT", 5*time.Second),
		DrainTimeout:       GetEnvDuration("TRANSPORT_DRAIN_TIMEOUT", 2*time.Second),
		SendQueue:          GetEnvInt("TRANSPORT_SEND_QUEUE", 32),
		ReconnectInitial:   GetEnvDuration("TRANSPORT_RECONNECT_INITIAL", time.Second),
		ReconnectMax:       GetEnvDuration("TRANSPORT_RECONNECT_MAX", 8*time.Second),
		ReconnectFactor:    GetEnvFloat("TRANSPORT_RECONNECT_FACTOR", 2),
		ReconnectAttempts:  GetEnvInt("TRANSPORT_RECONNECT_ATTEMPTS", 3),
		ChunkInterval:      GetEnvDuration("CAPTURE_CHUNK_INTERVAL", 500*time.Millisecond),
		CaptureSource:      GetEnv("CAPTURE_SOURCE", ""),
		CaptureCommand:     GetEnv("CAPTURE_COMMAND", ""),
		StreamTitle:        GetEnv("STREAM_TITLE", "Live Stream"),
		StreamDescription:  GetEnv("STREAM_DESCRIPTION", "Browser-based live stream"),
		ManifestTemplate:   GetEnv("PLAYBACK_MANIFEST_TEMPLATE", "http://localhost:5000/hls/{streamId}/index.m3u8"),
		PlaybackOutputDir:  GetEnv("PLAYBACK_OUTPUT_DIR", "recordings"),
		LiveSyncCount:      GetEnvInt("PLAYBACK_LIVE_SYNC_COUNT", 3),
		MaxBufferLength:    GetEnvDuration("PLAYBACK_MAX_BUFFER", 10*time.Second),
		RecoveryWindow:     GetEnvDuration("PLAYBACK_RECOVERY_WINDOW", 5*time.Second),
		PlaybackFetchLimit: GetEnvDuration("PLAYBACK_FETCH_TIMEOUT", 10*time.Second),
		PlaybackAutoplay:   GetEnvBool("PLAYBACK_AUTOPLAY", true),
		PlayerCommand:      GetEnv("PLAYBACK_PLAYER_COMMAND", ""),
		DirectoryToken:     GetEnv("DIRECTORY_TOKEN", ""),
	}
}
