package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// PlatformProfile is the configuration bundle bound to one media source
// platform. Profiles are read-only during a job's lifetime; a reload produces
// a fresh snapshot with fresh profiles, never a mutation of a live one.
type PlatformProfile struct {
	Name      string
	Domains   []string
	Enabled   bool
	UseYtdlp  bool
	Formats   []string
	Cookies   string
	Proxy     string
	UserAgent string

	// Per-platform limit overrides; zero means inherit the global limit.
	MaxFileBytes     int64
	MaxDuration      time.Duration
	MaxAudioDuration time.Duration
}

// Limits holds global size/duration constraints.
type Limits struct {
	MaxFileBytes     int64
	MaxDuration      time.Duration
	MaxAudioDuration time.Duration
	PreviewDuration  time.Duration
}

// Providers holds credentials and endpoints for the image/gif query APIs.
type Providers struct {
	TenorKey      string
	UnsplashKey   string
	LexicaBaseURL string
	WaifuBaseURL  string
	Proxy         string
}

// Snapshot is one immutable view of the full configuration. In-flight jobs
// keep the snapshot they validated against; a reload swaps in a new one
// atomically and never touches an existing snapshot.
type Snapshot struct {
	ServerAddr string
	LogLevel   string
	WorkDir    string

	CommandPrefix    string
	PassiveDetection bool
	BatchProcessing  bool
	MaxMessageURLs   int

	QueueCapacity    int
	AcquireWorkers   int
	TranscodeWorkers int
	AcquireTimeout   time.Duration
	TranscodeTimeout time.Duration
	PublishRetries   int

	EnableLivestreamPreviews bool
	EnableThumbnailFallback  bool
	TargetVideoFormat        string
	TargetAudioFormat        string
	StandardizeMandatory     bool

	Limits        Limits
	TrackerParams []string
	Platforms     []PlatformProfile
	Providers     Providers

	YtdlpPath  string
	FfmpegPath string
	ProbePath  string

	RedisURL string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// Load builds a snapshot from the environment. A .env file in the working
// directory is merged in first, so local deployments don't need exported vars.
func Load() *Snapshot {
	_ = godotenv.Load()

	s := &Snapshot{
		ServerAddr: getEnvOrDefault("SERVER_ADDR", ":8080"),
		LogLevel:   getEnvOrDefault("LOG_LEVEL", "info"),
		WorkDir:    getEnvOrDefault("WORK_DIR", os.TempDir()),

		CommandPrefix:    getEnvOrDefault("COMMAND_PREFIX", "!"),
		PassiveDetection: envBool("PASSIVE_URL_DETECTION", true),
		BatchProcessing:  envBool("BATCH_PROCESSING", true),
		MaxMessageURLs:   envInt("MAX_MESSAGE_URLS", 3),

		QueueCapacity:    envInt("QUEUE_CAPACITY", 10),
		AcquireWorkers:   envInt("ACQUIRE_WORKERS", 3),
		TranscodeWorkers: envInt("TRANSCODE_WORKERS", 2),
		AcquireTimeout:   envDuration("ACQUIRE_TIMEOUT", 3*time.Minute),
		TranscodeTimeout: envDuration("TRANSCODE_TIMEOUT", 2*time.Minute),
		PublishRetries:   envInt("PUBLISH_RETRIES", 2),

		EnableLivestreamPreviews: envBool("ENABLE_LIVESTREAM_PREVIEWS", true),
		EnableThumbnailFallback:  envBool("ENABLE_THUMBNAIL_FALLBACK", true),
		TargetVideoFormat:        getEnvOrDefault("TARGET_VIDEO_FORMAT", "mp4"),
		TargetAudioFormat:        getEnvOrDefault("TARGET_AUDIO_FORMAT", "mp3"),
		StandardizeMandatory:     envBool("STANDARDIZE_MANDATORY", false),

		Limits: Limits{
			MaxFileBytes:     envInt64("MAX_FILE_BYTES", 100*1024*1024),
			MaxDuration:      envDuration("MAX_DURATION", 10*time.Minute),
			MaxAudioDuration: envDuration("MAX_AUDIO_DURATION", 30*time.Minute),
			PreviewDuration:  envDuration("PREVIEW_DURATION", 15*time.Second),
		},

		TrackerParams: envList("TRACKER_PARAMS", defaultTrackerParams),

		Providers: Providers{
			TenorKey:      os.Getenv("TENOR_API_KEY"),
			UnsplashKey:   os.Getenv("UNSPLASH_API_KEY"),
			LexicaBaseURL: getEnvOrDefault("LEXICA_BASE_URL", "https://lexica.art/api/v1"),
			WaifuBaseURL:  getEnvOrDefault("WAIFU_BASE_URL", "https://api.waifu.im"),
			Proxy:         os.Getenv("QUERY_PROXY"),
		},

		YtdlpPath:  getEnvOrDefault("YTDLP_PATH", "yt-dlp"),
		FfmpegPath: getEnvOrDefault("FFMPEG_PATH", "ffmpeg"),
		ProbePath:  getEnvOrDefault("FFPROBE_PATH", "ffprobe"),

		RedisURL: os.Getenv("REDIS_URL"),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnvOrDefault("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnvOrDefault("MINIO_BUCKET", "media-artifacts"),
		MinioUseSSL:    envBool("MINIO_USE_SSL", false),
	}

	s.Platforms = loadPlatforms()

	return s
}

// ProfileFor returns the profile whose domain list contains the given
// registrable domain, or nil when the platform is unknown.
func (s *Snapshot) ProfileFor(domain string) *PlatformProfile {
	for i := range s.Platforms {
		for _, d := range s.Platforms[i].Domains {
			if d == domain {
				return &s.Platforms[i]
			}
		}
	}
	return nil
}

// QueryProfile returns the profile used for media resolved from query
// providers. Query results are direct file URLs, so it never uses yt-dlp.
func (s *Snapshot) QueryProfile() *PlatformProfile {
	return &PlatformProfile{
		Name:     "query",
		Enabled:  true,
		UseYtdlp: false,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envInt64(key string, def int64) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
