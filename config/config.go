package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Browser BrowserConfig
	Listing ListingConfig
	Output  OutputConfig
	Run     RunConfig
	Server  ServerConfig
	Webhook WebhookConfig
	Log     LogConfig
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// DefaultProxy is the proxy URL for the browser.
	DefaultProxy string

	// Stealth injects the stealth script into every session page.
	Stealth bool // default: true

	// BlockedResourceTypes lists resource types to block.
	// default: ["Image", "Font", "Media"]
	BlockedResourceTypes []string

	// BlockAds drops requests to known ad and tracking hosts.
	BlockAds bool // default: true

	// Headers are extra HTTP headers sent with every request of a session.
	Headers map[string]string
}

// ListingConfig describes the paginated grid being scraped.
type ListingConfig struct {
	URL string // default: macrotrends stock screener

	// PageSize is the number of rows per page, used to reposition after a
	// recovery.
	PageSize int // default: 20

	// NavigationTimeout bounds loading the listing and finding its pager.
	NavigationTimeout time.Duration // default: 30s

	// SectionTimeout bounds a section tab switch.
	SectionTimeout time.Duration // default: 10s

	// PageTimeout bounds a page advance.
	PageTimeout time.Duration // default: 5s

	// PageRate caps page advances per second; 0 disables pacing.
	PageRate float64 // default: 0

	Selectors SelectorConfig
}

// SelectorConfig addresses the grid widget on the listing page.
type SelectorConfig struct {
	// GridID is the id of the grid widget. Rows are "row<i><GridID>".
	GridID string // default: "jqxGrid"

	// SectionTab is a CSS selector format with one %s for the section name.
	SectionTab string // default: "#columns_%s a"

	// PagerXPath locates the "first-last of total" indicator.
	PagerXPath string

	// NextXPath locates the next-page arrow.
	NextXPath string
}

// OutputConfig controls the persisted table.
type OutputConfig struct {
	CSVPath   string // default: "Output.csv"
	KeyColumn string // default: "Ticker"
}

// RunConfig controls the page loop.
type RunConfig struct {
	// MaxRecoveries bounds session restarts per run.
	MaxRecoveries int // default: 3

	// ParamMap is a YAML parameter map file; empty uses the built-in map.
	ParamMap string
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	// StatusAddr is the listen address; empty disables the server.
	StatusAddr string
	Mode       string // "debug", "release", "test"; default: "release"

	// APIKeys guards progress and metrics; empty leaves them open. Health
	// is always open.
	APIKeys []string
}

// WebhookConfig controls run lifecycle notifications.
type WebhookConfig struct {
	URL    string
	Secret string
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // "none", "debug", "info", "warn", "error"; default: "info"
	Format string // "json" or "text"; default: "json"
}

const (
	DefaultURL        = "https://www.macrotrends.net/stocks/stock-screener"
	DefaultPagerXPath = "//*[@id='pagerjqxGrid']/div/div[6]"
	DefaultNextXPath  = "/html/body/div[1]/div[4]/div[2]/div/div/div/div/div[10]/div/div[4]/div"
)

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Browser: BrowserConfig{
			Headless:     envBoolOr("SCREENER_HEADLESS", true),
			NoSandbox:    envBoolOr("SCREENER_NO_SANDBOX", false),
			BrowserBin:   os.Getenv("SCREENER_BROWSER_BIN"),
			DefaultProxy: os.Getenv("SCREENER_PROXY"),
			Stealth:      envBoolOr("SCREENER_STEALTH", true),
			BlockedResourceTypes: envSliceOr("SCREENER_BLOCKED_RESOURCES", []string{
				"Image", "Font", "Media",
			}),
			BlockAds: envBoolOr("SCREENER_BLOCK_ADS", true),
			Headers:  envMapOr("SCREENER_HEADERS", nil),
		},
		Listing: ListingConfig{
			URL:               envOr("SCREENER_URL", DefaultURL),
			PageSize:          envIntOr("SCREENER_PAGE_SIZE", 20),
			NavigationTimeout: envDurationOr("SCREENER_NAV_TIMEOUT", 30*time.Second),
			SectionTimeout:    envDurationOr("SCREENER_SECTION_TIMEOUT", 10*time.Second),
			PageTimeout:       envDurationOr("SCREENER_PAGE_TIMEOUT", 5*time.Second),
			PageRate:          envFloatOr("SCREENER_PAGE_RATE", 0),
			Selectors: SelectorConfig{
				GridID:     envOr("SCREENER_GRID_ID", "jqxGrid"),
				SectionTab: envOr("SCREENER_SECTION_TAB", "#columns_%s a"),
				PagerXPath: envOr("SCREENER_PAGER_XPATH", DefaultPagerXPath),
				NextXPath:  envOr("SCREENER_NEXT_XPATH", DefaultNextXPath),
			},
		},
		Output: OutputConfig{
			CSVPath:   envOr("SCREENER_OUTPUT_CSV", "Output.csv"),
			KeyColumn: envOr("SCREENER_KEY_COLUMN", "Ticker"),
		},
		Run: RunConfig{
			MaxRecoveries: envIntOr("SCREENER_MAX_RECOVERIES", 3),
			ParamMap:      os.Getenv("SCREENER_PARAM_MAP"),
		},
		Server: ServerConfig{
			StatusAddr: os.Getenv("SCREENER_STATUS_ADDR"),
			Mode:       envOr("SCREENER_MODE", "release"),
			APIKeys:    envSliceOr("SCREENER_STATUS_KEYS", nil),
		},
		Webhook: WebhookConfig{
			URL:    os.Getenv("SCREENER_WEBHOOK_URL"),
			Secret: os.Getenv("SCREENER_WEBHOOK_SECRET"),
		},
		Log: LogConfig{
			Level:  envOr("SCREENER_LOG_LEVEL", "info"),
			Format: envOr("SCREENER_LOG_FORMAT", "json"),
		},
	}
}

// NormalizeCSVPath appends ".csv" to path unless it already ends with it.
func NormalizeCSVPath(path string) string {
	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		return path
	}
	return path + ".csv"
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}

// envMapOr parses "Key=Value,Other=Value" pairs. Entries without "=" are
// ignored.
func envMapOr(key string, fallback map[string]string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	result := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		result[k] = strings.TrimSpace(val)
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}
