package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every runtime knob for the collectors, the projector,
// the sweeper and the two HTTP APIs. Values load in three layers:
// built-in defaults, then an optional YAML file (CONFIG_FILE), then
// environment variables. Environment always wins.
type Config struct {
	// Postgres.
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`

	// Pool sizing. The market pool serves collector writes and API
	// reads; the order pool serves the projector, the sweeper and the
	// order API.
	MarketPoolMin int `yaml:"market_pool_min"`
	MarketPoolMax int `yaml:"market_pool_max"`
	OrderPoolMin  int `yaml:"order_pool_min"`
	OrderPoolMax  int `yaml:"order_pool_max"`

	// Redis. Leaving RedisHost empty selects the in-process bus.
	RedisHost string `yaml:"redis_host"`
	RedisPort int    `yaml:"redis_port"`

	// HTTP.
	APIHost      string `yaml:"api_host"`
	APIPort      int    `yaml:"api_port"`
	OrderAPIPort int    `yaml:"order_api_port"`
	LogLevel     string `yaml:"log_level"`

	// WebSocket liveness, in seconds.
	WSPingInterval    int `yaml:"websocket_ping_interval"`
	WSPongTimeout     int `yaml:"websocket_pong_timeout"`
	WSCleanupInterval int `yaml:"websocket_cleanup_interval"`
	WSRefreshInterval int `yaml:"websocket_refresh_interval"`

	// Upstream market data.
	BinanceBaseURL   string   `yaml:"binance_base_url"`
	Symbols          []string `yaml:"symbols"`
	OrderbookSymbols []string `yaml:"orderbook_symbols"`
	StartDate        string   `yaml:"start_date"`
	BatchSize        int      `yaml:"batch_size"`

	KlinesRealtimeIntervalMS int `yaml:"klines_realtime_interval_ms"`
	KlinesRetryDelay         int `yaml:"klines_retry_delay"`
	KlinesMaxRetries         int `yaml:"klines_max_retries"`

	OrderbookLevels         int `yaml:"orderbook_levels"`
	OrderbookUpdateInterval int `yaml:"orderbook_update_interval"`
	OrderbookRetryDelay     int `yaml:"orderbook_retry_delay"`
	OrderbookMaxRetries     int `yaml:"orderbook_max_retries"`

	// Chain.
	Web3Provider   string `yaml:"web3_provider"`
	RouterAddress  string `yaml:"router_address"`
	TradingAddress string `yaml:"trading_address"`
	OracleAddress  string `yaml:"oracle_address"`

	// Projector and sweeper cadence, in seconds.
	ProjectorPollInterval int `yaml:"projector_poll_interval"`
	ProjectorErrorSleep   int `yaml:"projector_error_sleep"`
	SweepInterval         int `yaml:"sweep_interval"`
	SweepErrorSleep       int `yaml:"sweep_error_sleep"`
	CacheClearInterval    int `yaml:"cache_clear_interval"`
	HeartbeatInterval     int `yaml:"heartbeat_interval"`

	// Worker toggles.
	EnableCollectors bool `yaml:"enable_collectors"`
	EnableProjector  bool `yaml:"enable_projector"`
	EnableSweeper    bool `yaml:"enable_sweeper"`
	EnableMarketAPI  bool `yaml:"enable_market_api"`
	EnableOrderAPI   bool `yaml:"enable_order_api"`
}

func defaults() *Config {
	return &Config{
		DBHost:     "localhost",
		DBPort:     5432,
		DBName:     "crypto_data",
		DBUser:     "crypto_user",
		DBPassword: "crypto_pass",

		MarketPoolMin: 2,
		MarketPoolMax: 10,
		OrderPoolMin:  10,
		OrderPoolMax:  50,

		RedisHost: "",
		RedisPort: 6379,

		APIHost:      "0.0.0.0",
		APIPort:      8000,
		OrderAPIPort: 8080,
		LogLevel:     "INFO",

		WSPingInterval:    30,
		WSPongTimeout:     60,
		WSCleanupInterval: 120,
		WSRefreshInterval: 5,

		BinanceBaseURL:   "https://api.binance.com",
		Symbols:          []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "BNBUSDT"},
		OrderbookSymbols: nil, // defaults to Symbols
		StartDate:        "2024-01-01",
		BatchSize:        1000,

		KlinesRealtimeIntervalMS: 500,
		KlinesRetryDelay:         1,
		KlinesMaxRetries:         5,

		OrderbookLevels:         20,
		OrderbookUpdateInterval: 1,
		OrderbookRetryDelay:     1,
		OrderbookMaxRetries:     3,

		Web3Provider:   "http://localhost:8545",
		RouterAddress:  "0x8A791620dd6260079BF849Dc5567aDC3F2FdC318",
		TradingAddress: "0x610178dA211FEF7D417bC0e6FeD39F05609AD788",
		OracleAddress:  "0xa513E6E4b8f2a923D98304ec87F64353C4D5C853",

		ProjectorPollInterval: 5,
		ProjectorErrorSleep:   30,
		SweepInterval:         60,
		SweepErrorSleep:       120,
		CacheClearInterval:    3600,
		HeartbeatInterval:     300,

		EnableCollectors: true,
		EnableProjector:  true,
		EnableSweeper:    true,
		EnableMarketAPI:  true,
		EnableOrderAPI:   true,
	}
}

// Load builds the effective configuration. A missing CONFIG_FILE is not
// an error; a file that exists but fails to parse is.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if len(cfg.OrderbookSymbols) == 0 {
		cfg.OrderbookSymbols = cfg.Symbols
	}
	if _, err := time.Parse("2006-01-02", cfg.StartDate); err != nil {
		return nil, fmt.Errorf("invalid START_DATE %q: %w", cfg.StartDate, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DBHost = getEnv("DB_HOST", c.DBHost)
	c.DBPort = getEnvInt("DB_PORT", c.DBPort)
	c.DBName = getEnv("DB_NAME", c.DBName)
	c.DBUser = getEnv("DB_USER", c.DBUser)
	c.DBPassword = getEnv("DB_PASSWORD", c.DBPassword)

	c.MarketPoolMin = getEnvInt("MARKET_POOL_MIN", c.MarketPoolMin)
	c.MarketPoolMax = getEnvInt("MARKET_POOL_MAX", c.MarketPoolMax)
	c.OrderPoolMin = getEnvInt("ORDER_POOL_MIN", c.OrderPoolMin)
	c.OrderPoolMax = getEnvInt("ORDER_POOL_MAX", c.OrderPoolMax)

	c.RedisHost = getEnv("REDIS_HOST", c.RedisHost)
	c.RedisPort = getEnvInt("REDIS_PORT", c.RedisPort)

	c.APIHost = getEnv("API_HOST", c.APIHost)
	c.APIPort = getEnvInt("API_PORT", c.APIPort)
	c.OrderAPIPort = getEnvInt("ORDER_API_PORT", c.OrderAPIPort)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.WSPingInterval = getEnvInt("WEBSOCKET_PING_INTERVAL", c.WSPingInterval)
	c.WSPongTimeout = getEnvInt("WEBSOCKET_PONG_TIMEOUT", c.WSPongTimeout)
	c.WSCleanupInterval = getEnvInt("WEBSOCKET_CLEANUP_INTERVAL", c.WSCleanupInterval)
	c.WSRefreshInterval = getEnvInt("WEBSOCKET_REFRESH_INTERVAL", c.WSRefreshInterval)

	c.BinanceBaseURL = getEnv("BINANCE_BASE_URL", c.BinanceBaseURL)
	c.Symbols = getEnvCSV("SYMBOLS", c.Symbols)
	c.OrderbookSymbols = getEnvCSV("ORDERBOOK_SYMBOLS", c.OrderbookSymbols)
	c.StartDate = getEnv("START_DATE", c.StartDate)
	c.BatchSize = getEnvInt("BATCH_SIZE", c.BatchSize)

	c.KlinesRealtimeIntervalMS = getEnvInt("KLINES_REALTIME_INTERVAL_MS", c.KlinesRealtimeIntervalMS)
	c.KlinesRetryDelay = getEnvInt("KLINES_RETRY_DELAY", c.KlinesRetryDelay)
	c.KlinesMaxRetries = getEnvInt("KLINES_MAX_RETRIES", c.KlinesMaxRetries)

	c.OrderbookLevels = getEnvInt("ORDERBOOK_LEVELS", c.OrderbookLevels)
	c.OrderbookUpdateInterval = getEnvInt("ORDERBOOK_UPDATE_INTERVAL", c.OrderbookUpdateInterval)
	c.OrderbookRetryDelay = getEnvInt("ORDERBOOK_RETRY_DELAY", c.OrderbookRetryDelay)
	c.OrderbookMaxRetries = getEnvInt("ORDERBOOK_MAX_RETRIES", c.OrderbookMaxRetries)

	c.Web3Provider = getEnv("WEB3_PROVIDER", c.Web3Provider)
	c.RouterAddress = getEnv("ROUTER_ADDRESS", c.RouterAddress)
	c.TradingAddress = getEnv("TRADING_ADDRESS", c.TradingAddress)
	c.OracleAddress = getEnv("ORACLE_ADDRESS", c.OracleAddress)

	c.ProjectorPollInterval = getEnvInt("PROJECTOR_POLL_INTERVAL", c.ProjectorPollInterval)
	c.ProjectorErrorSleep = getEnvInt("PROJECTOR_ERROR_SLEEP", c.ProjectorErrorSleep)
	c.SweepInterval = getEnvInt("SWEEP_INTERVAL", c.SweepInterval)
	c.SweepErrorSleep = getEnvInt("SWEEP_ERROR_SLEEP", c.SweepErrorSleep)
	c.CacheClearInterval = getEnvInt("CACHE_CLEAR_INTERVAL", c.CacheClearInterval)
	c.HeartbeatInterval = getEnvInt("HEARTBEAT_INTERVAL", c.HeartbeatInterval)

	c.EnableCollectors = getEnvBool("ENABLE_COLLECTORS", c.EnableCollectors)
	c.EnableProjector = getEnvBool("ENABLE_PROJECTOR", c.EnableProjector)
	c.EnableSweeper = getEnvBool("ENABLE_SWEEPER", c.EnableSweeper)
	c.EnableMarketAPI = getEnvBool("ENABLE_MARKET_API", c.EnableMarketAPI)
	c.EnableOrderAPI = getEnvBool("ENABLE_ORDER_API", c.EnableOrderAPI)
}

// DatabaseURL renders the pgx connection string. The password is
// URL-escaped so punctuation in secrets survives.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword),
		c.DBHost, c.DBPort, c.DBName)
}

// RedactedDatabaseURL is DatabaseURL with the password masked, safe for
// startup logs.
func (c *Config) RedactedDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// RedisAddr returns host:port, or "" when Redis is not configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// StartTime parses StartDate as a UTC midnight instant. Load has
// already validated the format.
func (c *Config) StartTime() time.Time {
	t, _ := time.Parse("2006-01-02", c.StartDate)
	return t.UTC()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvCSV(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
