// Package config loads the daemon configuration from the environment, an
// optional .env file and an optional YAML file. Environment variables win
// over the file, the file wins over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	TransportWebSocket = "ws"
	TransportAMQP      = "amqp"

	HistoryHTTP = "http"
	HistorySQL  = "sql"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Env         string
	LogLevel    string
	ServiceName string

	HTTPAddr     string
	ControlToken string
	CORSOrigins  []string
	RateRPS      float64
	RateBurst    int
	DebugRoutes  bool

	Credential string
	SelfID     string
	SelfName   string

	Transport         string
	WSEndpoint        string
	AMQPURL           string
	AMQPExchange      string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration

	SubscribePollInterval time.Duration
	SubscribePollAttempts int

	HistorySource  string
	BackendURL     string
	BackendTimeout time.Duration
	DatabaseDSN    string
	PageSize       int

	EventsAMQPURL  string
	EventsExchange string

	OTLPEndpoint string
}

// Load reads .env (when present), CONFIG_FILE (when set) and the
// environment, then validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		values, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = values
	}

	cfg, err := src.build()
	if err != nil {
		return Config{}, err
	}
	if cfg.SelfID == "" || cfg.SelfName == "" {
		id, name := identityFromToken(cfg.Credential)
		if cfg.SelfID == "" {
			cfg.SelfID = id
		}
		if cfg.SelfName == "" {
			cfg.SelfName = name
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (s source) build() (Config, error) {
	cfg := Config{
		Env:          s.str("APP_ENV", "dev"),
		LogLevel:     s.str("LOG_LEVEL", "info"),
		ServiceName:  s.str("SERVICE_NAME", "chat-sync"),
		HTTPAddr:     s.str("HTTP_ADDR", ":8083"),
		ControlToken: s.str("CONTROL_TOKEN", ""),
		CORSOrigins:  splitList(s.str("CORS_ORIGINS", "")),

		Credential: s.str("CHAT_TOKEN", ""),
		SelfID:     s.str("SELF_USER_ID", ""),
		SelfName:   s.str("SELF_USER_NAME", ""),

		Transport:    strings.ToLower(s.str("TRANSPORT", TransportWebSocket)),
		WSEndpoint:   s.str("WS_ENDPOINT", "ws://localhost:8080/ws"),
		AMQPURL:      s.str("AMQP_URL", ""),
		AMQPExchange: s.str("AMQP_EXCHANGE", "chat.broker"),

		HistorySource: strings.ToLower(s.str("HISTORY_SOURCE", HistoryHTTP)),
		BackendURL:    s.str("BACKEND_URL", "http://localhost:8080"),
		DatabaseDSN:   s.str("DB_DSN", ""),

		EventsAMQPURL:  s.str("EVENTS_AMQP_URL", ""),
		EventsExchange: s.str("EVENTS_EXCHANGE", "chat_sync.events"),

		OTLPEndpoint: s.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	var err error
	if cfg.RateRPS, err = s.float("RATE_LIMIT_RPS", 20); err != nil {
		return Config{}, err
	}
	if cfg.RateBurst, err = s.integer("RATE_LIMIT_BURST", 40); err != nil {
		return Config{}, err
	}
	if cfg.DebugRoutes, err = s.boolean("DEBUG_ROUTES", false); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectDelay, err = s.duration("RECONNECT_DELAY", 3*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = s.duration("HEARTBEAT_INTERVAL", 4*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.HandshakeTimeout, err = s.duration("HANDSHAKE_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SubscribePollInterval, err = s.duration("SUBSCRIBE_POLL_INTERVAL", 100*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.SubscribePollAttempts, err = s.integer("SUBSCRIBE_POLL_ATTEMPTS", 50); err != nil {
		return Config{}, err
	}
	if cfg.BackendTimeout, err = s.duration("BACKEND_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PageSize, err = s.integer("PAGE_SIZE", 20); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first problem found.
func (c Config) Validate() error {
	switch {
	case c.SelfID == "":
		return fmt.Errorf("%w: SELF_USER_ID is required (or a CHAT_TOKEN carrying a user id)", ErrInvalidConfig)
	case c.Transport != TransportWebSocket && c.Transport != TransportAMQP:
		return fmt.Errorf("%w: TRANSPORT must be %q or %q, got %q", ErrInvalidConfig, TransportWebSocket, TransportAMQP, c.Transport)
	case c.Transport == TransportWebSocket && c.WSEndpoint == "":
		return fmt.Errorf("%w: WS_ENDPOINT is required", ErrInvalidConfig)
	case c.Transport == TransportAMQP && c.AMQPURL == "":
		return fmt.Errorf("%w: AMQP_URL is required for the amqp transport", ErrInvalidConfig)
	case c.HistorySource != HistoryHTTP && c.HistorySource != HistorySQL:
		return fmt.Errorf("%w: HISTORY_SOURCE must be %q or %q, got %q", ErrInvalidConfig, HistoryHTTP, HistorySQL, c.HistorySource)
	case c.HistorySource == HistorySQL && c.DatabaseDSN == "":
		return fmt.Errorf("%w: DB_DSN is required for the sql history source", ErrInvalidConfig)
	case c.ReconnectDelay <= 0 || c.HeartbeatInterval <= 0 || c.SubscribePollInterval <= 0:
		return fmt.Errorf("%w: durations must be positive", ErrInvalidConfig)
	case c.SubscribePollAttempts < 1 || c.PageSize < 1:
		return fmt.Errorf("%w: SUBSCRIBE_POLL_ATTEMPTS and PAGE_SIZE must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// identityFromToken reads the user id and name out of the credential
// without verifying it. The broker and backend do the verification.
func identityFromToken(token string) (id, name string) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", ""
	}
	for _, key := range []string{"userId", "user_id", "id", "sub"} {
		if id = claimString(claims[key]); id != "" {
			break
		}
	}
	for _, key := range []string{"username", "userName", "preferred_username", "name"} {
		if name = claimString(claims[key]); name != "" {
			break
		}
	}
	return id, name
}

func claimString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

// source resolves a key from the environment first, then the YAML file.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	val, ok := s.file[key]
	return val, ok
}

func (s source) str(key, fallback string) string {
	if val, ok := s.lookup(key); ok {
		return val
	}
	return fallback
}

func (s source) duration(key string, fallback time.Duration) (time.Duration, error) {
	val, ok := s.lookup(key)
	if !ok || val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, val, err)
	}
	return d, nil
}

func (s source) integer(key string, fallback int) (int, error) {
	val, ok := s.lookup(key)
	if !ok || val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, val, err)
	}
	return n, nil
}

func (s source) float(key string, fallback float64) (float64, error) {
	val, ok := s.lookup(key)
	if !ok || val == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, val, err)
	}
	return f, nil
}

func (s source) boolean(key string, fallback bool) (bool, error) {
	val, ok := s.lookup(key)
	if !ok || val == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, val, err)
	}
	return b, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fileConfig is the YAML layout. Every field maps onto one environment key.
type fileConfig struct {
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"log_level"`
	ServiceName string `yaml:"service_name"`

	HTTP struct {
		Addr           string   `yaml:"addr"`
		ControlToken   string   `yaml:"control_token"`
		CORSOrigins    []string `yaml:"cors_origins"`
		RateLimitRPS   float64  `yaml:"rate_limit_rps"`
		RateLimitBurst int      `yaml:"rate_limit_burst"`
		DebugRoutes    bool     `yaml:"debug_routes"`
	} `yaml:"http"`

	Identity struct {
		Token    string `yaml:"token"`
		UserID   string `yaml:"user_id"`
		UserName string `yaml:"user_name"`
	} `yaml:"identity"`

	Transport struct {
		Kind              string `yaml:"kind"`
		Endpoint          string `yaml:"endpoint"`
		AMQPURL           string `yaml:"amqp_url"`
		Exchange          string `yaml:"exchange"`
		ReconnectDelay    string `yaml:"reconnect_delay"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		HandshakeTimeout  string `yaml:"handshake_timeout"`
	} `yaml:"transport"`

	Registry struct {
		PollInterval string `yaml:"poll_interval"`
		PollAttempts int    `yaml:"poll_attempts"`
	} `yaml:"registry"`

	History struct {
		Source      string `yaml:"source"`
		BackendURL  string `yaml:"backend_url"`
		Timeout     string `yaml:"timeout"`
		DatabaseDSN string `yaml:"database_dsn"`
		PageSize    int    `yaml:"page_size"`
	} `yaml:"history"`

	Events struct {
		AMQPURL  string `yaml:"amqp_url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"events"`

	Tracing struct {
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"tracing"`
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return fc.values(), nil
}

func (f fileConfig) values() map[string]string {
	out := map[string]string{}
	set := func(key, val string) {
		if val != "" {
			out[key] = val
		}
	}
	setInt := func(key string, val int) {
		if val != 0 {
			out[key] = strconv.Itoa(val)
		}
	}

	set("APP_ENV", f.Env)
	set("LOG_LEVEL", f.LogLevel)
	set("SERVICE_NAME", f.ServiceName)

	set("HTTP_ADDR", f.HTTP.Addr)
	set("CONTROL_TOKEN", f.HTTP.ControlToken)
	set("CORS_ORIGINS", strings.Join(f.HTTP.CORSOrigins, ","))
	if f.HTTP.RateLimitRPS != 0 {
		out["RATE_LIMIT_RPS"] = strconv.FormatFloat(f.HTTP.RateLimitRPS, 'f', -1, 64)
	}
	setInt("RATE_LIMIT_BURST", f.HTTP.RateLimitBurst)
	if f.HTTP.DebugRoutes {
		out["DEBUG_ROUTES"] = "true"
	}

	set("CHAT_TOKEN", f.Identity.Token)
	set("SELF_USER_ID", f.Identity.UserID)
	set("SELF_USER_NAME", f.Identity.UserName)

	set("TRANSPORT", f.Transport.Kind)
	set("WS_ENDPOINT", f.Transport.Endpoint)
	set("AMQP_URL", f.Transport.AMQPURL)
	set("AMQP_EXCHANGE", f.Transport.Exchange)
	set("RECONNECT_DELAY", f.Transport.ReconnectDelay)
	set("HEARTBEAT_INTERVAL", f.Transport.HeartbeatInterval)
	set("HANDSHAKE_TIMEOUT", f.Transport.HandshakeTimeout)

	set("SUBSCRIBE_POLL_INTERVAL", f.Registry.PollInterval)
	setInt("SUBSCRIBE_POLL_ATTEMPTS", f.Registry.PollAttempts)

	set("HISTORY_SOURCE", f.History.Source)
	set("BACKEND_URL", f.History.BackendURL)
	set("BACKEND_TIMEOUT", f.History.Timeout)
	set("DB_DSN", f.History.DatabaseDSN)
	setInt("PAGE_SIZE", f.History.PageSize)

	set("EVENTS_AMQP_URL", f.Events.AMQPURL)
	set("EVENTS_EXCHANGE", f.Events.Exchange)

	set("OTEL_EXPORTER_OTLP_ENDPOINT", f.Tracing.OTLPEndpoint)
	return out
}
