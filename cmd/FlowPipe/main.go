// Command FlowPipe runs the conversational flow engine: it receives contact messages from
// WhatsApp or Twilio, drives them through the configured flows and serves the HTTP API.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/observability"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultAppDBFileName is the default SQLite database filename for application data
	DefaultAppDBFileName = "flowpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultReloadCron reloads the flow catalog every minute
	DefaultReloadCron = "@every 1m"
	// DefaultSendRate is the per-recipient outgoing message rate per second
	DefaultSendRate = 1.0
	// DefaultSendBurst is the per-recipient outgoing burst
	DefaultSendBurst = 3
)

// Messaging backends.
const (
	BackendWhatsApp = "whatsapp"
	BackendTwilio   = "twilio"
	BackendMock     = "mock"
)

// logLevel is shared by the default handler so flags can change it after startup.
var logLevel = new(slog.LevelVar)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := setLogLevel(*flags.logLevel); err != nil {
		slog.Warn("Invalid log level, keeping debug", "error", err)
	}
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping FlowPipe", "backend", *flags.backend, "stateDir", *flags.stateDir)
	slog.Debug("Final configuration",
		"appDSNSet", *flags.appDSN != "", "whatsappDSNSet", *flags.whatsappDSN != "",
		"apiAddr", *flags.apiAddr, "redisSet", *flags.redisAddr != "", "botConfig", *flags.botConfig)

	if err := run(flags); err != nil {
		slog.Error("FlowPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	ApplicationDSN string
	WhatsAppDSN    string
	Backend        string
	OpenAIKey      string
	OpenAIBaseURL  string
	APIAddr        string
	RedisAddr      string
	BotConfigPath  string
	ReloadCron     string
	TraceExporter  string
	OTLPEndpoint   string
	OTLPHeaders    string
	LogLevel       string
	GenAIDebug     bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	appDSN        *string
	whatsappDSN   *string
	backend       *string
	openaiKey     *string
	openaiBaseURL *string
	apiAddr       *string
	redisAddr     *string
	botConfig     *string
	reloadCron    *string
	traceExporter *string
	otlpEndpoint  *string
	otlpHeaders   *string
	logLevel      *string
	genaiDebug    *bool
}

// initializeLogger sets up structured logging, at debug level until flags say otherwise
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

func setLogLevel(name string) error {
	if name == "" {
		return nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return err
	}
	logLevel.Set(l)
	return nil
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       os.Getenv("FLOWPIPE_STATE_DIR"),
		ApplicationDSN: util.FirstEnv("DATABASE_DSN", "DATABASE_URL"),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		Backend:        strings.ToLower(os.Getenv("MESSAGING_BACKEND")),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		APIAddr:        os.Getenv("API_ADDR"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		BotConfigPath:  os.Getenv("FLOWPIPE_BOT_CONFIG"),
		ReloadCron:     os.Getenv("FLOW_RELOAD_CRON"),
		TraceExporter:  os.Getenv("OTEL_TRACES_EXPORTER"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:    os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		GenAIDebug:     util.ParseBoolEnv("GENAI_DEBUG", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWPIPE_STATE_DIR set, using default", "defaultStateDir", config.StateDir)
	}

	if config.ApplicationDSN == "" {
		config.ApplicationDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application database DSN provided, defaulting to SQLite", "sqlitePath", config.ApplicationDSN)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = defaultWhatsAppDSN(config.StateDir)
	}

	if config.Backend == "" {
		config.Backend = BackendWhatsApp
		if util.ParseBoolEnv("USE_TWILIO", false) {
			config.Backend = BackendTwilio
		}
	}
	if config.ReloadCron == "" {
		config.ReloadCron = DefaultReloadCron
	}
	if config.TraceExporter == "" {
		config.TraceExporter = observability.ExporterNone
	}

	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"MESSAGING_BACKEND", config.Backend,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"FLOWPIPE_BOT_CONFIG", config.BotConfigPath,
		"FLOW_RELOAD_CRON", config.ReloadCron,
		"OTEL_TRACES_EXPORTER", config.TraceExporter)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlags(flag.CommandLine, config, os.Args[1:])
}

func parseFlags(fs *flag.FlagSet, config Config, args []string) Flags {
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)"),
		appDSN:        fs.String("db-dsn", config.ApplicationDSN, "application database DSN (overrides $DATABASE_DSN or $DATABASE_URL)"),
		whatsappDSN:   fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		backend:       fs.String("messaging", config.Backend, "messaging backend: whatsapp, twilio or mock (overrides $MESSAGING_BACKEND)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiBaseURL: fs.String("openai-base-url", config.OpenAIBaseURL, "OpenAI-compatible base URL (overrides $OPENAI_BASE_URL)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		redisAddr:     fs.String("redis-addr", config.RedisAddr, "Redis address for sessions and contact locks (overrides $REDIS_ADDR)"),
		botConfig:     fs.String("bot-config", config.BotConfigPath, "bot behaviour YAML file (overrides $FLOWPIPE_BOT_CONFIG)"),
		reloadCron:    fs.String("reload-cron", config.ReloadCron, "flow catalog reload schedule (overrides $FLOW_RELOAD_CRON)"),
		traceExporter: fs.String("trace-exporter", config.TraceExporter, "trace exporter: none, stdout or otlp (overrides $OTEL_TRACES_EXPORTER)"),
		otlpEndpoint:  fs.String("otlp-endpoint", config.OTLPEndpoint, "OTLP/HTTP collector host:port (overrides $OTEL_EXPORTER_OTLP_ENDPOINT)"),
		otlpHeaders:   fs.String("otlp-headers", config.OTLPHeaders, "OTLP headers k=v,k2=v2 (overrides $OTEL_EXPORTER_OTLP_HEADERS)"),
		logLevel:      fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
		genaiDebug:    fs.Bool("genai-debug", config.GenAIDebug, "write GenAI request/response pairs under <state-dir>/debug (overrides $GENAI_DEBUG)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"appDSNSet", *flags.appDSN != "",
		"backend", *flags.backend,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"reloadCron", *flags.reloadCron,
		"traceExporter", *flags.traceExporter)

	// Database paths follow a state directory given on the command line unless set explicitly
	if *flags.stateDir != config.StateDir {
		if *flags.appDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
			slog.Debug("Updated application DSN based on state directory", "stateDir", *flags.stateDir)
		}
		if *flags.whatsappDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDSN = defaultWhatsAppDSN(*flags.stateDir)
			slog.Debug("Updated WhatsApp DSN based on state directory", "stateDir", *flags.stateDir)
		}
	}

	return flags
}

// ensureDirectoriesExist creates the state directory and the directory of a file-based database
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", *flags.stateDir, err)
	}
	if store.DetectDSNType(*flags.appDSN) != "postgres" {
		dbDir := filepath.Dir(strings.TrimPrefix(*flags.appDSN, "file:"))
		slog.Debug("Creating directory for file-based database", "dir", dbDir)
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// buildTracingConfig constructs the OpenTelemetry exporter configuration
func buildTracingConfig(flags Flags) observability.TracingConfig {
	return observability.TracingConfig{
		ServiceName:  observability.DefaultServiceName,
		Exporter:     *flags.traceExporter,
		OTLPEndpoint: *flags.otlpEndpoint,
		OTLPHeaders:  observability.ParseHeaders(*flags.otlpHeaders),
		OTLPInsecure: util.ParseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", false),
	}
}
