// Tagflow - supervised tag server
//
// Admits source values into data and control tags, evaluates rule tags,
// supervises processes and equipment through alive timers, and republishes
// every change via MQTT, Valkey and Kafka.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tagflow/brokertest"
	"tagflow/config"
	"tagflow/engine"
	"tagflow/logging"
	"tagflow/metrics"
	"tagflow/web"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	envFile     = flag.String("env", ".env", "Path to an optional .env file")
	configPath  = flag.String("config", "", "Path to configuration file (default $TAGFLOW_CONFIG or ~/.tagflow/config.yaml)")
	showVersion = flag.Bool("version", false, "Show version and exit")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable HTTP server (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (overrides config)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log")

	// Stress test flags
	testBrokers  = flag.Bool("stress-test-republishing", false, "Run stress tests for the enabled publishers and exit")
	testDuration = flag.Duration("test-duration", 10*time.Second, "Duration for each publisher stress test")
	testTags     = flag.Int("test-tags", 1000, "Number of simulated tags for stress test")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("tagflow %s\n", Version)
		os.Exit(0)
	}

	// A missing .env is fine; a malformed one is not.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("TAGFLOW_CONFIG")
	}
	if path == "" {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// --namespace is persisted; TAGFLOW_NAMESPACE only applies to this run
	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	} else if ns := os.Getenv("TAGFLOW_NAMESPACE"); ns != "" {
		cfg.Namespace = ns
	}

	// Override web config from flags (in memory only)
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.Enabled = false
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *logDebug != "" {
		cfg.Log.Debug = *logDebug
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if *testBrokers {
		runBrokerTests(cfg)
		return
	}

	run(cfg, path)
}

// runBrokerTests stress tests every enabled publisher and exits non-zero on failure.
func runBrokerTests(cfg *config.Config) {
	runner := brokertest.NewRunner(cfg, brokertest.TestConfig{
		Duration: *testDuration,
		NumTags:  *testTags,
	}, os.Stdout)
	for _, result := range runner.Run() {
		if !result.Success {
			os.Exit(1)
		}
	}
}

func run(cfg *config.Config, path string) {
	// Set up file logging if configured
	var fileLogger *logging.FileLogger
	if cfg.Log.File != "" {
		var err error
		fileLogger, err = logging.NewRotatingFileLogger(cfg.Log.File, logging.RotateOptions{
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else {
			defer fileLogger.Close()
		}
	}

	logFn := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		fmt.Printf("%s %s\n", time.Now().Format("2006-01-02 15:04:05.000"), msg)
		if fileLogger != nil {
			fileLogger.Log("%s", msg)
		}
	}

	// Set up debug logging if requested
	if cfg.Log.Debug != "" {
		debugLogger, err := logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := cfg.Log.Debug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
			defer debugLogger.Close()
			if filter == "" {
				logFn("Debug logging enabled (all components) - writing to debug.log")
			} else {
				logFn("Debug logging enabled (filter: %s) - writing to debug.log", filter)
			}
		}
	}

	// Metrics registry with the process and Go runtime collectors
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		fmt.Fprintf(os.Stderr, "Error registering metrics: %v\n", err)
		os.Exit(1)
	}

	eng, err := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: path,
		LogFunc:    logFn,
		Metrics:    m,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	eng.Start()

	var webServer *web.Server
	if cfg.Web.Enabled {
		var gatherer prometheus.Gatherer
		if cfg.Metrics.Enabled {
			gatherer = reg
		}
		ws := web.NewServer(&cfg.Web, cfg.Metrics, eng, gatherer)
		if err := ws.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start web server on port %d: %v\n", cfg.Web.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
		} else {
			webServer = ws
			fmt.Printf("Web server at %s\n", ws.Address())
			fmt.Printf("  REST API: %s/api/\n", ws.Address())
			if cfg.Metrics.Enabled {
				fmt.Printf("  Metrics:  %s%s\n", ws.Address(), cfg.Metrics.Path)
			}
		}
	}

	fmt.Printf("Tagflow %s running (namespace %q). Press Ctrl+C to stop.\n", Version, cfg.Namespace)

	// SIGHUP rotates the log file; SIGINT/SIGTERM shut down
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if fileLogger != nil {
				if err := fileLogger.Rotate(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: log rotation failed: %v\n", err)
				}
			}
			continue
		}
		break
	}

	fmt.Println("\nShutting down...")
	if webServer != nil {
		webServer.Stop()
	}
	eng.Stop()
}
