package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-intake/internal/blob"
	"github.com/zombor/receipt-intake/internal/extraction"
	"github.com/zombor/receipt-intake/internal/job"
	"github.com/zombor/receipt-intake/internal/receipt"
	"github.com/zombor/receipt-intake/internal/scanning"
	"github.com/zombor/receipt-intake/internal/worker"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

const shutdownTimeout = 30 * time.Second

type options struct {
	port        int
	logLevel    string
	authUsers   string
	uploadRate  float64
	uploadBurst int

	store         string
	dbPath        string
	catalogPath   string
	databaseURL   string
	redisAddr     string
	redisPassword string
	redisDB       int

	storagePath string
	stagingPath string
	s3          blob.S3Config

	vision          string
	geminiKey       string
	geminiModel     string
	ollamaURL       string
	ollamaModel     string
	ollamaTextModel string
	noFallback      bool
	ocrCommand      string
	textParser      string
	visionRetries   int
	visionBackoff   time.Duration
	merchantAliases string

	worker worker.Config
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid --log-level %q\n", opts.logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	defaults := worker.DefaultConfig()
	fs := ff.NewFlagSet("receipt-intake")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		authUsers   = fs.StringLong("auth-users", "", "Basic auth users as user:pass,user2:pass2 (optional; without it the X-Owner-ID header names the owner)")
		uploadRate  = fs.Float64Long("upload-rate", 1, "Per-owner uploads per second (0 disables limiting)")
		uploadBurst = fs.IntLong("upload-burst", 10, "Per-owner upload burst")

		store         = fs.StringLong("store", "bolt", "Job store: 'bolt', 'postgres' or 'redis'")
		dbPath        = fs.StringLong("db", "receipt-intake.db", "Job database file path (bolt store)")
		catalogPath   = fs.StringLong("catalog", "receipts.db", "Receipt catalog file path")
		databaseURL   = fs.StringLong("database-url", "", "Postgres connection URL (postgres store)")
		redisAddr     = fs.StringLong("redis-addr", "localhost:6379", "Redis address (redis store)")
		redisPassword = fs.StringLong("redis-password", "", "Redis password")
		redisDB       = fs.IntLong("redis-db", 0, "Redis database number")

		storagePath = fs.StringLong("storage", "./receipts", "Local archive directory for finalized images")
		stagingPath = fs.StringLong("staging", "./staging", "Local staging directory for uploads")
		s3Bucket    = fs.StringLong("s3-bucket", "", "S3 bucket for images (optional; enables remote storage)")
		s3Endpoint  = fs.StringLong("s3-endpoint", "", "S3-compatible endpoint URL (R2, MinIO)")
		s3Region    = fs.StringLong("s3-region", "auto", "S3 region")
		s3AccessKey = fs.StringLong("s3-access-key", "", "S3 access key ID")
		s3SecretKey = fs.StringLong("s3-secret-key", "", "S3 secret access key")
		s3PublicURL = fs.StringLong("s3-public-url", "", "Public base URL for stored objects")

		vision          = fs.StringLong("vision", "gemini", "Vision recognizer: 'gemini' or 'ollama'")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "llava", "Ollama vision model name (e.g., llava, llava-phi3, bakllava, qwen2-vl)")
		ollamaTextModel = fs.StringLong("ollama-text-model", "", "Ollama model for parsing OCR text (defaults to the vision model)")
		noFallback      = fs.BoolLong("no-fallback", "Disable the OCR fallback tier")
		ocrCommand      = fs.StringLong("ocr-command", "", "OCR program, called with the image path and printing {\"success\":..,\"text\":..}")
		textParser      = fs.StringLong("text-parser", "none", "Parser for OCR text: 'gemini', 'ollama' or 'none' (heuristics only)")
		visionRetries   = fs.IntLong("vision-retries", 3, "Retries when the vision provider is rate limited")
		visionBackoff   = fs.DurationLong("vision-backoff", time.Second, "Initial backoff between vision retries, doubled each time")
		merchantAliases = fs.StringLong("merchant-aliases", "", "Extra merchant aliases as alias=Canonical,...")

		pollIntervalMs     = fs.IntLong("poll-interval-ms", defaults.PollIntervalMs, "Milliseconds between scheduler polls")
		maxConcurrentJobs  = fs.IntLong("max-concurrent-jobs", defaults.MaxConcurrentJobs, "Jobs processed at once")
		maxAttempts        = fs.IntLong("max-attempts", defaults.MaxAttempts, "Attempts before a job fails for good")
		completedRetention = fs.IntLong("completed-retention-days", defaults.CompletedRetentionDays, "Days to keep completed jobs")
		failedRetention    = fs.IntLong("failed-retention-days", defaults.FailedRetentionDays, "Days to keep failed jobs")
		retentionInterval  = fs.DurationLong("retention-interval", defaults.RetentionInterval, "Time between retention cleanups")
		downloadTimeout    = fs.DurationLong("download-timeout", defaults.DownloadTimeout, "Timeout for reading a staged upload")
		recognitionTimeout = fs.DurationLong("recognition-timeout", defaults.RecognitionTimeout, "Timeout for each recognition call (vision scan, OCR run, text parse)")
		compressTimeout    = fs.DurationLong("compress-timeout", defaults.CompressTimeout, "Timeout for compressing one image")
		uploadTimeout      = fs.DurationLong("upload-timeout", defaults.UploadTimeout, "Timeout for storing one finalized image")

		_ = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("RECEIPT_INTAKE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, err
	}

	return &options{
		port:        *port,
		logLevel:    *logLevel,
		authUsers:   *authUsers,
		uploadRate:  *uploadRate,
		uploadBurst: *uploadBurst,

		store:         *store,
		dbPath:        *dbPath,
		catalogPath:   *catalogPath,
		databaseURL:   *databaseURL,
		redisAddr:     *redisAddr,
		redisPassword: *redisPassword,
		redisDB:       *redisDB,

		storagePath: *storagePath,
		stagingPath: *stagingPath,
		s3: blob.S3Config{
			Bucket:          *s3Bucket,
			Region:          *s3Region,
			Endpoint:        *s3Endpoint,
			AccessKeyID:     *s3AccessKey,
			SecretAccessKey: *s3SecretKey,
			PublicURL:       *s3PublicURL,
		},

		vision:          *vision,
		geminiKey:       *geminiKey,
		geminiModel:     *geminiModel,
		ollamaURL:       *ollamaURL,
		ollamaModel:     *ollamaModel,
		ollamaTextModel: *ollamaTextModel,
		noFallback:      *noFallback,
		ocrCommand:      *ocrCommand,
		textParser:      *textParser,
		visionRetries:   *visionRetries,
		visionBackoff:   *visionBackoff,
		merchantAliases: *merchantAliases,

		worker: worker.Config{
			PollIntervalMs:         *pollIntervalMs,
			MaxConcurrentJobs:      *maxConcurrentJobs,
			MaxAttempts:            *maxAttempts,
			CompletedRetentionDays: *completedRetention,
			FailedRetentionDays:    *failedRetention,
			RetentionInterval:      *retentionInterval,
			DownloadTimeout:        *downloadTimeout,
			RecognitionTimeout:     *recognitionTimeout,
			CompressTimeout:        *compressTimeout,
			UploadTimeout:          *uploadTimeout,
		},
	}, nil
}

func run(ctx context.Context, opts *options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := opts.worker.Validate(); err != nil {
		return err
	}
	users, err := receipt.ParseAuthUsers(opts.authUsers)
	if err != nil {
		return err
	}

	slog.Info("Initializing job store...", "store", opts.store)
	store, err := openJobStore(ctx, opts)
	if err != nil {
		return fmt.Errorf("initializing job store: %w", err)
	}
	defer store.Close()

	slog.Info("Initializing receipt catalog...", "path", opts.catalogPath)
	catalog, err := receipt.NewBoltDB(opts.catalogPath)
	if err != nil {
		return fmt.Errorf("initializing catalog: %w", err)
	}
	defer catalog.Close()

	slog.Info("Initializing storage...")
	adapter, err := newBlobAdapter(ctx, opts)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	pipeline, closeRecognizers, err := newPipeline(ctx, opts)
	if err != nil {
		return fmt.Errorf("initializing recognition: %w", err)
	}
	defer closeRecognizers()

	jobs := job.NewService(store, adapter)
	processor := worker.NewProcessor(store, pipeline, adapter, opts.worker, nil, nil)
	scheduler, err := worker.NewScheduler(store, processor, opts.worker, nil, nil)
	if err != nil {
		return err
	}

	receiptService := receipt.NewService(catalog, jobs, adapter)
	server := receipt.NewServer(receiptService, receipt.ServerConfig{
		Users:       users,
		UploadRate:  opts.uploadRate,
		UploadBurst: opts.uploadBurst,
	})

	addr := fmt.Sprintf(":%d", opts.port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(ctx)
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if len(users) > 0 {
		slog.Info("Basic auth enabled", "users", len(users))
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
		cancel()
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	<-schedulerDone
	if err := adapter.Tasks().Wait(shutdownCtx); err != nil {
		slog.Warn("Background storage tasks still running", "error", err)
	}
	slog.Info("Stopped", "background_task_failures", adapter.Tasks().Failures())
	return runErr
}

func openJobStore(ctx context.Context, opts *options) (job.Store, error) {
	switch opts.store {
	case "bolt":
		return job.NewBoltStore(opts.dbPath, nil)
	case "postgres":
		if opts.databaseURL == "" {
			return nil, errors.New("--database-url is required for the postgres store")
		}
		return job.NewPostgresStore(ctx, opts.databaseURL, nil)
	case "redis":
		return job.NewRedisStore(ctx, job.RedisConfig{
			Addr:     opts.redisAddr,
			Password: opts.redisPassword,
			DB:       opts.redisDB,
		}, nil)
	default:
		return nil, fmt.Errorf("invalid store %q, valid: bolt, postgres or redis", opts.store)
	}
}

func newBlobAdapter(ctx context.Context, opts *options) (*blob.Adapter, error) {
	archive, err := blob.NewLocalStore(opts.storagePath)
	if err != nil {
		return nil, err
	}
	staging, err := blob.NewLocalStore(opts.stagingPath)
	if err != nil {
		return nil, err
	}

	var remote blob.Store
	if opts.s3.Bucket != "" {
		s3Store, err := blob.NewS3Store(ctx, opts.s3)
		if err != nil {
			return nil, err
		}
		remote = s3Store
		slog.Info("Remote storage enabled", "bucket", opts.s3.Bucket, "endpoint", opts.s3.Endpoint)
	}

	return blob.NewAdapter(remote, archive, staging, blob.NewTasks(blob.DefaultTaskTimeout)), nil
}

// newPipeline builds the vision tier and, unless disabled, the OCR tier.
// The returned func closes the recognizers.
func newPipeline(ctx context.Context, opts *options) (*extraction.Pipeline, func(), error) {
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	var gemini *scanning.Gemini
	geminiClient := func() (*scanning.Gemini, error) {
		if gemini != nil {
			return gemini, nil
		}
		apiKey := opts.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required, set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini...", "model", opts.geminiModel)
		g, err := scanning.NewGemini(ctx, apiKey, opts.geminiModel)
		if err != nil {
			return nil, err
		}
		gemini = g
		closers = append(closers, g.Close)
		return g, nil
	}

	var ollama *scanning.Ollama
	ollamaClient := func() (*scanning.Ollama, error) {
		if ollama != nil {
			return ollama, nil
		}
		slog.Info("Initializing Ollama...", "url", opts.ollamaURL, "model", opts.ollamaModel)
		o, err := scanning.NewOllama(opts.ollamaURL, opts.ollamaModel)
		if err != nil {
			return nil, err
		}
		if opts.ollamaTextModel != "" {
			o = o.WithTextModel(opts.ollamaTextModel)
		}
		ollama = o
		closers = append(closers, o.Close)
		return o, nil
	}

	var scanner scanning.Scanner
	switch opts.vision {
	case "gemini":
		g, err := geminiClient()
		if err != nil {
			return nil, closeAll, err
		}
		scanner = g
	case "ollama":
		o, err := ollamaClient()
		if err != nil {
			return nil, closeAll, err
		}
		scanner = o
	default:
		return nil, closeAll, fmt.Errorf("invalid vision recognizer %q, valid: gemini or ollama", opts.vision)
	}

	tiers := []extraction.Tier{
		extraction.NewVisionTier(opts.vision, scanner,
			extraction.WithRetryPolicy(extraction.RetryPolicy{Retries: opts.visionRetries, Backoff: opts.visionBackoff}),
			extraction.WithCallTimeout(opts.worker.RecognitionTimeout),
		),
	}

	switch {
	case opts.noFallback:
		slog.Info("OCR fallback disabled")
	case opts.ocrCommand == "":
		slog.Warn("No --ocr-command set, OCR fallback disabled")
	default:
		fields := strings.Fields(opts.ocrCommand)
		ocr := scanning.NewOCRCommand(fields[0], fields[1:]...)

		var parser scanning.TextParser
		switch opts.textParser {
		case "gemini":
			g, err := geminiClient()
			if err != nil {
				return nil, closeAll, err
			}
			parser = g
		case "ollama":
			o, err := ollamaClient()
			if err != nil {
				return nil, closeAll, err
			}
			parser = o
		case "none", "":
		default:
			return nil, closeAll, fmt.Errorf("invalid text parser %q, valid: gemini, ollama or none", opts.textParser)
		}
		tiers = append(tiers, extraction.NewTextTier("ocr", ocr, parser, opts.worker.RecognitionTimeout))
		slog.Info("OCR fallback enabled", "command", fields[0], "text_parser", opts.textParser)
	}

	aliases, err := parseAliases(opts.merchantAliases)
	if err != nil {
		return nil, closeAll, err
	}
	return extraction.NewPipeline(extraction.NewCleaner(aliases), tiers...), closeAll, nil
}

// parseAliases parses "alias=Canonical,alias2=Canonical2"
func parseAliases(s string) (map[string]string, error) {
	aliases := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		alias, canonical, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(alias) == "" || strings.TrimSpace(canonical) == "" {
			return nil, fmt.Errorf("invalid merchant alias %q, expected alias=Canonical", pair)
		}
		aliases[strings.TrimSpace(alias)] = strings.TrimSpace(canonical)
	}
	return aliases, nil
}
