package main

/*
Target architecture:

Incoming REST call --> http.go
Each handler parses its parameters and calls into the coordinator, which is
the single entry point of the collection and caching layer (internal/).
The handlers never touch the cache store or the collector directly.
*/

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fleetinsight/fleetinsight/internal/audit"
	"github.com/fleetinsight/fleetinsight/internal/cachestore"
	"github.com/fleetinsight/fleetinsight/internal/collector"
	"github.com/fleetinsight/fleetinsight/internal/coordinator"
	"github.com/fleetinsight/fleetinsight/internal/diagnostics"
	"github.com/fleetinsight/fleetinsight/internal/freshness"
	"github.com/fleetinsight/fleetinsight/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/mem"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	_ "net/http/pprof"
)

var buildtime string
var shutdownEnabled bool

var (
	coord   *coordinator.Coordinator
	store   *cachestore.Store
	tracker *metrics.Tracker
)

func main() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	log := logger.New(logLevel)
	defer func(logger *zap.SugaredLogger) {
		_ = logger.Sync()
	}(log)

	zap.S().Infof("This is fleetinsight build date: %s", buildtime)

	diagnostics.InitTracing()
	go func() {
		/* #nosec G114 */
		_ = http.ListenAndServe("localhost:1338", nil) // pprof
	}()

	backend := initCacheBackend()
	store = initStore(backend)
	tracker = initTracker(backend)
	policy := initPolicy()
	recorder := initAuditRecorder()
	gatherer := initCollector()

	var options []coordinator.Option
	coalesce, err := env.GetAsBool("ENABLE_COALESCING", false, false)
	if err != nil {
		zap.S().Errorf("Cannot parse ENABLE_COALESCING: %s", err)
	}
	if coalesce {
		options = append(options, coordinator.WithCoalescing())
	}
	coord = coordinator.New(store, policy, tracker, recorder, gatherer, options...)

	initHealthCheck(backend, recorder)

	version, _ := env.GetAsString("VERSION", false, "1") //nolint:errcheck
	go SetupRestAPI(loadAccounts(), version)

	// Allow graceful shutdown
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)

	go func() {
		// Kubernetes sends SIGTERM 30 seconds before shutting down the pod
		sig := <-sigs
		zap.S().Infof("Received SIGTERM: %v", sig)
		ShutdownApplicationGraceful(backend, recorder)
	}()

	select {} // block forever
}

func initCacheBackend() cachestore.Backend {
	dryRun, _ := env.GetAsBool("DRY_RUN", false, false) //nolint:errcheck
	if dryRun {
		zap.S().Infof("Running cache in DRY_RUN mode, using the in-process memory backend")
		return cachestore.NewMemoryBackend()
	}

	redisURI, err := env.GetAsString("REDIS_URI", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get REDIS_URI from env: %s", err)
	}
	redisURI2, _ := env.GetAsString("REDIS_URI2", false, "")         //nolint:errcheck
	redisURI3, _ := env.GetAsString("REDIS_URI3", false, "")         //nolint:errcheck
	redisPassword, _ := env.GetAsString("REDIS_PASSWORD", false, "") //nolint:errcheck
	redisDB, err := env.GetAsInt("REDIS_DB", false, 0)
	if err != nil {
		zap.S().Errorf("Cannot parse REDIS_DB: %s", err)
	}

	uris := []string{redisURI}
	if redisURI2 != "" {
		uris = append(uris, redisURI2)
	}
	if redisURI3 != "" {
		uris = append(uris, redisURI3)
	}

	backend, err := cachestore.NewRedisBackend(cachestore.RedisOptions{
		URIs:     uris,
		Password: redisPassword,
		DB:       redisDB,
	})
	if err != nil {
		zap.S().Fatalf("Failed to connect to redis: %s", err)
	}
	return backend
}

func initStore(backend cachestore.Backend) *cachestore.Store {
	cfg := cachestore.DefaultConfig()

	var err error
	cfg.MaxCacheSize, err = env.GetAsInt("MAX_CACHE_SIZE", false, cfg.MaxCacheSize)
	if err != nil {
		zap.S().Errorf("Cannot parse MAX_CACHE_SIZE: %s", err)
	}
	cfg.EvictionBatchSize, err = env.GetAsInt("EVICTION_BATCH_SIZE", false, cfg.EvictionBatchSize)
	if err != nil {
		zap.S().Errorf("Cannot parse EVICTION_BATCH_SIZE: %s", err)
	}
	cfg.MaxMemoryMB, err = env.GetAsInt("MAX_MEMORY_MB", false, cfg.MaxMemoryMB)
	if err != nil {
		zap.S().Errorf("Cannot parse MAX_MEMORY_MB: %s", err)
	}

	return cachestore.NewStore(backend, cfg, cachestore.WithEvictionCallback(func(count int) {
		tracker.RecordEviction(count)
	}))
}

func initTracker(backend cachestore.Backend) *metrics.Tracker {
	persistEvery, err := env.GetAsInt("METRICS_PERSIST_INTERVAL", false, metrics.DefaultPersistEvery)
	if err != nil {
		zap.S().Errorf("Cannot parse METRICS_PERSIST_INTERVAL: %s", err)
	}

	// counters restart from zero, the persisted snapshot is only surfaced for
	// operators comparing across restarts
	ctx, cancel := contextWithDeadline()
	defer cancel()
	snapshot, err := metrics.LoadPersisted(ctx, backend)
	if err == nil {
		zap.S().Infof("Last persisted cache metrics: %d hits, %d misses, %d evictions (captured %s)",
			snapshot.Hits, snapshot.Misses, snapshot.Evictions, snapshot.CapturedAt)
	}

	return metrics.NewTracker(backend, persistEvery, prometheus.DefaultRegisterer)
}

func initPolicy() *freshness.Policy {
	thresholdsFile, _ := env.GetAsString("FRESHNESS_THRESHOLDS_FILE", false, "") //nolint:errcheck
	if thresholdsFile == "" {
		return freshness.NewPolicy()
	}

	policy, err := freshness.NewPolicyFromFile(thresholdsFile)
	if err != nil {
		zap.S().Fatalf("Failed to load freshness thresholds from %s: %s", thresholdsFile, err)
	}
	zap.S().Infof("Loaded freshness thresholds from %s", thresholdsFile)
	return policy
}

func initAuditRecorder() audit.Recorder {
	dryRun, _ := env.GetAsBool("DRY_RUN", false, false)          //nolint:errcheck
	disabled, _ := env.GetAsBool("AUDIT_DISABLED", false, false) //nolint:errcheck
	if dryRun || disabled {
		zap.S().Infof("Audit persistence is disabled")
		return audit.NoopRecorder{}
	}

	host, err := env.GetAsString("POSTGRES_HOST", false, "db")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_HOST from env: %s", err)
	}
	port, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_PORT from env: %s", err)
	}
	user, err := env.GetAsString("POSTGRES_USER", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_USER from env: %s", err)
	}
	password, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_PASSWORD from env: %s", err)
	}
	database, err := env.GetAsString("POSTGRES_DATABASE", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_DATABASE from env: %s", err)
	}
	sslMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_SSL_MODE from env: %s", err)
	}

	zap.S().Infof("Connecting to audit database %s@%s:%d/%s [%s]", user, host, port, database, sslMode)

	recorder, err := audit.NewPostgresRecorder(audit.PostgresConfig{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		Database: database,
		SSLMode:  sslMode,
	})
	if err != nil {
		zap.S().Fatalf("Failed to open audit database: %s", err)
	}
	return recorder
}

func initCollector() coordinator.Collector {
	gatewayURL, err := env.GetAsString("COLLECTOR_GATEWAY_URL", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get COLLECTOR_GATEWAY_URL from env: %s", err)
	}
	timeoutSeconds, err := env.GetAsInt("COLLECTOR_TIMEOUT_SECONDS", false, 30)
	if err != nil {
		zap.S().Errorf("Cannot parse COLLECTOR_TIMEOUT_SECONDS: %s", err)
	}
	return collector.NewAgentCollector(gatewayURL, time.Duration(timeoutSeconds)*time.Second)
}

func initHealthCheck(backend cachestore.Backend, recorder audit.Recorder) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	health.AddReadinessCheck("shutdownEnabled", isShutdownEnabled())
	health.AddReadinessCheck("cache-backend", func() error {
		ctx, cancel := contextWithDeadline()
		defer cancel()
		return backend.Ping(ctx)
	})
	if postgresRecorder, ok := recorder.(*audit.PostgresRecorder); ok {
		health.AddReadinessCheck("audit-database", postgresRecorder.HealthCheck())
	}
	health.AddLivenessCheck("memory-headroom", memoryHeadroomCheck())

	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}

// memoryHeadroomCheck fails when the host runs out of memory, the cache tier
// and pools are the first suspects then.
func memoryHeadroomCheck() healthcheck.Check {
	return func() error {
		vmStat, err := mem.VirtualMemory()
		if err != nil {
			return err
		}
		if vmStat.UsedPercent > 95 {
			return fmt.Errorf("host memory usage at %.1f%%", vmStat.UsedPercent)
		}
		return nil
	}
}

func loadAccounts() gin.Accounts {
	accounts := gin.Accounts{}
	zap.S().Debugf("Loading accounts from environment..")

	for i := 1; i <= 100; i++ {
		tempUser := os.Getenv("CUSTOMER_NAME_" + strconv.Itoa(i))
		tempPassword := os.Getenv("CUSTOMER_PASSWORD_" + strconv.Itoa(i))
		if tempUser != "" && tempPassword != "" {
			zap.S().Infof("Added account for %s", tempUser)
			accounts[tempUser] = tempPassword
		}
	}

	// also add admin access
	restUser, err := env.GetAsString("FLEETINSIGHT_USER", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get FLEETINSIGHT_USER from env: %s", err)
	}
	restPassword, err := env.GetAsString("FLEETINSIGHT_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get FLEETINSIGHT_PASSWORD from env: %s", err)
	}
	accounts[restUser] = restPassword
	return accounts
}

func contextWithDeadline() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func isShutdownEnabled() healthcheck.Check {
	return func() error {
		if shutdownEnabled {
			return fmt.Errorf("shutdown")
		}
		return nil
	}
}

// ShutdownApplicationGraceful drains open connections and closes the cache
// backend and audit sink.
func ShutdownApplicationGraceful(backend cachestore.Backend, recorder audit.Recorder) {
	zap.S().Infof("Shutting down application")
	shutdownEnabled = true

	time.Sleep(10 * time.Second) // Wait until remaining open connections are handled

	err := backend.Close()
	if err != nil {
		zap.S().Errorf("Failed to close cache backend: %s", err)
	}
	recorder.Close()

	zap.S().Infof("Successfull shutdown. Exiting.")
	os.Exit(0)
}
