package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/ultrasonic.position/internal/api"
	"github.com/banshee-data/ultrasonic.position/internal/capture"
	"github.com/banshee-data/ultrasonic.position/internal/config"
	"github.com/banshee-data/ultrasonic.position/internal/db"
	"github.com/banshee-data/ultrasonic.position/internal/locator"
	"github.com/banshee-data/ultrasonic.position/internal/monitoring"
	"github.com/banshee-data/ultrasonic.position/internal/position"
	"github.com/banshee-data/ultrasonic.position/internal/sink"
	"github.com/banshee-data/ultrasonic.position/internal/solver"
	"github.com/banshee-data/ultrasonic.position/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a JSON tuning config (defaults to the reference installation)")
	devMode    = flag.Bool("dev", false, "Run against the built-in simulator instead of the capture board")
	listen     = flag.String("listen", ":8080", "Listen address (empty disables HTTP)")
	port       = flag.String("port", "/dev/ttyUSB0", "Serial port of the capture board (ignored in dev mode)")
	baud       = flag.Int("baud", capture.DefaultBaudRate, "Serial baud rate")
	start      = flag.String("start", "", "Comma-separated commands sent to the capture board at start-up")
	dbPath     = flag.String("db", "locator.db", "Position log database (empty disables logging)")
	trace      = flag.Bool("trace", false, "Log every solver iteration")
	traceRing  = flag.Int("trace-ring", 256, "Solver iterations kept for /debug/traces (0 disables)")
	quiet      = flag.Bool("quiet", false, "Do not log each new estimate")
	mqttBroker = flag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables)")
	mqttTopic  = flag.String("mqtt-topic", sink.DefaultMQTTTopic, "MQTT topic for estimates")
	mqttRetain = flag.Bool("mqtt-retain", false, "Publish estimates as retained MQTT messages")
	versionFlg = flag.Bool("version", false, "Print the version and exit")
)

// cycleSource is a capture source that owns a port.
type cycleSource interface {
	capture.Source
	Close() error
	Stats() (lines, malformed uint64)
}

func loadConfig(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// parseStartCommands splits the -start flag, dropping empty entries.
func parseStartCommands(s string) []string {
	var commands []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			commands = append(commands, c)
		}
	}
	return commands
}

func traceSinks(ring *monitoring.TraceRing, logEach bool) solver.TraceSink {
	var sinks []solver.TraceSink
	if ring != nil {
		sinks = append(sinks, ring)
	}
	if logEach {
		sinks = append(sinks, monitoring.LogTraceSink{})
	}
	return monitoring.MultiTraceSink(sinks...)
}

func openSource(ctx context.Context, tuning *config.TuningConfig) (cycleSource, string, error) {
	if *devMode {
		sim, err := capture.NewSimulator(tuning.Geometry(), capture.DefaultSimulatorOptions())
		if err != nil {
			return nil, "", err
		}
		return capture.NewSimulatedSerialSource(ctx, sim), "simulator", nil
	}
	src, err := capture.OpenSerial(*port, capture.PortOptions{BaudRate: *baud})
	if err != nil {
		return nil, "", err
	}
	if err := src.Initialize(parseStartCommands(*start)...); err != nil {
		src.Close()
		return nil, "", err
	}
	return src, "serial:" + *port, nil
}

func main() {
	flag.Parse()

	if *versionFlg {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	tuning, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	pipeline := tuning.Pipeline()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	collector, err := monitoring.NewLocatorCollector(registry)
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	var ring *monitoring.TraceRing
	if *traceRing > 0 {
		ring = monitoring.NewTraceRing(*traceRing)
	}

	pub := position.NewPublisher(nil)
	loc, err := locator.New(pipeline, pub,
		locator.WithTraceSink(traceSinks(ring, *trace || tuning.GetTraceConvergence())),
		locator.WithObserver(collector),
	)
	if err != nil {
		log.Fatalf("invalid pipeline: %v", err)
	}

	src, sourceName, err := openSource(ctx, tuning)
	if err != nil {
		log.Fatalf("failed to open capture source: %v", err)
	}
	defer src.Close()
	log.Printf("reading ping cycles from %s", sourceName)

	latest := &sink.Latest{}
	consumers := []sink.Consumer{latest}
	if !*quiet {
		consumers = append(consumers, sink.LogConsumer())
	}

	var store *db.DB
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()

		run, err := store.StartRun(sourceName, tuning)
		if err != nil {
			log.Fatalf("failed to start run: %v", err)
		}
		log.Printf("recording positions as run %s", run.RunID)
		consumers = append(consumers, sink.NewRecorder(store, run.RunID))
	}

	if *mqttBroker != "" {
		mq, err := sink.DialMQTT(sink.MQTTConfig{Broker: *mqttBroker, Topic: *mqttTopic, Retain: *mqttRetain})
		if err != nil {
			log.Fatalf("failed to connect to MQTT: %v", err)
		}
		defer mq.Close()
		consumers = append(consumers, mq)
	}

	poller, err := sink.NewPoller(pub, tuning.GetPollInterval(), consumers...)
	if err != nil {
		log.Fatalf("failed to create poller: %v", err)
	}

	var wg sync.WaitGroup

	// the capture source drives the pipeline, one cycle at a time
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := src.Run(ctx, loc.HandleCycle); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("capture source stopped: %v", err)
			stop()
		}
		lines, malformed := src.Stats()
		log.Printf("capture routine terminated after %d lines (%d malformed)", lines, malformed)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("poller stopped: %v", err)
		}
		log.Print("poller routine terminated")
	}()

	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, stop, latest, pipeline, store, ring, registry)
		}()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

func serveHTTP(ctx context.Context, stop context.CancelFunc, latest *sink.Latest, pipeline locator.Config, store *db.DB, ring *monitoring.TraceRing, gatherer prometheus.Gatherer) {
	opts := []api.Option{api.WithGatherer(gatherer)}
	if ring != nil {
		opts = append(opts, api.WithTraceRing(ring))
	}
	if store != nil {
		opts = append(opts, api.WithStore(store))
	}
	mux := api.NewServer(latest, pipeline, opts...).ServeMux()
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach database admin routes: %v", err)
		}
	}

	runServer(ctx, stop, &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	})
}

// runServer serves until ctx is done. A server that fails to start cancels
// the whole process through stop, so deferred cleanup in main still runs.
func runServer(ctx context.Context, stop context.CancelFunc, server *http.Server) {
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
