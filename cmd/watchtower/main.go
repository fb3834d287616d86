package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/watchtower/internal/api"
	"github.com/banshee-data/watchtower/internal/bus"
	"github.com/banshee-data/watchtower/internal/config"
	"github.com/banshee-data/watchtower/internal/db"
	"github.com/banshee-data/watchtower/internal/detect"
	"github.com/banshee-data/watchtower/internal/httputil"
	"github.com/banshee-data/watchtower/internal/ingest"
	"github.com/banshee-data/watchtower/internal/pipeline"
	"github.com/banshee-data/watchtower/internal/sinks"
	"github.com/banshee-data/watchtower/internal/transcode"
	"github.com/banshee-data/watchtower/internal/version"
)

var showVersion = flag.Bool("version", false, "Print version and exit")

// bindFlags registers the command-line flags on fs. Defaults come from cfg,
// which already reflects the environment.
func bindFlags(fs *flag.FlagSet, cfg *config.RuntimeConfig) {
	fs.StringVar(&cfg.SourceURL, "source", cfg.SourceURL, "Video source URL (rtsp://, rtmp://, file path)")
	fs.StringVar(&cfg.FFmpegBinary, "ffmpeg", cfg.FFmpegBinary, "Path to the ffmpeg binary")
	fs.StringVar(&cfg.DetectorURL, "detector-url", cfg.DetectorURL, "Person detection model endpoint")
	fs.StringVar(&cfg.WeaponURL, "weapon-url", cfg.WeaponURL, "Weapon detection model endpoint (optional)")
	fs.StringVar(&cfg.LandmarkURL, "landmark-url", cfg.LandmarkURL, "Face landmark model endpoint (optional)")
	fs.DurationVar(&cfg.ModelTimeout, "model-timeout", cfg.ModelTimeout, "Timeout for each model request")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for the JSONL event logs")
	fs.StringVar(&cfg.HLSDir, "hls-dir", cfg.HLSDir, "Directory for HLS playlist and segments")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Session journal database path (empty disables)")
	fs.StringVar(&cfg.TuningPath, "config", cfg.TuningPath, "Tuning JSON file (see "+config.DefaultConfigPath+")")
	fs.BoolVar(&cfg.DisableTranscode, "no-transcode", cfg.DisableTranscode, "Disable the HLS transcoder")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "Publish events to this NATS server (optional)")
	fs.StringVar(&cfg.NATSPrefix, "nats-prefix", cfg.NATSPrefix, "NATS subject prefix")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Publish events to this Redis server (optional)")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "Redis channel and key prefix")
	fs.StringVar(&cfg.KafkaBrokers, "kafka-brokers", cfg.KafkaBrokers, "Produce events to these Kafka brokers (optional)")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "Kafka topic")
}

// capabilities builds the model clients. Optional endpoints stay nil so the
// pipeline degrades instead of failing.
func capabilities(cfg config.RuntimeConfig) pipeline.Capabilities {
	client := httputil.NewStandardClient(cfg.ModelTimeout)
	caps := pipeline.Capabilities{
		Persons: detect.NewHTTPDetector(cfg.DetectorURL, client),
	}
	if cfg.WeaponURL != "" {
		caps.Weapons = detect.NewHTTPDetector(cfg.WeaponURL, client)
	}
	if cfg.LandmarkURL != "" {
		caps.Landmarks = detect.NewHTTPLandmarkDetector(cfg.LandmarkURL, client)
	}
	return caps
}

// openSinks dials every configured external sink. A sink that cannot be
// reached is logged and skipped.
func openSinks(ctx context.Context, cfg config.RuntimeConfig) []sinks.Sink {
	var out []sinks.Sink
	if cfg.NATSURL != "" {
		if s, err := sinks.DialNATS(cfg.NATSURL, cfg.NATSPrefix); err != nil {
			log.Printf("NATS sink disabled: %v", err)
		} else {
			out = append(out, s)
		}
	}
	if cfg.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		s, err := sinks.DialRedis(dialCtx, cfg.RedisAddr, config.EnvString("WATCHTOWER_REDIS_PASSWORD", ""), cfg.RedisDB, cfg.RedisPrefix, 0)
		cancel()
		if err != nil {
			log.Printf("Redis sink disabled: %v", err)
		} else {
			out = append(out, s)
		}
	}
	if cfg.KafkaBrokers != "" {
		if s, err := sinks.DialKafka(cfg.KafkaBrokers, cfg.KafkaTopic); err != nil {
			log.Printf("Kafka sink disabled: %v", err)
		} else {
			out = append(out, s)
		}
	}
	return out
}

func main() {
	if err := config.LoadEnv(); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	cfg := config.DefaultRuntimeConfig()
	bindFlags(flag.CommandLine, &cfg)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	tuning, err := cfg.Tuning()
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}

	var journal *db.DB
	if cfg.DBPath != "" {
		journal, err = db.NewDB(cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to open session journal: %v", err)
		}
		defer journal.Close()
	}

	eventBus := bus.New()
	p, err := pipeline.New(tuning.PipelineConfig(cfg.DataDir), capabilities(cfg), pipeline.Deps{Bus: eventBus})
	if err != nil {
		log.Fatalf("failed to start pipeline: %v", err)
	}
	if err := p.Seed(); err != nil {
		log.Printf("failed to seed recent events: %v", err)
	}

	var supOpts ingest.Options
	var tcOpts transcode.Options
	if journal != nil {
		supOpts.Recorder = journal
		tcOpts.Recorder = journal
	}
	src := &ingest.FFmpegSource{
		Binary: cfg.FFmpegBinary,
		URL:    cfg.SourceURL,
		FPS:    tuning.GetSampleFPS(),
	}
	sup := ingest.NewSupervisor(tuning.SupervisorConfig(), src, p, supOpts)
	p.SetStateSource(func() string { return sup.State().String() })

	var transcoder *transcode.Transcoder
	if !cfg.DisableTranscode {
		tc := tuning.TranscodeConfig(cfg.FFmpegBinary, cfg.SourceURL, cfg.HLSDir)
		if err := tc.Validate(); err != nil {
			log.Fatalf("invalid transcoder configuration: %v", err)
		}
		transcoder = transcode.New(tc, tcOpts)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ingestion supervisor
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := sup.Run(ctx)
		if errors.Is(err, ingest.ErrConnectExhausted) {
			log.Printf("video source unreachable, shutting down: %v", err)
			stop()
		} else if err != nil {
			log.Printf("supervisor stopped: %v", err)
		}
		log.Print("supervisor routine terminated")
	}()

	if transcoder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := transcoder.Run(ctx); err != nil {
				log.Printf("transcoder stopped: %v", err)
			}
			log.Print("transcoder routine terminated")
		}()
	}

	for _, s := range openSinks(ctx, cfg) {
		done := sinks.Attach(ctx, eventBus, s, tuning.GetQueueSize())
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-done
		}()
	}

	// journal retention
	if journal != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			retention := tuning.GetJournalRetention()
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				if _, err := journal.Prune(ctx, time.Now().Add(-retention)); err != nil {
					log.Printf("journal prune failed: %v", err)
				}
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiOpts := api.Options{
			HLSDir:    cfg.HLSDir,
			QueueSize: tuning.GetQueueSize(),
			Keepalive: tuning.GetKeepaliveInterval(),
		}
		if transcoder != nil {
			apiOpts.Transcoder = transcoder
		}
		if journal != nil {
			apiOpts.Journal = journal
		}
		srv := api.NewServer(p, apiOpts)
		mux := srv.ServeMux()
		srv.AttachDebugRoutes(mux)
		if journal != nil {
			if err := journal.AttachAdminRoutes(mux); err != nil {
				log.Printf("journal admin routes disabled: %v", err)
			}
		}

		server := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", cfg.ListenAddr)

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Streaming handlers only exit on request cancellation, so keep the
		// grace period short.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	if err := p.Close(); err != nil {
		log.Printf("failed to close pipeline: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
