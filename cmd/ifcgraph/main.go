// Command ifcgraph loads a parsed building model and its topology analysis
// into Neo4j as a property graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/ifcgraph/engine/checkpoint"
	"github.com/WessleyAI/ifcgraph/engine/graph"
	"github.com/WessleyAI/ifcgraph/engine/pipeline"
	"github.com/WessleyAI/ifcgraph/engine/report"
	"github.com/WessleyAI/ifcgraph/engine/schema"
	"github.com/WessleyAI/ifcgraph/engine/source"
	"github.com/WessleyAI/ifcgraph/pkg/config"
	"github.com/WessleyAI/ifcgraph/pkg/metrics"
	"github.com/WessleyAI/ifcgraph/pkg/mid"
	"github.com/WessleyAI/ifcgraph/pkg/natsutil"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ifcgraph:", err)
		os.Exit(2)
	}
	log := newLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := run(ctx, cfg, log)
	if stats != nil {
		fmt.Print(stats.Summary())
	}
	if err != nil {
		log.Error("run failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by -config, then applies the
// environment, then any flag given explicitly.
func loadConfig(args []string, getenv func(string) string) (config.Config, error) {
	fs := flag.NewFlagSet("ifcgraph", flag.ContinueOnError)
	var (
		path        = fs.String("config", getenv("IFCGRAPH_CONFIG"), "YAML config file")
		model       = fs.String("model", "", "parsed model JSON")
		topology    = fs.String("topology", "", "topology analysis JSONL; enables derived relationships")
		reportDest  = fs.String("report", "", "report destination: file path or s3://bucket/key")
		anomalies   = fs.String("anomalies", "", "anomaly log JSONL path")
		ckpt        = fs.String("checkpoint", "", "checkpoint ledger (SQLite) path")
		resume      = fs.Bool("resume", false, "skip batches committed by an earlier run on the same input")
		strict      = fs.Bool("strict", false, "abort on the first failed batch")
		clearGraph  = fs.Bool("clear", false, "delete the whole graph before writing")
		resetSchema = fs.Bool("reset-schema", false, "drop and recreate constraints and indexes")
		workers     = fs.Int("workers", 0, "concurrent commit workers")
		batchSize   = fs.Int("batch", 0, "write operations per batch")
		metricsAddr = fs.String("metrics", "", "serve Prometheus metrics on this address")
	)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Read(*path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "model":
			cfg.Input.Model = *model
		case "topology":
			cfg.Input.Topology = *topology
			cfg.Input.TopologyEnabled = *topology != ""
		case "report":
			cfg.Report.Dest = *reportDest
		case "anomalies":
			cfg.Report.AnomalyLog = *anomalies
		case "checkpoint":
			cfg.Checkpoint.Path = *ckpt
		case "resume":
			cfg.Checkpoint.Resume = *resume
		case "strict":
			cfg.Pipeline.Strict = *strict
		case "clear":
			cfg.Pipeline.Clear = *clearGraph
		case "reset-schema":
			cfg.Pipeline.ResetSchema = *resetSchema
		case "workers":
			cfg.Pipeline.Workers = *workers
		case "batch":
			cfg.Pipeline.BatchSize = *batchSize
		case "metrics":
			cfg.Metrics.Addr = *metricsAddr
		}
	})
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) (*report.Stats, error) {
	reg := metrics.DefaultRegistry()
	if cfg.Metrics.Addr != "" {
		metrics.ServeAsync(ctx, cfg.Metrics.Addr, mid.Ops(reg.Mux(), log, "ifcgraph-metrics"), log)
		log.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	model, err := source.OpenModel(cfg.Input.Model)
	if err != nil {
		return nil, err
	}
	topology := source.ResolveTopology(cfg.Input.TopologyEnabled, cfg.Input.Topology, log)

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j connect: %w", err)
	}
	defer driver.Close(context.WithoutCancel(ctx))
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j verify: %w", err)
	}
	log.Info("connected to Neo4j", "url", cfg.Neo4j.URL, "database", cfg.Neo4j.Database)

	deps := pipeline.Deps{
		Store:    graph.New(driver, cfg.Neo4j.Database),
		Model:    model,
		Topology: topology,
		Registry: schema.Default(),
		Metrics:  reg,
		Logger:   log,
	}

	if cfg.Checkpoint.Path != "" {
		ledger, err := checkpoint.Open(cfg.Checkpoint.Path)
		if err != nil {
			return nil, err
		}
		defer ledger.Close()
		paths := []string{cfg.Input.Model}
		if topology != nil {
			paths = append(paths, cfg.Input.Topology)
		}
		fp, err := checkpoint.FingerprintFiles(paths,
			"batch="+strconv.Itoa(cfg.Pipeline.BatchSize),
			"topology="+strconv.FormatBool(topology != nil))
		if err != nil {
			return nil, err
		}
		deps.Ledger, deps.Fingerprint = ledger, fp
	}

	if cfg.Report.AnomalyLog != "" {
		f, err := os.Create(cfg.Report.AnomalyLog)
		if err != nil {
			return nil, fmt.Errorf("anomaly log: %w", err)
		}
		defer f.Close()
		deps.AnomalyLog = report.NewAnomalyLog(f)
	}
	if cfg.Report.Dest != "" {
		sink, err := report.OpenSink(ctx, cfg.Report.Dest, report.S3Options{
			Region:    cfg.Report.Region,
			Endpoint:  cfg.Report.Endpoint,
			PathStyle: cfg.Report.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		deps.Sink = sink
	}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("ifcgraph"))
		if err != nil {
			// The event is optional; the run goes ahead without it.
			log.Warn("nats connect failed, run event disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			defer nc.Close()
			deps.Notify = notifier(nc, cfg.NATS.Subject)
		}
	}

	p, err := pipeline.New(pipeline.Config{
		BatchSize:        cfg.Pipeline.BatchSize,
		Workers:          cfg.Pipeline.Workers,
		Retry:            cfg.Retry.Opts(),
		Breaker:          cfg.Breaker.Opts(),
		Strict:           cfg.Pipeline.Strict,
		ClearBeforeRun:   cfg.Pipeline.Clear,
		ClearChunk:       cfg.Pipeline.ClearChunk,
		ResetSchema:      cfg.Pipeline.ResetSchema,
		Resume:           cfg.Checkpoint.Resume,
		CommitsPerSecond: cfg.Pipeline.CommitsPerSecond,
		CacheSize:        cfg.Pipeline.CacheSize,
		SampleInterval:   cfg.Pipeline.SampleInterval,
	}, deps)
	if err != nil {
		return nil, err
	}
	log.Info("run starting", "run_id", p.RunID(), "model", cfg.Input.Model, "topology", topology != nil)
	return p.Run(ctx)
}

// notifier publishes the run-completed event and waits for the server to
// acknowledge it.
func notifier(nc *nats.Conn, subject string) func(context.Context, *report.Stats) error {
	return func(ctx context.Context, stats *report.Stats) error {
		if err := natsutil.Publish(ctx, nc, subject, report.NewRunEvent(stats)); err != nil {
			return err
		}
		return nc.FlushWithContext(ctx)
	}
}
