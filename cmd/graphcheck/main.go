// Command graphcheck verifies a populated graph: identity uniqueness,
// single-parent containment, contained elements and no self loops. With
// -watch it re-checks after every completed transformation run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/ifcgraph/engine/graph"
	"github.com/WessleyAI/ifcgraph/engine/report"
	"github.com/WessleyAI/ifcgraph/pkg/config"
	"github.com/WessleyAI/ifcgraph/pkg/natsutil"
)

// inspector is the read side of the graph store.
type inspector interface {
	CheckIntegrity(ctx context.Context, limit int) ([]graph.Violation, error)
	NodeCounts(ctx context.Context) (map[string]int64, error)
	RelationshipCounts(ctx context.Context) (map[string]int64, error)
	ProvenanceCounts(ctx context.Context) (map[string]int64, error)
	ContainmentPath(ctx context.Context, id string) ([]string, error)
}

var _ inspector = (*graph.GraphStore)(nil)

// Result is what one check prints.
type Result struct {
	RunID         string            `json:"run_id,omitempty"`
	Nodes         map[string]int64  `json:"nodes"`
	Relationships map[string]int64  `json:"relationships"`
	Provenance    map[string]int64  `json:"provenance"`
	Violations    []graph.Violation `json:"violations,omitempty"`
	Path          []string          `json:"path,omitempty"`
	OK            bool              `json:"ok"`
}

func main() {
	var (
		cfgPath = flag.String("config", os.Getenv("IFCGRAPH_CONFIG"), "YAML config file (neo4j and nats sections)")
		limit   = flag.Int("limit", 100, "offending ids reported per check")
		pathOf  = flag.String("path", "", "print the containment path of this id")
		watch   = flag.Bool("watch", false, "re-check after each run-completed event")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	cfg, err := config.Read(*cfgPath)
	if err == nil {
		err = cfg.ApplyEnv(os.Getenv)
	}
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
	if err != nil {
		log.Error("neo4j connect failed", "error", err)
		os.Exit(1)
	}
	defer driver.Close(context.WithoutCancel(ctx))
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Error("neo4j verify failed", "error", err)
		os.Exit(1)
	}
	gs := graph.New(driver, cfg.Neo4j.Database)

	if !*watch {
		res, err := check(ctx, gs, *limit, *pathOf)
		if err != nil {
			log.Error("check failed", "error", err)
			os.Exit(1)
		}
		if err := emit(os.Stdout, res); err != nil {
			log.Error("write result", "error", err)
		}
		if !res.OK {
			os.Exit(3)
		}
		return
	}

	if cfg.NATS.URL == "" {
		log.Error("watch needs nats.url or NATS_URL")
		os.Exit(2)
	}
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("graphcheck"))
	if err != nil {
		log.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	sub, err := natsutil.Subscribe(nc, cfg.NATS.Subject, onRun(gs, *limit, os.Stdout, log))
	if err != nil {
		log.Error("subscribe failed", "subject", cfg.NATS.Subject, "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()
	log.Info("watching for runs", "subject", cfg.NATS.Subject)
	<-ctx.Done()
}

// onRun checks the graph after each run that reached Done. Other runs are
// logged and skipped.
func onRun(g inspector, limit int, w io.Writer, log *slog.Logger) func(context.Context, report.RunEvent) {
	return func(ctx context.Context, ev report.RunEvent) {
		if ev.State != "Done" {
			log.Warn("run did not complete, skipping check", "run_id", ev.RunID, "state", ev.State, "error", ev.Error)
			return
		}
		res, err := check(ctx, g, limit, "")
		if err != nil {
			log.Error("check failed", "run_id", ev.RunID, "error", err)
			return
		}
		res.RunID = ev.RunID
		if !res.OK {
			log.Warn("integrity violations", "run_id", ev.RunID, "checks", len(res.Violations))
		}
		if err := emit(w, res); err != nil {
			log.Error("write result", "error", err)
		}
	}
}

func check(ctx context.Context, g inspector, limit int, pathOf string) (*Result, error) {
	var (
		res Result
		err error
	)
	if res.Nodes, err = g.NodeCounts(ctx); err != nil {
		return nil, fmt.Errorf("node counts: %w", err)
	}
	if res.Relationships, err = g.RelationshipCounts(ctx); err != nil {
		return nil, fmt.Errorf("relationship counts: %w", err)
	}
	if res.Provenance, err = g.ProvenanceCounts(ctx); err != nil {
		return nil, fmt.Errorf("provenance counts: %w", err)
	}
	if res.Violations, err = g.CheckIntegrity(ctx, limit); err != nil {
		return nil, err
	}
	if pathOf != "" {
		if res.Path, err = g.ContainmentPath(ctx, pathOf); err != nil {
			return nil, fmt.Errorf("containment path: %w", err)
		}
	}
	res.OK = len(res.Violations) == 0
	return &res, nil
}

func emit(w io.Writer, res *Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
