// nodesim stands in for a search node: it announces itself in etcd, answers gRPC health
// probes, claims tasks from the coordinator and reports made-up outcomes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metadata"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/registry"
)

// SimConfig holds simulator configuration
type SimConfig struct {
	CoordinatorURL string
	APIKey         string
	EtcdEndpoints  string
	UUID           string
	GRPCAddr       string
	DataDir        string
	PollInterval   time.Duration
	AnnounceTTL    time.Duration
	FailRate       float64
	MaxRepoBytes   int64
	HTTPClient     *http.Client
}

func main() {
	cfg := SimConfig{}
	flag.StringVar(&cfg.CoordinatorURL, "url", "http://127.0.0.1:5570", "Base URL of the coordinator")
	flag.StringVar(&cfg.APIKey, "api-key", "", "Node API key")
	flag.StringVar(&cfg.EtcdEndpoints, "etcd", "http://127.0.0.1:2379", "Comma separated etcd endpoints")
	flag.StringVar(&cfg.UUID, "uuid", uuid.NewString(), "Node UUID")
	flag.StringVar(&cfg.GRPCAddr, "grpc", "127.0.0.1:6070", "gRPC health listen address")
	flag.StringVar(&cfg.DataDir, "data-dir", "./data/nodesim", "Directory whose filesystem capacity is announced")
	flag.DurationVar(&cfg.PollInterval, "poll", 2*time.Second, "Task claim interval")
	flag.DurationVar(&cfg.AnnounceTTL, "ttl", 30*time.Second, "Announcement TTL")
	flag.Float64Var(&cfg.FailRate, "fail-rate", 0.05, "Fraction of tasks reported as failed")
	flag.Int64Var(&cfg.MaxRepoBytes, "max-repo-bytes", 64<<20, "Upper bound of reported repository sizes")
	flag.Parse()

	cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	logger := logging.NewDevelopment().With("node_uuid", cfg.UUID)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("Failed to listen", "address", cfg.GRPCAddr, "error", err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Error("gRPC server stopped", "error", err)
		}
	}()
	defer srv.GracefulStop()

	meta, err := metadata.NewEtcdManager(config.EtcdConfig{
		Enabled:     true,
		Endpoints:   strings.Split(cfg.EtcdEndpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		logger.Fatal("Failed to connect to etcd", "error", err)
	}
	defer func() { _ = meta.Close() }()

	announcer := registry.NewAnnouncer(meta,
		models.NodeAnnouncement{UUID: cfg.UUID, Address: lis.Addr().String()},
		registry.NewDiskScanner(cfg.DataDir, logger), cfg.AnnounceTTL, logger)
	go func() {
		if err := announcer.Run(ctx); err != nil {
			logger.Error("Announcer stopped", "error", err)
			cancel()
		}
	}()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	var done, failed int
	for {
		select {
		case <-ctx.Done():
			deregisterCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			_ = announcer.Deregister(deregisterCtx)
			stop()
			logger.Info("Simulator stopped", "tasks_done", done, "tasks_failed", failed)
			return
		case <-ticker.C:
		}

		claimed, err := claim(ctx, cfg)
		if err != nil {
			logger.Warn("Claim failed", "error", err)
			continue
		}
		for _, task := range claimed {
			report := models.TaskCallbackRequest{Success: rand.Float64() >= cfg.FailRate}
			if report.Success && task.Type != models.TaskDeleteRepo {
				report.SizeBytes = rand.Int63n(cfg.MaxRepoBytes) + 1
			}
			if !report.Success {
				report.Error = "simulated failure"
			}
			if err := callback(ctx, cfg, task.ID, report); err != nil {
				logger.Warn("Callback failed", "task_id", task.ID, "error", err)
				continue
			}
			if report.Success {
				done++
			} else {
				failed++
			}
		}
		if len(claimed) > 0 {
			logger.Info("Tasks processed", "claimed", len(claimed), "done", done, "failed", failed)
		}
	}
}

func claim(ctx context.Context, cfg SimConfig) ([]models.Task, error) {
	var resp models.ClaimTasksResponse
	err := post(ctx, cfg, fmt.Sprintf("/internal/nodes/%s/tasks/claim", cfg.UUID), models.ClaimTasksRequest{}, &resp)
	return resp.Tasks, err
}

func callback(ctx context.Context, cfg SimConfig, taskID int64, report models.TaskCallbackRequest) error {
	return post(ctx, cfg, fmt.Sprintf("/internal/tasks/%d/callback", taskID), report, nil)
}

func post(ctx context.Context, cfg SimConfig, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.CoordinatorURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("X-API-Key", cfg.APIKey)
	}

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e models.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %d %s", path, resp.StatusCode, e.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
