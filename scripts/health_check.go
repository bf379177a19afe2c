//go:build ignore

// Command health_check probes a venue-guard deployment: configuration, the
// journal database, the reference REST endpoint and the running API.
//
//	go run scripts/health_check.go [--json]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"venue-guard/pkg/config"
	"venue-guard/pkg/db"
	"venue-guard/pkg/market/binance"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{Overall: "HEALTHY"}

	cfg, cfgStatus := checkConfig()
	report.Services = append(report.Services, cfgStatus)
	if cfg != nil {
		report.Services = append(report.Services,
			checkDatabase(ctx, cfg),
			checkReferenceREST(ctx, cfg),
			checkAPIServer(ctx, cfg),
			checkFeedHealth(ctx, cfg),
		)
	}

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" {
			report.Overall = "DEGRADED"
		}
	}

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	} else {
		for _, svc := range report.Services {
			fmt.Printf("%-20s %-10s %s\n", svc.Service, svc.Status, svc.Message)
		}
		fmt.Printf("\nOverall Status: %s\n", report.Overall)
	}

	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func status(service string) HealthStatus {
	return HealthStatus{Service: service, Status: "HEALTHY", Timestamp: time.Now()}
}

func checkConfig() (*config.Config, HealthStatus) {
	st := status("Configuration")
	cfg, err := config.Load()
	if err != nil {
		st.Status = "UNHEALTHY"
		st.Message = err.Error()
		return nil, st
	}
	st.Message = fmt.Sprintf("%d pairs, addr=%s", len(cfg.SymbolMap), cfg.HTTPAddr)
	return cfg, st
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	st := status("Journal DB")
	if !cfg.EnableJournal {
		st.Message = "journal disabled"
		return st
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		st.Status = "UNHEALTHY"
		st.Message = err.Error()
		return st
	}
	defer database.Close()

	approved, blocked, err := database.CountGateDecisions(ctx)
	if err != nil {
		st.Status = "DEGRADED"
		st.Message = fmt.Sprintf("query failed: %v", err)
		return st
	}
	st.Message = fmt.Sprintf("%d approved, %d blocked", approved, blocked)
	return st
}

func checkReferenceREST(ctx context.Context, cfg *config.Config) HealthStatus {
	st := status("Reference REST")
	var ref string
	for _, exec := range cfg.ExecSymbols() {
		ref = cfg.SymbolMap[exec]
		break
	}
	q, err := binance.NewClient(cfg.RESTURL, "").GetBookTicker(ctx, ref)
	if err != nil {
		st.Status = "DEGRADED"
		st.Message = err.Error()
		return st
	}
	st.Message = fmt.Sprintf("%s bid=%.2f ask=%.2f", ref, q.Bid, q.Ask)
	return st
}

func apiBase(cfg *config.Config) string {
	addr := cfg.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	st := status("API Server")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, apiBase(cfg)+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		st.Status = "UNHEALTHY"
		st.Message = err.Error()
		return st
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		st.Status = "DEGRADED"
	}
	st.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	return st
}

func checkFeedHealth(ctx context.Context, cfg *config.Config) HealthStatus {
	st := status("Feed Health")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, apiBase(cfg)+"/api/feed-health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		st.Status = "UNHEALTHY"
		st.Message = err.Error()
		return st
	}
	defer resp.Body.Close()

	var report struct {
		Healthy  int `json:"healthy"`
		Warning  int `json:"warning"`
		Critical int `json:"critical"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		st.Status = "DEGRADED"
		st.Message = err.Error()
		return st
	}
	switch {
	case report.Critical > 0:
		st.Status = "UNHEALTHY"
	case report.Warning > 0:
		st.Status = "DEGRADED"
	}
	st.Message = fmt.Sprintf("%d healthy, %d warning, %d critical", report.Healthy, report.Warning, report.Critical)
	return st
}
