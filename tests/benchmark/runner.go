// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Stats matches the /api/stats response of the orchestrator.
type Stats struct {
	Tasks     map[string]int `json:"tasks"`
	Scheduler struct {
		Queued    int `json:"queued"`
		Scheduled int `json:"scheduled"`
		Active    int `json:"active"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"scheduler"`
}

func (s Stats) completed() int { return s.Tasks["completed"] }
func (s Stats) failed() int    { return s.Tasks["failed"] }
func (s Stats) running() int   { return s.Tasks["planning"] + s.Tasks["in_progress"] }
func (s Stats) pending() int   { return s.Tasks["created"] }

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

type taskSpec struct {
	Description string         `json:"description"`
	Type        string         `json:"type"`
	Priority    string         `json:"priority"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

var suites = map[string][]taskSpec{
	"planning": {
		{Description: "Plan a marketing site with a blog and contact form", Type: "planning", Priority: "medium"},
		{Description: "Break down a mobile banking app with authentication", Type: "planning", Priority: "high"},
	},
	"analysis": {
		{Description: "Research competitor pricing pages", Type: "data_analysis", Priority: "low",
			Metadata: map[string]any{"analysis_type": "web_research"}},
		{Description: "Summarise weekly metrics", Type: "data_analysis", Priority: "medium"},
	},
	"website": {
		{Description: "Build a landing page with a contact form", Type: "website_creation", Priority: "high"},
		{Description: "Create a React dashboard", Type: "website_creation", Priority: "medium"},
	},
	"api": {
		{Description: "Create a REST API with a database", Type: "app_development", Priority: "medium"},
	},
}

func init() {
	var mixed []taskSpec
	for _, name := range []string{"planning", "analysis", "website", "api"} {
		mixed = append(mixed, suites[name]...)
	}
	suites["mixed"] = mixed
}

func main() {
	suite := flag.String("suite", "", "Benchmark suite to run (planning, analysis, website, api, mixed)")
	apiHost := flag.String("api_host", "localhost", "Orchestrator API host")
	apiPort := flag.String("api_port", "", "Orchestrator API port (default API_PORT or 8080)")
	count := flag.Int("count", 20, "Number of tasks to submit")
	execute := flag.Bool("execute", false, "Execute each task explicitly instead of relying on AUTO_EXECUTE")
	concurrency := flag.Int("concurrency", 4, "Parallel executions when --execute is set")
	flag.Parse()

	specs, ok := suites[*suite]
	if !ok {
		fmt.Printf("%sPlease specify a suite using --suite=[planning|analysis|website|api|mixed]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	_ = godotenv.Load("../../.env")
	if *apiPort == "" {
		*apiPort = os.Getenv("API_PORT")
	}
	if *apiPort == "" {
		*apiPort = "8080"
	}
	base := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)

	fmt.Printf("\n%s%s %s TASK ORCHESTRATOR BENCHMARK %s %s%s\n", colorCyan, colorBold, ">>", "SUITE: "+*suite, "<<", colorReset)

	initialStats, err := getStats(base)
	if err != nil {
		fmt.Printf("%s[ERR]%s Could not reach %s: %v\n", colorRed, colorReset, base, err)
		os.Exit(1)
	}

	ids := make([]string, 0, *count)
	for i := 0; i < *count; i++ {
		id, err := submit(base, specs[i%len(specs)])
		if err != nil {
			fmt.Printf("%s[ERR]%s Failed to submit task: %v\n", colorRed, colorReset, err)
			os.Exit(1)
		}
		ids = append(ids, id)
	}
	fmt.Printf("%s[OK]%s %d tasks submitted.\n\n", colorGreen, colorReset, len(ids))

	startTime := time.Now()
	if *execute {
		go executeAll(base, ids, *concurrency)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "COMPLETED", "FAILED", "RUNNING", "PENDING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := getStats(base)
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		deltaCompleted := stats.completed() - initialStats.completed()
		deltaFailed := stats.failed() - initialStats.failed()

		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}
		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaCompleted, colorReset,
			statusColor, deltaFailed, colorReset,
			colorYellow, stats.running(), colorReset,
			stats.pending(),
		)

		if deltaCompleted+deltaFailed >= len(ids) {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Benchmark Completed Successfully! %s%s\n", colorGreen, colorBold, "✓", colorReset)
			printReport(deltaCompleted, deltaFailed, time.Since(startTime))
			return
		}
	}
}

func submit(base string, spec taskSpec) (string, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	resp, err := http.Post(base+"/api/tasks", "application/json", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

func executeAll(base string, ids []string, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			resp, err := http.Post(base+"/api/tasks/"+id+"/execute", "application/json", nil)
			if err == nil {
				resp.Body.Close()
			}
		}(id)
	}
	wg.Wait()
}

func getStats(base string) (Stats, error) {
	resp, err := http.Get(base + "/api/stats")
	if err != nil {
		return Stats{}, err
	}
	defer resp.Body.Close()

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func printReport(completed, failed int, duration time.Duration) {
	total := completed + failed
	tps := float64(total) / duration.Seconds()

	successRate := 100.0
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Total Tasks:", fmt.Sprintf("%d", total))
	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorGreen+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Completed:", fmt.Sprintf("%d", completed))

	failedColor := colorGreen
	if failed > 0 {
		failedColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Failed:", fmt.Sprintf("%d", failed))

	fmt.Printf(lineFmt+"\n", "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt+"\n", "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))
	if total > 0 {
		fmt.Printf(lineFmt+"\n", "Avg Latency:", fmt.Sprintf("%.2f ms", float64(duration.Milliseconds())/float64(total)))
	}

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
