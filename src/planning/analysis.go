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

package planning

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskorchestrator/src/logging"
	"taskorchestrator/src/model"
)

// PerformAnalysis dispatches on metadata analysis_type:
// web_research, data_processing, or anything else for a general analysis.
func (p *Planner) PerformAnalysis(ctx context.Context, task model.Task) (model.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logging.Log("Performing data analysis", slog.LevelInfo)

	analysisType, _ := task.MetadataString("analysis_type")
	switch analysisType {
	case "web_research":
		return p.webResearch(task.Description), nil
	case "data_processing":
		source, _ := task.MetadataString("data_source")
		return p.dataAnalysis(source)
	default:
		return p.generalAnalysis(task), nil
	}
}

// ExecuteGeneralTask picks research, a planning document or a plain
// acknowledgement based on the description's verbs.
func (p *Planner) ExecuteGeneralTask(ctx context.Context, task model.Task) (model.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logging.Log("Executing general task", slog.LevelInfo)

	lower := strings.ToLower(task.Description)
	switch {
	case containsAny(lower, []string{"analyze", "research", "study"}):
		return p.webResearch(task.Description), nil
	case containsAny(lower, []string{"plan", "organize", "schedule"}):
		return p.planningDocument(task), nil
	default:
		return model.Payload{
			"response_type":    "general",
			"task_description": task.Description,
			"status":           "processed",
			"message":          fmt.Sprintf("Task '%s' has been processed", task.Description),
			"timestamp":        p.stamp(),
		}, nil
	}
}

func (p *Planner) stamp() string {
	return p.now().Format(time.RFC3339)
}

func (p *Planner) webResearch(query string) model.Payload {
	logging.Log("Performing web research for: "+query, slog.LevelInfo)
	return model.Payload{
		"query":         query,
		"research_type": "web_research",
		"findings":      []string{},
		"sources":       []string{},
		"summary":       "Research completed for query: " + query,
		"timestamp":     p.stamp(),
	}
}

// ErrDataSourceOutsideRoot is returned for data sources that are absolute
// or climb out of the planner's data directory.
var ErrDataSourceOutsideRoot = errors.New("data source must be a relative path inside the workspace")

// dataAnalysis profiles a CSV data source when one is readable. A missing
// source yields an empty summary; an unreadable one is an error.
func (p *Planner) dataAnalysis(source string) (model.Payload, error) {
	logging.Log("Performing data analysis on: "+source, slog.LevelInfo)

	results := map[string]any{
		"summary":        "no data source supplied",
		"insights":       []string{},
		"visualizations": []string{},
	}
	if source != "" {
		profile, err := p.profileCSV(source)
		if err != nil {
			return nil, fmt.Errorf("analyze %s: %w", source, err)
		}
		results["summary"] = fmt.Sprintf("%d rows across %d columns", profile.rows, len(profile.columns))
		results["columns"] = profile.columns
		results["rows"] = profile.rows
		results["insights"] = profile.insights()
	}
	return model.Payload{
		"data_source":   source,
		"analysis_type": "data_analysis",
		"results":       results,
		"timestamp":     p.stamp(),
	}, nil
}

type csvProfile struct {
	columns []string
	rows    int
	empty   map[string]int
}

func (c csvProfile) insights() []string {
	out := []string{}
	for _, col := range c.columns {
		if n := c.empty[col]; n > 0 {
			out = append(out, fmt.Sprintf("column %s has %d empty values", col, n))
		}
	}
	return out
}

func (p *Planner) profileCSV(source string) (csvProfile, error) {
	if p.dataDir == "" || !filepath.IsLocal(source) {
		return csvProfile{}, ErrDataSourceOutsideRoot
	}
	root, err := os.OpenRoot(p.dataDir)
	if err != nil {
		return csvProfile{}, err
	}
	defer root.Close()

	// The root also refuses symlinks that resolve outside dataDir.
	f, err := root.Open(filepath.Clean(source))
	if err != nil {
		return csvProfile{}, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return csvProfile{columns: []string{}, empty: map[string]int{}}, nil
	}
	if err != nil {
		return csvProfile{}, err
	}

	profile := csvProfile{columns: header, empty: make(map[string]int)}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return csvProfile{}, err
		}
		profile.rows++
		for i, col := range header {
			if i >= len(record) || strings.TrimSpace(record[i]) == "" {
				profile.empty[col]++
			}
		}
	}
	return profile, nil
}

func (p *Planner) generalAnalysis(task model.Task) model.Payload {
	return model.Payload{
		"analysis_type":    "general",
		"task_description": task.Description,
		"approach":         "General analysis approach based on task requirements",
		"recommendations":  []string{"Task has been analyzed", "Appropriate approach determined", "Ready for execution"},
		"timestamp":        p.stamp(),
	}
}

func (p *Planner) planningDocument(task model.Task) model.Payload {
	return model.Payload{
		"document_type": "planning",
		"task_id":       task.ID,
		"content": map[string]any{
			"objectives": []string{task.Description},
			"timeline":   "To be determined based on requirements",
			"resources":  "Standard development resources",
			"milestones": []string{},
		},
		"timestamp": p.stamp(),
	}
}
