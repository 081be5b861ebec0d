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

package model

import "time"

type Requirements struct {
	Functional  []string `json:"functional"`
	Technical   []string `json:"technical"`
	Constraints []string `json:"constraints"`
	Keywords    []string `json:"keywords"`
}

// Has reports whether tag appears in any requirement group.
func (r Requirements) Has(tag string) bool {
	for _, group := range [][]string{r.Functional, r.Technical, r.Constraints} {
		for _, v := range group {
			if v == tag {
				return true
			}
		}
	}
	return false
}

type TaskAnalysis struct {
	Complexity        string   `json:"complexity"`
	EstimatedFeatures int      `json:"estimated_features"`
	TaskType          TaskType `json:"task_type"`
	Priority          Priority `json:"priority"`
}

type TechStack struct {
	Frontend   []string `json:"frontend"`
	Backend    []string `json:"backend"`
	Database   []string `json:"database"`
	Deployment []string `json:"deployment"`
	Tools      []string `json:"tools"`
}

type PlanStep struct {
	Phase         string `json:"phase"`
	Step          int    `json:"step"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	EstimatedTime string `json:"estimated_time"`
	Dependencies  []int  `json:"dependencies"`
}

type ResourceEstimate struct {
	EstimatedMinutes int      `json:"estimated_time_minutes"`
	ComplexityLevel  string   `json:"complexity_level"`
	RequiredSkills   []string `json:"required_skills"`
	ToolsNeeded      []string `json:"tools_needed"`
}

// Plan is the execution plan attached to a task during the planning phase.
type Plan struct {
	Requirements       Requirements     `json:"requirements"`
	Analysis           TaskAnalysis     `json:"task_analysis"`
	TechStack          TechStack        `json:"technology_stack"`
	Steps              []PlanStep       `json:"steps"`
	EstimatedTotalTime string           `json:"estimated_total_time"`
	Resources          ResourceEstimate `json:"resource_estimate"`
	CreatedAt          time.Time        `json:"created_at"`
}

// TotalSteps is the number of steps in the plan.
func (p *Plan) TotalSteps() int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}
