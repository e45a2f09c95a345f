package web

import (
	"fmt"
	"time"

	"github.com/lucasnoah/handoff/internal/pipeline"
)

// PipelineRow is the list view of one instance.
type PipelineRow struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	ProjectName  string          `json:"project_name"`
	Status       pipeline.Status `json:"status"`
	CurrentStage string          `json:"current_stage"`
	Progress     float64         `json:"progress"`
	Summary      string          `json:"summary"`
	ProductURL   string          `json:"product_url,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	UpdatedAgo   string          `json:"updated_ago"`
	IsLive       bool            `json:"is_live"` // driven by this process right now
}

func pipelineRows(list []*pipeline.Instance, live func(id string) bool) []PipelineRow {
	rows := make([]PipelineRow, 0, len(list))
	for _, inst := range list {
		rows = append(rows, PipelineRow{
			ID:           inst.ID,
			OwnerID:      inst.OwnerID,
			ProjectName:  inst.Config.ProjectName,
			Status:       inst.Status,
			CurrentStage: string(inst.CurrentStage),
			Progress:     inst.Progress,
			Summary:      inst.Summary,
			ProductURL:   pipeline.OutputString(inst.Outputs, pipeline.OutProductURL),
			UpdatedAt:    inst.UpdatedAt,
			UpdatedAgo:   relTime(inst.UpdatedAt, time.Now()),
			IsLive:       live != nil && live(inst.ID),
		})
	}
	return rows
}

// relTime renders t relative to now ("just now", "5m ago", "3d ago").
func relTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
