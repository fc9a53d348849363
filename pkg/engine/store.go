package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileStore persists plans to a directory, one canonical <id>.json plus a
// regenerated human-readable <id>.md per plan. The JSON file is the source
// of truth; the markdown is purely informational.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewFileStore creates a plan store rooted at dir, creating it if needed.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("plan directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plan directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "planstore").Logger(),
	}, nil
}

// Dir returns the plan directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) jsonPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) markdownPath(id string) string {
	return filepath.Join(s.dir, id+".md")
}

// SavePlan writes the plan atomically and regenerates its markdown rendering.
// A markdown write failure is logged and ignored; the JSON file decides.
func (s *FileStore) SavePlan(plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return NewPermanentError("failed to serialize plan", err).
			WithCode(ErrCodeStorageError).WithResource(plan.ID)
	}

	path := s.jsonPath(plan.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return NewPermanentError("failed to write plan file", err).
			WithCode(ErrCodeStorageError).WithResource(plan.ID)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return NewPermanentError("failed to replace plan file", err).
			WithCode(ErrCodeStorageError).WithResource(plan.ID)
	}

	if err := os.WriteFile(s.markdownPath(plan.ID), []byte(renderMarkdown(plan)), 0o644); err != nil {
		s.logger.Warn().Str("plan_id", plan.ID).Err(err).Msg("failed to write plan markdown")
	}
	return nil
}

// LoadPlan reads and deserializes a plan by id.
func (s *FileStore) LoadPlan(id string) (*Plan, error) {
	data, err := os.ReadFile(s.jsonPath(id))
	if os.IsNotExist(err) {
		return nil, NewPermanentError("plan not found", err).
			WithCode(ErrCodePlanNotFound).WithResource(id)
	}
	if err != nil {
		return nil, NewPermanentError("failed to read plan file", err).
			WithCode(ErrCodeStorageError).WithResource(id)
	}

	plan := &Plan{}
	if err := json.Unmarshal(data, plan); err != nil {
		return nil, NewPermanentError("corrupt plan file", err).
			WithCode(ErrCodeStorageError).WithResource(id)
	}
	return plan, nil
}

// planHeader is the subset of plan fields decoded when listing, so listing
// does not pay for step deserialization.
type planHeader struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Status         PlanStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	TotalSteps     int        `json:"total_steps"`
	CompletedSteps int        `json:"completed_steps"`
	FailedSteps    int        `json:"failed_steps"`
	SkippedSteps   int        `json:"skipped_steps"`
	Tags           []string   `json:"tags,omitempty"`
}

// ListPlans returns one summary per plan file, newest first, optionally
// filtered by status. statusFilter == "" means all plans.
func (s *FileStore) ListPlans(statusFilter PlanStatus) ([]PlanSummary, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, NewPermanentError("failed to read plan directory", err).
			WithCode(ErrCodeStorageError)
	}

	var summaries []PlanSummary
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, NewPermanentError("failed to read plan file", err).
				WithCode(ErrCodeStorageError).WithResource(name)
		}

		var header planHeader
		if err := json.Unmarshal(data, &header); err != nil {
			s.logger.Warn().Str("file", name).Err(err).Msg("unreadable plan file")
			if statusFilter == "" {
				summaries = append(summaries, PlanSummary{
					ID:        strings.TrimSuffix(name, ".json"),
					LoadError: err.Error(),
				})
			}
			continue
		}
		if statusFilter != "" && header.Status != statusFilter {
			continue
		}

		summaries = append(summaries, PlanSummary{
			ID:             header.ID,
			Title:          header.Title,
			Status:         header.Status,
			CreatedAt:      header.CreatedAt,
			TotalSteps:     header.TotalSteps,
			CompletedSteps: header.CompletedSteps,
			FailedSteps:    header.FailedSteps,
			SkippedSteps:   header.SkippedSteps,
			Tags:           header.Tags,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// DeletePlan removes both plan files. Running plans cannot be deleted.
func (s *FileStore) DeletePlan(id string) error {
	plan, err := s.LoadPlan(id)
	if err != nil {
		return err
	}
	if plan.Status == PlanStatusRunning {
		return NewPermanentError("cannot delete a running plan", nil).
			WithCode(ErrCodePlanNotExecutable).WithResource(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.jsonPath(id)); err != nil {
		return NewPermanentError("failed to delete plan file", err).
			WithCode(ErrCodeStorageError).WithResource(id)
	}
	if err := os.Remove(s.markdownPath(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Str("plan_id", id).Err(err).Msg("failed to delete plan markdown")
	}
	return nil
}

// statusMarker maps a step status to its markdown checklist marker.
func statusMarker(status StepStatus) string {
	switch status {
	case StepStatusCompleted:
		return "x"
	case StepStatusFailed:
		return "!"
	case StepStatusSkipped:
		return "-"
	case StepStatusRunning:
		return "~"
	case StepStatusRequiresApproval:
		return "?"
	default:
		return " "
	}
}

// renderMarkdown produces the informational markdown rendering of a plan.
func renderMarkdown(plan *Plan) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# %s\n\n", plan.Title))
	if plan.Description != "" {
		sb.WriteString(plan.Description + "\n\n")
	}
	sb.WriteString(fmt.Sprintf("- **ID**: `%s`\n", plan.ID))
	sb.WriteString(fmt.Sprintf("- **Status**: %s\n", plan.Status))
	sb.WriteString(fmt.Sprintf("- **Created**: %s\n", plan.CreatedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("- **Steps**: %d total, %d completed, %d failed, %d skipped\n\n",
		plan.TotalSteps, plan.CompletedSteps, plan.FailedSteps, plan.SkippedSteps))

	sb.WriteString("## Steps\n\n")
	for _, step := range plan.Steps {
		sb.WriteString(fmt.Sprintf("- [%s] `%s` %s (%s", statusMarker(step.Status), step.ID, step.ToolName, step.RiskLevel))
		if step.RequiresApproval {
			sb.WriteString(", approval required")
		}
		sb.WriteString(")")
		if len(step.DependsOn) > 0 {
			sb.WriteString(fmt.Sprintf(" after %s", strings.Join(step.DependsOn, ", ")))
		}
		if step.Description != "" {
			sb.WriteString(": " + step.Description)
		}
		if step.ErrorMessage != "" {
			sb.WriteString(fmt.Sprintf("\n  - error: %s", step.ErrorMessage))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
