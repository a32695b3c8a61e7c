// Package tasks turns a session's categorized mistakes into follow-up
// learning tasks.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/speakpair/speakpair-server/internal/domain"
	"github.com/speakpair/speakpair-server/internal/metrics"
	"github.com/speakpair/speakpair-server/internal/store"
)

// template shapes the generated task for one mistake category.
type template struct {
	taskType         string
	title            string
	content          string
	estimatedMinutes int
}

var templates = map[domain.MistakeCategory]template{
	domain.CategoryGrammar: {
		taskType:         "grammar_drill",
		title:            "Grammar review from your last conversation",
		content:          "Rewrite each flagged sentence correctly, then build one new sentence using the same structure.",
		estimatedMinutes: 10,
	},
	domain.CategoryVocabulary: {
		taskType:         "vocabulary_drill",
		title:            "Vocabulary practice from your last conversation",
		content:          "For each flagged word, learn the suggested alternative and use it in two sentences of your own.",
		estimatedMinutes: 8,
	},
	domain.CategoryPronunciation: {
		taskType:         "pronunciation_drill",
		title:            "Pronunciation practice from your last conversation",
		content:          "Say each flagged phrase aloud five times, recording yourself on the last attempt and comparing.",
		estimatedMinutes: 5,
	},
}

// Generator creates per-category learning tasks from persisted mistakes.
type Generator struct {
	repo     store.Repository
	dueAfter time.Duration
	metrics  *metrics.Metrics
}

// NewGenerator creates a task generator. dueAfter sets how long the learner
// has to complete a freshly generated task.
func NewGenerator(repo store.Repository, dueAfter time.Duration) *Generator {
	return &Generator{
		repo:     repo,
		dueAfter: dueAfter,
		metrics:  metrics.New(),
	}
}

// CreateTasksFromMistakes generates at most one task per mistake category for
// one participant of a finished session. Categories with no mistakes produce
// no task. A failure on one category does not stop the others; all failures
// come back joined.
func (g *Generator) CreateTasksFromMistakes(ctx context.Context, userID, sessionID string, mistakes []domain.Mistake) ([]domain.LearningTask, error) {
	byCategory := make(map[domain.MistakeCategory][]domain.Mistake)
	for _, m := range mistakes {
		if m.UserID != userID {
			continue
		}
		byCategory[m.Category] = append(byCategory[m.Category], m)
	}

	var created []domain.LearningTask
	var errs []error
	now := time.Now()
	for _, category := range domain.MistakeCategories {
		group := byCategory[category]
		if len(group) == 0 {
			continue
		}
		tpl := templates[category]
		task := domain.LearningTask{
			ID:               taskID(sessionID, userID, category),
			UserID:           userID,
			SessionID:        sessionID,
			Type:             tpl.taskType,
			Title:            tpl.title,
			Content:          tpl.content,
			Status:           domain.TaskPending,
			EstimatedMinutes: tpl.estimatedMinutes,
			DueDate:          now.Add(g.dueAfter),
			CreatedAt:        now,
		}
		for _, m := range group {
			task.MistakeIDs = append(task.MistakeIDs, m.ID)
		}

		if err := g.repo.CreateTask(ctx, &task); err != nil {
			errs = append(errs, fmt.Errorf("create %s task: %w", category, err))
			continue
		}
		for _, m := range group {
			if err := g.repo.LinkTaskMistake(ctx, task.ID, m.ID); err != nil {
				slog.Warn("link task mistake failed",
					"task_id", task.ID, "mistake_id", m.ID, "error", err)
			}
		}
		g.metrics.TasksCreated.WithLabelValues(string(category)).Inc()
		created = append(created, task)
	}

	return created, errors.Join(errs...)
}

// taskID is stable per (session, user, category) so re-running generation for
// a session, as an analysis retry does, targets the same task rows.
func taskID(sessionID, userID string, category domain.MistakeCategory) string {
	return uuid.NewSHA1(uuid.NameSpaceOID,
		[]byte(fmt.Sprintf("task:%s:%s:%s", sessionID, userID, category))).String()
}
