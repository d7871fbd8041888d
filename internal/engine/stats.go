package engine

import (
	"context"
	"time"

	"github.com/kokoroai/kokoro/pkg/types"
)

// Stats is the aggregate view behind memory(operation=stats).
type Stats struct {
	Count             int            `json:"count"`
	TotalContentChars int            `json:"total_content_chars"`
	PerEmotion        map[string]int `json:"per_emotion,omitempty"`
	PerTag            map[string]int `json:"per_tag,omitempty"`
	QueueDepth        int            `json:"queue_depth"`
	Dirty             bool           `json:"dirty"`
	LastWrite         time.Time      `json:"last_write,omitempty"`
	LastRebuild       time.Time      `json:"last_rebuild,omitempty"`
}

func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	count, err := e.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	chars, err := e.store.SumContentChars(ctx)
	if err != nil {
		return nil, err
	}
	all, err := e.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	perEmotion := map[string]int{}
	perTag := map[string]int{}
	for _, record := range all {
		if record.Emotion != "" {
			perEmotion[record.Emotion]++
		}
		for _, tag := range record.Tags {
			perTag[tag]++
		}
	}

	return &Stats{
		Count:             count,
		TotalContentChars: chars,
		PerEmotion:        perEmotion,
		PerTag:            perTag,
		QueueDepth:        e.queue.Depth(),
		Dirty:             e.dirty.Load(),
		LastWrite:         nanosToTime(e.lastWrite.Load()),
		LastRebuild:       nanosToTime(e.lastRebuild.Load()),
	}, nil
}

// Routines reports the structured tasks due within the check horizon.
type Routines struct {
	DuePromises []types.Promise `json:"due_promises"`
	DueGoals    []types.Goal    `json:"due_goals"`
}

// CheckRoutines returns active promises and goals whose due/target date
// falls within horizonDays of now (including overdue ones). The dedicated
// task tables are canonical; tag-driven memories are only a search view.
func (e *Engine) CheckRoutines(ctx context.Context, horizonDays int) (*Routines, error) {
	if e.tasks == nil {
		return &Routines{}, nil
	}
	if horizonDays <= 0 {
		horizonDays = 7
	}
	horizon := e.now().AddDate(0, 0, horizonDays)

	promises, err := e.tasks.ListPromises(ctx, types.TaskActive)
	if err != nil {
		return nil, err
	}
	goals, err := e.tasks.ListGoals(ctx, types.TaskActive)
	if err != nil {
		return nil, err
	}

	out := &Routines{}
	for _, p := range promises {
		if p.DueDate != nil && p.DueDate.Before(horizon) {
			out.DuePromises = append(out.DuePromises, p)
		}
	}
	for _, g := range goals {
		if g.TargetDate != nil && g.TargetDate.Before(horizon) {
			out.DueGoals = append(out.DueGoals, g)
		}
	}
	return out, nil
}
