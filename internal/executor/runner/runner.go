// Package runner executes jobs inside an executor. A Runner is the pluggable
// agent implementation; the Worker drives the job state machine around it
// and polls for cancellation.
package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/BrokkAi/brokkd/internal/common/stringutil"
	"github.com/BrokkAi/brokkd/internal/executor/console"
	"github.com/BrokkAi/brokkd/internal/executor/store"
	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
)

// Runner runs one job to completion, reporting progress through the console.
// Implementations must return promptly once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, job *store.Job, c *console.Console) error
}

// Scripted is the built-in runner. It walks a fixed sequence of console
// calls derived from the task input, which exercises the whole event surface
// without talking to a model. Real agent runners implement the same
// interface.
type Scripted struct{}

// Run emits a context baseline, streams the task input back as tokens,
// reports phase hints, asks one confirmation, and finishes with a summary
// notification. ctx is honored between every step.
func (Scripted) Run(ctx context.Context, job *store.Job, c *console.Console) error {
	steps := []func() error{
		func() error {
			_, err := c.ContextBaseline(1, snippet(job.TaskInput))
			return err
		},
		func() error {
			_, err := c.StateHint("phase", "planning", job.PlannerModel)
			return err
		},
		func() error {
			for i, tok := range strings.Fields(job.TaskInput) {
				if err := ctx.Err(); err != nil {
					return err
				}
				if _, err := c.LLMToken(tok+" ", "AI", i == 0, false); err != nil {
					return err
				}
			}
			return nil
		},
		func() error {
			_, err := c.StateHint("phase", "coding", job.CodeModel)
			return err
		},
		func() error {
			_, err := c.Confirm("apply the proposed changes", "Apply", v1.OptionYesNo, "tool")
			return err
		},
		func() error {
			_, err := c.StateHintCount("filesChanged", "total", 1)
			return err
		},
		func() error {
			_, err := c.Notify(v1.NotificationInfo, "task complete", "")
			return err
		},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func snippet(taskInput string) string {
	return stringutil.TruncateStringWithEllipsis(strings.TrimSpace(taskInput), 120)
}

// IssueTaskInput derives the task input of an issue-fix job.
func IssueTaskInput(issue int, instructions string) string {
	input := fmt.Sprintf("Fix issue #%d", issue)
	if instructions != "" {
		input += ": " + instructions
	}
	return input
}
