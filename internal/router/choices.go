package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"github.com/loykin/kithost/internal/background"
	"github.com/loykin/kithost/internal/message"
	"github.com/loykin/kithost/internal/schedule"
)

// InvalidChoicesWarning is shown in the prompt when a choice batch is rejected.
const InvalidChoicesWarning = `Warning: arg choices must have "name" and "value"`

const calendarLayout = "Jan 2, 3:04:05PM"

// EnrichChoices decorates script choices with live background, schedule and
// watch status. The input slice is not modified.
func EnrichChoices(choices []message.Choice, tasks []background.TaskInfo, sched []schedule.Entry, now time.Time) []message.Choice {
	byTask := lo.KeyBy(tasks, func(t background.TaskInfo) string { return t.FilePath })
	bySched := lo.KeyBy(sched, func(e schedule.Entry) string { return e.FilePath })

	return lo.Map(choices, func(c message.Choice, _ int) message.Choice {
		if c.Background {
			if t, ok := byTask[c.FilePath]; ok {
				c.Description += fmt.Sprintf("🟢  Uptime: %s PID: %d", relative(t.Start, now), t.PID)
			} else {
				c.Description += "🛑 isn't running"
			}
		}
		if c.Schedule != "" {
			if e, ok := bySched[c.FilePath]; ok {
				c.Description += fmt.Sprintf(" next run in %s - %s - %s",
					relative(e.Next, now), e.Next.Format(calendarLayout), c.Schedule)
			}
		}
		if c.Watch != "" {
			c.Description += " Watching: " + c.Watch
		}
		return c
	})
}

func relative(t, now time.Time) string {
	return strings.TrimSpace(humanize.RelTime(t, now, "", ""))
}
