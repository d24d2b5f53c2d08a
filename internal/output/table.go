package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/core/engine"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

// FormatRun renders one row per processed post.
func (f *TableFormatter) FormatRun(summary *engine.RunSummary) (string, error) {
	if summary == nil {
		return "", nil
	}

	t := newTable()
	t.AppendHeader(table.Row{"Post", "Status", "Platforms", "Notes"})
	for _, outcome := range summary.Results {
		t.AppendRow(table.Row{
			outcome.PostID,
			string(outcome.Status),
			platformSummary(outcome.Platforms),
			outcomeNotes(outcome),
		})
	}
	t.AppendFooter(table.Row{"", "", "", runFooter(summary)})
	return t.Render(), nil
}

// FormatPosts renders a post listing.
func (f *TableFormatter) FormatPosts(posts []*core.Post) (string, error) {
	t := newTable()
	t.AppendHeader(table.Row{"ID", "Status", "Scheduled", "Targets", "Retries", "Text"})
	for _, post := range posts {
		if post == nil {
			continue
		}
		t.AppendRow(table.Row{
			post.ID,
			string(post.Status),
			formatTime(post.ScheduledAt),
			targetList(post.Targets),
			post.RetryCount,
			truncate(post.Content.Text, 40),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("%d posts", len(posts))})
	return t.Render(), nil
}

// FormatRateLimits renders the governor's view of each platform.
func (f *TableFormatter) FormatRateLimits(statuses []*core.RateLimitStatus) (string, error) {
	t := newTable()
	t.AppendHeader(table.Row{"Platform", "Remaining", "Limit", "Resets In", "Queued"})
	for _, status := range statuses {
		if status == nil {
			continue
		}
		t.AppendRow(table.Row{
			string(status.Platform),
			status.Remaining,
			status.Limit,
			formatWait(status.ResetIn),
			status.QueueDepth,
		})
	}
	return t.Render(), nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}
