package output

import (
	"fmt"
	"strings"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/core/engine"
)

// MarkdownFormatter renders results as markdown tables.
type MarkdownFormatter struct{}

// FormatRun renders a run summary as Markdown.
func (f *MarkdownFormatter) FormatRun(summary *engine.RunSummary) (string, error) {
	if summary == nil {
		return "", nil
	}

	var sb strings.Builder
	if summary.DryRun {
		sb.WriteString("## Due posts (dry run)\n\n")
	} else {
		sb.WriteString("## Publish run\n\n")
	}
	sb.WriteString("| Post | Status | Platforms | Notes |\n")
	sb.WriteString("|------|--------|-----------|-------|\n")
	for _, outcome := range summary.Results {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n",
			escapeMarkdownCell(outcome.PostID),
			escapeMarkdownCell(string(outcome.Status)),
			escapeMarkdownCell(platformSummary(outcome.Platforms)),
			escapeMarkdownCell(outcomeNotes(outcome)),
		))
	}
	sb.WriteString(fmt.Sprintf("\n**Summary**: %s\n", runFooter(summary)))
	return sb.String(), nil
}

// FormatPosts renders a post listing as Markdown.
func (f *MarkdownFormatter) FormatPosts(posts []*core.Post) (string, error) {
	var sb strings.Builder
	sb.WriteString("| ID | Status | Scheduled | Targets | Text |\n")
	sb.WriteString("|----|--------|-----------|---------|------|\n")
	for _, post := range posts {
		if post == nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s |\n",
			escapeMarkdownCell(post.ID),
			escapeMarkdownCell(string(post.Status)),
			escapeMarkdownCell(formatTime(post.ScheduledAt)),
			escapeMarkdownCell(targetList(post.Targets)),
			escapeMarkdownCell(truncate(post.Content.Text, 60)),
		))
	}
	return sb.String(), nil
}

// FormatRateLimits renders rate limit snapshots as Markdown.
func (f *MarkdownFormatter) FormatRateLimits(statuses []*core.RateLimitStatus) (string, error) {
	var sb strings.Builder
	sb.WriteString("| Platform | Remaining | Limit | Resets In | Queued |\n")
	sb.WriteString("|----------|-----------|-------|-----------|--------|\n")
	for _, status := range statuses {
		if status == nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("| %s | %d | %d | %s | %d |\n",
			escapeMarkdownCell(string(status.Platform)),
			status.Remaining,
			status.Limit,
			formatWait(status.ResetIn),
			status.QueueDepth,
		))
	}
	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.ReplaceAll(value, "|", "\\|")
}
