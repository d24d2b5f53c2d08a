package output

import (
	"encoding/json"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/core/engine"
)

// JSONFormatter renders results as JSON, using the same shapes as the HTTP API.
type JSONFormatter struct {
	Indent bool
}

// FormatRun renders a run summary as JSON.
func (f *JSONFormatter) FormatRun(summary *engine.RunSummary) (string, error) {
	if summary == nil {
		summary = &engine.RunSummary{}
	}
	return f.encode(summary)
}

// FormatPosts renders posts as JSON.
func (f *JSONFormatter) FormatPosts(posts []*core.Post) (string, error) {
	if posts == nil {
		posts = []*core.Post{}
	}
	return f.encode(map[string]any{"posts": posts})
}

// FormatRateLimits renders rate limit snapshots keyed by platform.
func (f *JSONFormatter) FormatRateLimits(statuses []*core.RateLimitStatus) (string, error) {
	keyed := make(map[core.Platform]*core.RateLimitStatus, len(statuses))
	for _, status := range statuses {
		if status == nil {
			continue
		}
		keyed[status.Platform] = status
	}
	return f.encode(map[string]any{"platforms": keyed})
}

func (f *JSONFormatter) encode(value any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
