package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

type ActivityItem struct {
	Icon    string
	Message string
	At      time.Time
}

// ActivityFeed keeps the most recent memory events for the side panel.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 8}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[len(f.items)-f.maxItems:]
	}
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// AddEvent records a memory event. Turn completions are already visible in
// the transcript and are skipped.
func (f *ActivityFeed) AddEvent(ev EventFrame, now time.Time) bool {
	item, ok := describeEvent(ev)
	if !ok {
		return false
	}
	item.At = now
	f.Add(item)
	return true
}

func describeEvent(ev EventFrame) (ActivityItem, bool) {
	var p struct {
		Version   int    `json:"version"`
		BatchSize int    `json:"batch_size"`
		Total     int    `json:"total"`
		Error     string `json:"error"`
		ErrorKind string `json:"error_kind"`
	}
	_ = json.Unmarshal(ev.Payload, &p)

	switch ev.Topic {
	case "memory.compaction.completed":
		return ActivityItem{Icon: "+", Message: fmt.Sprintf("summary v%d, folded %d of %d messages", p.Version, p.BatchSize, p.Total)}, true
	case "memory.compaction.failed":
		return ActivityItem{Icon: "!", Message: "compaction failed: " + p.Error}, true
	case "memory.turn.failed":
		return ActivityItem{Icon: "!", Message: fmt.Sprintf("turn failed (%s)", p.ErrorKind)}, true
	case "memory.turn.duplicate":
		return ActivityItem{Icon: "=", Message: "duplicate message dropped"}, true
	}
	return ActivityItem{}, false
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d events (/activity to expand) ──", len(f.items))) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	warnS := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	var out strings.Builder
	out.WriteString(dim.Render("── Memory (/activity to collapse) ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s %s", it.At.Format("15:04:05"), it.Icon, it.Message)
		if it.Icon == "!" {
			out.WriteString(warnS.Render(line) + "\n")
			continue
		}
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}
