package ai

import (
	"strings"
	"time"

	"github.com/floegence/flower-relay/internal/runtime"
)

// RunContext is the mutable state of one in-flight run.
//
// It is owned by the goroutine executing the run. Hooks and the checkpoint
// manager read it only from calls made on that goroutine.
type RunContext struct {
	SessionID      string
	Model          string
	Cwd            string
	PermissionMode string
	StartedAt      time.Time

	// TurnCount and TotalCost are only ever taken from the runtime's result.
	TurnCount int
	TotalCost *float64

	// LastUserTurnID anchors checkpoints. It is tracked only when
	// checkpointing is enabled.
	LastUserTurnID string

	checkpointing bool
	isError       bool
	resultText    *string

	usage         *runtime.Usage
	lastUsage     *runtime.Usage
	perModelUsage map[string]runtime.Usage

	files    fileSet
	partials *partialBuffers

	resultWarnings []string
}

type RunContextOptions struct {
	SessionID        string
	Model            string
	Cwd              string
	PermissionMode   string
	Checkpointing    bool
	PartialStreaming bool
}

func NewRunContext(opts RunContextOptions) *RunContext {
	rc := &RunContext{
		SessionID:      strings.TrimSpace(opts.SessionID),
		Model:          strings.TrimSpace(opts.Model),
		Cwd:            strings.TrimSpace(opts.Cwd),
		PermissionMode: strings.TrimSpace(opts.PermissionMode),
		StartedAt:      time.Now(),
		checkpointing:  opts.Checkpointing,
		perModelUsage:  map[string]runtime.Usage{},
	}
	if opts.PartialStreaming {
		rc.partials = &partialBuffers{blocks: map[int]*PartialBlock{}}
	}
	return rc
}

func (rc *RunContext) CheckpointingEnabled() bool {
	return rc != nil && rc.checkpointing
}

func (rc *RunContext) PartialStreamingEnabled() bool {
	return rc != nil && rc.partials != nil
}

// MarkError latches the run as failed. There is no way to clear it.
func (rc *RunContext) MarkError() {
	if rc != nil {
		rc.isError = true
	}
}

func (rc *RunContext) IsError() bool {
	return rc != nil && rc.isError
}

// SetResultText records the final result. Only the first call has effect.
func (rc *RunContext) SetResultText(text string) bool {
	if rc == nil || rc.resultText != nil {
		return false
	}
	rc.resultText = &text
	return true
}

func (rc *RunContext) ResultText() (string, bool) {
	if rc == nil || rc.resultText == nil {
		return "", false
	}
	return *rc.resultText, true
}

// AddModifiedFile records a touched path; duplicates are ignored.
func (rc *RunContext) AddModifiedFile(path string) bool {
	if rc == nil {
		return false
	}
	return rc.files.add(path)
}

// FilesModified returns a copy of the touched paths in first-touch order.
func (rc *RunContext) FilesModified() []string {
	if rc == nil {
		return nil
	}
	return rc.files.snapshot()
}

func (rc *RunContext) MergeModelUsage(model string, u runtime.Usage) {
	if rc == nil {
		return
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return
	}
	rc.perModelUsage[model] = rc.perModelUsage[model].Add(u)
}

func (rc *RunContext) ModelUsage() map[string]runtime.Usage {
	if rc == nil || len(rc.perModelUsage) == 0 {
		return nil
	}
	out := make(map[string]runtime.Usage, len(rc.perModelUsage))
	for k, v := range rc.perModelUsage {
		out[k] = v
	}
	return out
}

// Usage is the run's token usage: the runtime's reported total when there
// is one, else the per-model sum, else the last assistant usage.
func (rc *RunContext) Usage() runtime.Usage {
	if rc == nil {
		return runtime.Usage{}
	}
	if rc.usage != nil {
		return *rc.usage
	}
	if len(rc.perModelUsage) > 0 {
		var sum runtime.Usage
		for _, u := range rc.perModelUsage {
			sum = sum.Add(u)
		}
		return sum
	}
	if rc.lastUsage != nil {
		return *rc.lastUsage
	}
	return runtime.Usage{}
}

func (rc *RunContext) DurationMS() int64 {
	if rc == nil || rc.StartedAt.IsZero() {
		return 0
	}
	return time.Since(rc.StartedAt).Milliseconds()
}

// fileSet is an insertion-ordered set of paths.
type fileSet struct {
	order []string
	seen  map[string]struct{}
}

func (s *fileSet) add(path string) bool {
	path = strings.TrimSpace(path)
	if path == "" {
		return false
	}
	if s.seen == nil {
		s.seen = map[string]struct{}{}
	}
	if _, ok := s.seen[path]; ok {
		return false
	}
	s.seen[path] = struct{}{}
	s.order = append(s.order, path)
	return true
}

func (s *fileSet) snapshot() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Partial block kinds.
const (
	PartialText      = "text"
	PartialThinking  = "thinking"
	PartialToolInput = "tool_input"
)

// PartialBlock is a content block that is still streaming.
type PartialBlock struct {
	Index int
	Kind  string
	buf   strings.Builder
}

func (b *PartialBlock) Accumulated() string {
	if b == nil {
		return ""
	}
	return b.buf.String()
}

type partialBuffers struct {
	blocks map[int]*PartialBlock
}

func (rc *RunContext) startPartial(index int, kind string) {
	if rc == nil || rc.partials == nil {
		return
	}
	rc.partials.blocks[index] = &PartialBlock{Index: index, Kind: kind}
}

func (rc *RunContext) appendPartial(index int, fragment string) {
	if rc == nil || rc.partials == nil {
		return
	}
	b := rc.partials.blocks[index]
	if b == nil {
		// A delta without a start still gets a buffer.
		b = &PartialBlock{Index: index}
		rc.partials.blocks[index] = b
	}
	b.buf.WriteString(fragment)
}

func (rc *RunContext) stopPartial(index int) *PartialBlock {
	if rc == nil || rc.partials == nil {
		return nil
	}
	b := rc.partials.blocks[index]
	delete(rc.partials.blocks, index)
	return b
}

// OpenPartial returns the in-progress block at index, if any.
func (rc *RunContext) OpenPartial(index int) *PartialBlock {
	if rc == nil || rc.partials == nil {
		return nil
	}
	return rc.partials.blocks[index]
}

func (rc *RunContext) OpenPartialCount() int {
	if rc == nil || rc.partials == nil {
		return 0
	}
	return len(rc.partials.blocks)
}
