// Package contextwin assembles the prompt sent to the language-model backend:
// a bounded, recency-biased sample of earlier turns followed by the new user
// message.
//
// History is split into three tiers counted back from the most recent turn.
// The recent tier is taken at full density, the middle tier at every
// MiddleStride-th turn and the older tier at every OlderStride-th turn, with a
// second sparse pass over the older tier if budget remains. Every tier is
// scanned most-recent-first and stops at the first turn that does not fit.
// Selected turns are rendered in chronological order.
//
// A Builder is immutable and safe for concurrent use.
package contextwin

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/parley/pkg/thread"
)

// DefaultBudget is the default character budget for one prompt.
const DefaultBudget = 10_000

// Policy holds the tier geometry and the rendering labels.
type Policy struct {
	// RecentTurns is the size of the full-density tier.
	RecentTurns int

	// MiddleTurns is the size of the tier sampled at MiddleStride.
	MiddleTurns int

	// MiddleStride samples every n-th turn of the middle tier.
	MiddleStride int

	// OlderStride samples every n-th turn of the remaining history.
	OlderStride int

	// SparseStride is the stride of the second pass over the older tier.
	SparseStride int

	// TurnOverhead is charged per included turn on top of its text length.
	TurnOverhead int

	Header         string
	UserLabel      string
	AssistantLabel string
	RequestLabel   string
	Instruction    string
}

// DefaultPolicy returns the standard 10/10/rest tiers with strides 2/4/8 and a
// 50 character overhead per turn.
func DefaultPolicy() Policy {
	return Policy{
		RecentTurns:    10,
		MiddleTurns:    10,
		MiddleStride:   2,
		OlderStride:    4,
		SparseStride:   8,
		TurnOverhead:   50,
		Header:         "Previous conversation:",
		UserLabel:      "User:",
		AssistantLabel: "Assistant:",
		RequestLabel:   "Current request:",
		Instruction:    "Use the previous conversation for context and keep your answer consistent with it.",
	}
}

// Validate reports every invalid field.
func (p Policy) Validate() error {
	var errs []error
	if p.RecentTurns < 0 {
		errs = append(errs, fmt.Errorf("recent_turns must be >= 0, got %d", p.RecentTurns))
	}
	if p.MiddleTurns < 0 {
		errs = append(errs, fmt.Errorf("middle_turns must be >= 0, got %d", p.MiddleTurns))
	}
	for name, v := range map[string]int{"middle_stride": p.MiddleStride, "older_stride": p.OlderStride, "sparse_stride": p.SparseStride} {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be >= 1, got %d", name, v))
		}
	}
	if p.TurnOverhead < 0 {
		errs = append(errs, fmt.Errorf("turn_overhead must be >= 0, got %d", p.TurnOverhead))
	}
	return errors.Join(errs...)
}

// Tier identifies which sampling tier a turn was selected from.
type Tier int

const (
	TierRecent Tier = iota
	TierMiddle
	TierOlder
)

// Selection is the outcome of the sampling step.
type Selection struct {
	// Turns are the selected turns in chronological order.
	Turns []thread.Turn

	// Chars is the accounted total: the new message length plus the cost of
	// every selected turn. It never exceeds the budget.
	Chars int

	// PerTier counts selected turns by tier.
	PerTier [3]int
}

// Builder selects and renders context for a fixed budget and policy.
type Builder struct {
	budget int
	policy Policy
}

// Option configures a Builder.
type Option func(*Builder)

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) Option {
	return func(b *Builder) { b.policy = p }
}

// New returns a Builder for the given character budget.
func New(budget int, opts ...Option) *Builder {
	b := &Builder{budget: budget, policy: DefaultPolicy()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Budget returns the configured character budget.
func (b *Builder) Budget() int { return b.budget }

// Build renders newMessage with as much sampled history as the budget allows.
// It returns newMessage unchanged when history is empty or no turn fits.
func Build(newMessage string, history []thread.Turn, budget int) string {
	return New(budget).Build(newMessage, history)
}

// Build renders newMessage with as much sampled history as the budget allows.
func (b *Builder) Build(newMessage string, history []thread.Turn) string {
	prompt, _ := b.Assemble(newMessage, history)
	return prompt
}

// Assemble is Build that also returns the selection it rendered.
func (b *Builder) Assemble(newMessage string, history []thread.Turn) (string, Selection) {
	sel := b.Select(newMessage, history)
	if len(sel.Turns) == 0 {
		return newMessage, sel
	}
	return b.render(newMessage, sel.Turns), sel
}

// Select runs the tiered sampling without rendering.
func (b *Builder) Select(newMessage string, history []thread.Turn) Selection {
	n := len(history)
	sel := Selection{Chars: utf8.RuneCountInString(newMessage)}
	if n == 0 {
		return sel
	}

	p := b.policy
	recentEnd := min(p.RecentTurns, n)
	middleEnd := recentEnd + min(p.MiddleTurns, n-recentEnd)

	// Offsets count back from the most recent turn: offset 0 is history[n-1].
	included := make(map[int]Tier)
	scan := func(start, end, stride int, tier Tier) {
		for off := start; off < end; off += max(stride, 1) {
			if _, ok := included[off]; ok {
				continue
			}
			cost := b.cost(history[n-1-off])
			if sel.Chars+cost > b.budget {
				return
			}
			sel.Chars += cost
			included[off] = tier
		}
	}

	scan(0, recentEnd, 1, TierRecent)
	scan(recentEnd, middleEnd, p.MiddleStride, TierMiddle)
	scan(middleEnd, n, p.OlderStride, TierOlder)
	if sel.Chars < b.budget {
		scan(middleEnd, n, p.SparseStride, TierOlder)
	}

	positions := make([]int, 0, len(included))
	for off, tier := range included {
		positions = append(positions, n-1-off)
		sel.PerTier[tier]++
	}
	slices.Sort(positions)
	sel.Turns = make([]thread.Turn, len(positions))
	for i, pos := range positions {
		sel.Turns[i] = history[pos]
	}
	return sel
}

func (b *Builder) cost(t thread.Turn) int {
	return utf8.RuneCountInString(t.UserMessage) + utf8.RuneCountInString(t.AssistantReply) + b.policy.TurnOverhead
}

func (b *Builder) render(newMessage string, turns []thread.Turn) string {
	p := b.policy
	blocks := make([]string, 0, len(turns))
	for _, t := range turns {
		blocks = append(blocks, p.UserLabel+" "+t.UserMessage+"\n"+p.AssistantLabel+" "+t.AssistantReply)
	}

	var sb strings.Builder
	sb.WriteString(p.Header)
	sb.WriteString("\n\n")
	sb.WriteString(strings.Join(blocks, "\n\n"))
	sb.WriteString("\n\n")
	sb.WriteString(p.RequestLabel)
	sb.WriteString("\n")
	sb.WriteString(newMessage)
	sb.WriteString("\n\n")
	sb.WriteString(p.Instruction)
	return sb.String()
}
