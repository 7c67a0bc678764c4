// Package memory provides bounded, token-budgeted conversation history
// for vocalis. Each connection owns one Memory; it is not safe for
// concurrent use and does not need to be, since a connection's turns
// are strictly sequential.
package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vocalis-ai/vocalis/pkg/models"
)

const (
	// keepRecent is the number of trailing messages always considered
	// "recent" by the summarization and compression passes.
	keepRecent = 4

	// digestMaxChars truncates each message's contribution to a summary.
	digestMaxChars = 100

	// summaryPrefix introduces the synthetic system turn produced by
	// the summarization pass.
	summaryPrefix = "Previous conversation summary: "
)

// Config bounds a Memory instance.
type Config struct {
	MaxTokens          int
	MaxMessages        int
	SummarizeThreshold int
	ImportantKeywords  []string
	Estimator          TokenEstimator
}

// Memory holds an ordered sequence of conversation turns and keeps it
// within token and message budgets. Append-only from the caller's
// perspective; internally compactable.
type Memory struct {
	cfg       Config
	keywords  []string
	estimator TokenEstimator

	messages    []models.Message
	totalTokens int
}

// Stats is a point-in-time snapshot of memory state.
type Stats struct {
	TotalMessages     int `json:"total_messages"`
	TotalTokens       int `json:"total_tokens"`
	MaxTokens         int `json:"max_tokens"`
	MaxMessages       int `json:"max_messages"`
	ImportantMessages int `json:"important_messages"`
}

// New creates a Memory with the given budgets.
func New(cfg Config) *Memory {
	est := cfg.Estimator
	if est == nil {
		est = HeuristicEstimator{}
	}
	keywords := make([]string, 0, len(cfg.ImportantKeywords))
	for _, kw := range cfg.ImportantKeywords {
		keywords = append(keywords, strings.ToLower(kw))
	}
	return &Memory{
		cfg:       cfg,
		keywords:  keywords,
		estimator: est,
	}
}

// AddMessage appends a turn and immediately re-enforces the budgets:
// summarization, then token compression, then count trimming.
func (m *Memory) AddMessage(role models.Role, content string) {
	msg := models.Message{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
		Tokens:    m.estimator.Estimate(content),
		Important: m.isImportant(content),
	}

	m.messages = append(m.messages, msg)
	m.totalTokens += msg.Tokens

	log.Debug().
		Str("role", string(role)).
		Int("chars", len(content)).
		Int("tokens", msg.Tokens).
		Msg("Message added to memory")

	m.manage()
}

// isImportant reports whether content contains any configured keyword,
// case-insensitively.
func (m *Memory) isImportant(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range m.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// manage runs the three budget passes in their documented order.
func (m *Memory) manage() {
	if len(m.messages) > m.cfg.SummarizeThreshold {
		m.summarize()
	}
	if m.totalTokens > m.cfg.MaxTokens {
		m.compress()
	}
	if len(m.messages) > m.cfg.MaxMessages {
		m.trim()
	}
}

// summarize collapses everything but the most recent messages into a
// single synthetic system turn.
func (m *Memory) summarize() {
	if len(m.messages) <= 2 || len(m.messages) <= keepRecent {
		return
	}

	old := m.messages[:len(m.messages)-keepRecent]
	recent := m.messages[len(m.messages)-keepRecent:]

	digest := digestMessages(old)
	summary := models.Message{
		Role:      models.RoleSystem,
		Content:   summaryPrefix + digest,
		CreatedAt: time.Now(),
		Tokens:    m.estimator.Estimate(digest),
		IsSummary: true,
	}

	replaced := make([]models.Message, 0, 1+len(recent))
	replaced = append(replaced, summary)
	replaced = append(replaced, recent...)
	m.messages = replaced
	m.recount()

	log.Info().
		Int("summarized", len(old)).
		Int("kept", len(recent)).
		Msg("Memory summarized")
}

// digestMessages builds the pipe-joined, per-message-truncated digest
// used as summary content.
func digestMessages(msgs []models.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		content := msg.Content
		if len(content) > digestMaxChars {
			content = content[:digestMaxChars] + "..."
		}
		parts = append(parts, capitalize(string(msg.Role))+": "+content)
	}
	return strings.Join(parts, " | ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// compress drops the oldest non-protected messages until the token
// budget is met. The retained set is the union of important messages
// and the most recent ones; trimming stops at two messages even if the
// budget is still exceeded, so a pathological all-important history may
// exceed the ceiling. That behavior is deliberate.
func (m *Memory) compress() {
	combined := m.retainedUnion(keepRecent)

	for m.tokensOf(combined) > m.cfg.MaxTokens && len(combined) > 2 {
		combined = combined[1:]
	}

	m.rebuild(combined)

	log.Info().
		Int("messages", len(m.messages)).
		Int("tokens", m.totalTokens).
		Msg("Memory compressed")
}

// trim enforces the message-count budget, keeping the newest messages
// of the important-plus-recent union.
func (m *Memory) trim() {
	combined := m.retainedUnion(m.cfg.MaxMessages)
	if len(combined) > m.cfg.MaxMessages {
		combined = combined[len(combined)-m.cfg.MaxMessages:]
	}

	m.rebuild(combined)

	log.Info().Int("messages", len(m.messages)).Msg("Memory trimmed")
}

// retainedUnion returns the indices of messages that are important or
// among the trailing recentN, deduplicated and in chronological order.
func (m *Memory) retainedUnion(recentN int) []int {
	seen := make(map[int]bool, len(m.messages))
	var indices []int

	for i, msg := range m.messages {
		if msg.Important && !seen[i] {
			seen[i] = true
			indices = append(indices, i)
		}
	}
	start := len(m.messages) - recentN
	if start < 0 {
		start = 0
	}
	for i := start; i < len(m.messages); i++ {
		if !seen[i] {
			seen[i] = true
			indices = append(indices, i)
		}
	}

	sort.Ints(indices)
	return indices
}

// tokensOf sums token estimates for the given message indices.
func (m *Memory) tokensOf(indices []int) int {
	total := 0
	for _, i := range indices {
		total += m.messages[i].Tokens
	}
	return total
}

// rebuild replaces the retained sequence with the messages at the given
// indices and recomputes the running total.
func (m *Memory) rebuild(indices []int) {
	kept := make([]models.Message, 0, len(indices))
	for _, i := range indices {
		kept = append(kept, m.messages[i])
	}
	m.messages = kept
	m.recount()
}

func (m *Memory) recount() {
	total := 0
	for _, msg := range m.messages {
		total += msg.Tokens
	}
	m.totalTokens = total
}

// Context returns the maximal suffix of retained turns whose cumulative
// token estimate fits within tokenLimit, in chronological order and
// stripped of bookkeeping. A non-positive limit uses MaxTokens.
func (m *Memory) Context(tokenLimit int) []models.ContextMessage {
	if tokenLimit <= 0 {
		tokenLimit = m.cfg.MaxTokens
	}

	start := len(m.messages)
	budget := 0
	for i := len(m.messages) - 1; i >= 0; i-- {
		if budget+m.messages[i].Tokens > tokenLimit {
			break
		}
		budget += m.messages[i].Tokens
		start = i
	}

	ctx := make([]models.ContextMessage, 0, len(m.messages)-start)
	for _, msg := range m.messages[start:] {
		ctx = append(ctx, msg.Strip())
	}
	return ctx
}

// Messages returns a copy of all retained turns with bookkeeping intact.
func (m *Memory) Messages() []models.Message {
	out := make([]models.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// TotalTokens returns the running token total.
func (m *Memory) TotalTokens() int {
	return m.totalTokens
}

// Clear resets all state.
func (m *Memory) Clear() {
	m.messages = nil
	m.totalTokens = 0
	log.Debug().Msg("Memory cleared")
}

// Stats returns a snapshot of current memory usage.
func (m *Memory) Stats() Stats {
	important := 0
	for _, msg := range m.messages {
		if msg.Important {
			important++
		}
	}
	return Stats{
		TotalMessages:     len(m.messages),
		TotalTokens:       m.totalTokens,
		MaxTokens:         m.cfg.MaxTokens,
		MaxMessages:       m.cfg.MaxMessages,
		ImportantMessages: important,
	}
}
