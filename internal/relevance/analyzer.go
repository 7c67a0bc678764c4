// Package relevance decides whether an incoming question actually needs
// prior conversation context. Injecting full history makes the model
// verbose and repetitive, so the analyzer surfaces the minimum plausibly
// relevant slice, or nothing at all.
package relevance

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vocalis-ai/vocalis/pkg/models"
)

// DefaultMaxContextMessages is one exchange: the last user/assistant pair.
const DefaultMaxContextMessages = 2

// recentWindow is how many trailing history turns feed topic extraction.
const recentWindow = 4

// topicsPerText caps the significant words extracted from one text.
const topicsPerText = 5

// The rule tables below are ordered; the decision is first-match-wins.
// Do not reorder them.

// referencePattern matches pronouns that almost always point back at
// earlier turns, as whole words so "it" does not fire inside "items".
var referencePattern = regexp.MustCompile(`\b(it|that|this|them|those|these|they|its|their)\b`)

// followUpPhrases indicate a continuation of the previous exchange.
var followUpPhrases = []string{
	"what about", "how about", "also", "too",
	"what else", "anything else", "more about", "tell me more",
	"continue", "go on", "keep going",
}

// conjunctionPattern matches "and" as a whole word, the shortest
// continuation marker ("and the second one?"). Whole-word so
// "standard" and "command" do not fire.
var conjunctionPattern = regexp.MustCompile(`\band\b`)

// contextKeywords are generic back-references checked alongside topical
// overlap.
var contextKeywords = []string{
	"previous", "earlier", "before", "mentioned", "said",
	"same", "similar", "as well", "another", "other", "else", "more",
}

// standalonePatterns match questions that are self-contained.
var standalonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^what is\s+`),
	regexp.MustCompile(`^what are\s+`),
	regexp.MustCompile(`^who is\s+`),
	regexp.MustCompile(`^where is\s+`),
	regexp.MustCompile(`^when did\s+`),
	regexp.MustCompile(`^how do\s+`),
	regexp.MustCompile(`^tell me about\s+`),
	regexp.MustCompile(`^explain\s+`),
	regexp.MustCompile(`^define\s+`),
	regexp.MustCompile(`^describe\s+`),
}

// stopwords are excluded from topic extraction.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "can": true, "could": true,
	"should": true, "may": true, "might": true, "this": true, "that": true,
	"these": true, "those": true, "i": true, "you": true, "he": true,
	"she": true, "it": true, "we": true, "they": true, "what": true,
	"where": true, "when": true, "who": true, "how": true, "why": true,
}

var wordPattern = regexp.MustCompile(`\b[a-z]{4,}\b`)

// Analyzer applies the ordered relevance rules.
type Analyzer struct{}

// NewAnalyzer creates a context relevance analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// NeedsContext reports whether the question depends on prior turns.
func (a *Analyzer) NeedsContext(question string, history []models.ContextMessage) bool {
	if len(history) == 0 {
		return false
	}

	q := strings.ToLower(strings.TrimSpace(question))

	if hasReferenceWord(q) {
		log.Debug().Str("question", truncate(question, 50)).Msg("Reference word detected, context needed")
		return true
	}

	if isFollowUp(q) {
		log.Debug().Msg("Follow-up question detected, context needed")
		return true
	}

	if referencesHistory(q, history) {
		log.Debug().Msg("Question overlaps previous topics, context needed")
		return true
	}

	if isStandalone(q) {
		log.Debug().Str("question", truncate(question, 50)).Msg("Standalone question, no context needed")
		return false
	}

	return false
}

// RelevantContext returns nil when context is not needed, otherwise the
// most recent maxMessages history turns. Never the full history.
func (a *Analyzer) RelevantContext(question string, history []models.ContextMessage, maxMessages int) []models.ContextMessage {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxContextMessages
	}
	if !a.NeedsContext(question, history) {
		return nil
	}
	if len(history) > maxMessages {
		history = history[len(history)-maxMessages:]
	}
	out := make([]models.ContextMessage, len(history))
	copy(out, history)
	return out
}

// hasReferenceWord reports a whole-word match of any reference pronoun.
func hasReferenceWord(q string) bool {
	return referencePattern.MatchString(q)
}

func isFollowUp(q string) bool {
	for _, phrase := range followUpPhrases {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return conjunctionPattern.MatchString(q)
}

// referencesHistory checks topical overlap between the question and the
// last few turns, gated on the question containing a generic context
// keyword.
func referencesHistory(q string, history []models.ContextMessage) bool {
	hasKeyword := false
	for _, kw := range contextKeywords {
		if strings.Contains(q, kw) {
			hasKeyword = true
			break
		}
	}
	if !hasKeyword {
		return false
	}

	recent := history
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}

	historyTopics := make(map[string]bool)
	for _, msg := range recent {
		for _, topic := range extractTopics(msg.Content) {
			historyTopics[topic] = true
		}
	}

	for _, topic := range extractTopics(q) {
		if historyTopics[topic] {
			return true
		}
	}
	return false
}

func isStandalone(q string) bool {
	for _, pattern := range standalonePatterns {
		if pattern.MatchString(q) {
			return true
		}
	}
	return false
}

// extractTopics pulls up to topicsPerText significant lowercase words
// of length >= 4 from text.
func extractTopics(text string) []string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	topics := make([]string, 0, topicsPerText)
	for _, w := range words {
		if stopwords[w] {
			continue
		}
		topics = append(topics, w)
		if len(topics) == topicsPerText {
			break
		}
	}
	return topics
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
