package syncer

import "strings"

// Priority orders pending changes by urgency. Lower value flushes
// first; the numeric values are persisted in pending rows, so they
// must not be reordered.
type Priority int

const (
	// Critical changes flush near-immediately.
	Critical Priority = iota
	// High changes flush on a short timer.
	High
	// Background changes flush on a long timer or size threshold.
	Background
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// Tiers lists all priorities in flush order.
var Tiers = []Priority{Critical, High, Background}

// KeywordRule maps metadata keywords to a priority tier.
type KeywordRule struct {
	Priority Priority
	Keywords []string
}

// Policy classifies events. The closed event kinds map statically;
// custom events are classified by a keyword table over their tag and
// metadata, checked in rule order. The table is plain data so
// deployments can swap it without touching classification logic.
type Policy struct {
	Rules []KeywordRule
}

// DefaultPolicy reproduces the stock keyword table: exam and
// certificate language is critical, assignment and badge language is
// high, everything else is background.
func DefaultPolicy() Policy {
	return Policy{
		Rules: []KeywordRule{
			{Priority: Critical, Keywords: []string{"exam", "certificate"}},
			{Priority: High, Keywords: []string{"assignment", "badge"}},
		},
	}
}

// Classify assigns the sync priority for an event. Pure: the
// priority becomes an immutable attribute of the resulting pending
// change.
func (p Policy) Classify(e UserEvent) Priority {
	switch e.Kind {
	case KindGradeSubmission, KindCertificateIssuance:
		return Critical
	case KindCourseCompletion, KindBadgeAwarded:
		return High
	case KindForumPost, KindProfileUpdate:
		return Background
	case KindCustom:
		return p.classifyCustom(e)
	default:
		return Background
	}
}

// classifyCustom runs the keyword table over the event's tag and
// metadata values. Substring matching on free text is inherently
// fragile, which is exactly why the table is injectable.
func (p Policy) classifyCustom(e UserEvent) Priority {
	haystack := strings.ToLower(e.Tag)
	for _, attr := range e.Attrs {
		haystack += " " + strings.ToLower(attr.Key) + " " + strings.ToLower(attr.Value)
	}

	for _, rule := range p.Rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(haystack, kw) {
				return rule.Priority
			}
		}
	}
	return Background
}
