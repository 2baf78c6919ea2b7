package syncer

import (
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Kind identifies an application event. The set is closed except for
// KindCustom, the single extension case: it carries a free-form type
// tag plus opaque metadata for event types the engine does not know
// about.
type Kind uint32

const (
	KindGradeSubmission Kind = iota + 1
	KindCertificateIssuance
	KindCourseCompletion
	KindBadgeAwarded
	KindForumPost
	KindProfileUpdate
	KindCustom
)

// String returns the change-type name persisted with pending rows.
func (k Kind) String() string {
	switch k {
	case KindGradeSubmission:
		return "grade_submission"
	case KindCertificateIssuance:
		return "certificate_issuance"
	case KindCourseCompletion:
		return "course_completion"
	case KindBadgeAwarded:
		return "badge_awarded"
	case KindForumPost:
		return "forum_post"
	case KindProfileUpdate:
		return "profile_update"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(k))
	}
}

// Attr is one metadata key/value pair on a custom event.
type Attr struct {
	Key   string `cramberry:"1"`
	Value string `cramberry:"2"`
}

// UserEvent is an application event submitted for synchronization.
// Tag and Attrs are only meaningful for KindCustom.
type UserEvent struct {
	Kind     Kind   `cramberry:"1"`
	EntityID string `cramberry:"2"`
	Tag      string `cramberry:"3"`
	Attrs    []Attr `cramberry:"4"`
}

// ChangeType returns the persisted change-type string. Custom events
// are qualified by their tag so IsSyncPending can distinguish them.
func (e UserEvent) ChangeType() string {
	if e.Kind == KindCustom && e.Tag != "" {
		return "custom:" + e.Tag
	}
	return e.Kind.String()
}

// EncodeEvent serializes an event into an opaque pending-change
// payload.
func EncodeEvent(e UserEvent) ([]byte, error) {
	data, err := cramberry.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent deserializes a pending-change payload.
func DecodeEvent(data []byte) (UserEvent, error) {
	var e UserEvent
	if err := cramberry.Unmarshal(data, &e); err != nil {
		return UserEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
