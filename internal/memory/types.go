package memory

// TrustTier buckets how much latitude a person gets: proactive contact,
// tool access, personal detail in replies. Tiers are derived on read, never
// stored, so score changes and overrides take effect immediately.
type TrustTier string

const (
	TierNewContact    TrustTier = "new_contact"
	TierGettingToKnow TrustTier = "getting_to_know"
	TierCloseFriend   TrustTier = "close_friend"
)

// Score thresholds for tier derivation.
const (
	scoreGettingToKnow = 0.3
	scoreCloseFriend   = 0.7
)

// Person is a stable identity per (channel, channelUserId).
type Person struct {
	ID                 string   `json:"id"`
	DisplayName        string   `json:"displayName"`
	Channel            string   `json:"channel"`
	ChannelUserID      string   `json:"channelUserId"`
	RelationshipScore  float64  `json:"relationshipScore"`
	TrustTierOverride  string   `json:"trustTierOverride,omitempty"`
	Capsule            string   `json:"capsule,omitempty"`
	PublicStyleCapsule string   `json:"publicStyleCapsule,omitempty"`
	CurrentConcerns    []string `json:"currentConcerns,omitempty"`
	Goals              []string `json:"goals,omitempty"`
	Preferences        []string `json:"preferences,omitempty"`
	LastMoodSignal     string   `json:"lastMoodSignal,omitempty"`
	CuriosityQuestions []string `json:"curiosityQuestions,omitempty"`
	Birthday           string   `json:"birthday,omitempty"` // MM-DD
	Timezone           string   `json:"timezone,omitempty"`
	CreatedAtMs        int64    `json:"createdAtMs"`
	UpdatedAtMs        int64    `json:"updatedAtMs"`
}

// DeriveTrustTier computes the effective tier. The operator is always a
// close friend; an explicit override beats the score.
func DeriveTrustTier(p *Person, isOperator bool) TrustTier {
	if isOperator {
		return TierCloseFriend
	}
	switch TrustTier(p.TrustTierOverride) {
	case TierNewContact, TierGettingToKnow, TierCloseFriend:
		return TrustTier(p.TrustTierOverride)
	}
	switch {
	case p.RelationshipScore >= scoreCloseFriend:
		return TierCloseFriend
	case p.RelationshipScore >= scoreGettingToKnow:
		return TierGettingToKnow
	default:
		return TierNewContact
	}
}

// FactCategory classifies what a fact is about.
type FactCategory string

const (
	CategoryPreference   FactCategory = "preference"
	CategoryPersonal     FactCategory = "personal"
	CategoryPlan         FactCategory = "plan"
	CategoryProfessional FactCategory = "professional"
	CategoryRelationship FactCategory = "relationship"
	CategoryMisc         FactCategory = "misc"
)

// ValidFactCategory reports whether c is one of the known categories.
func ValidFactCategory(c FactCategory) bool {
	switch c {
	case CategoryPreference, CategoryPersonal, CategoryPlan,
		CategoryProfessional, CategoryRelationship, CategoryMisc:
		return true
	}
	return false
}

// Fact is one durable piece of knowledge, usually about a person.
type Fact struct {
	ID               string       `json:"id"`
	PersonID         string       `json:"personId,omitempty"`
	Subject          string       `json:"subject"`
	Content          string       `json:"content"`
	Category         FactCategory `json:"category,omitempty"`
	EvidenceQuote    string       `json:"evidenceQuote,omitempty"`
	LastAccessedAtMs int64        `json:"lastAccessedAtMs,omitempty"`
	CreatedAtMs      int64        `json:"createdAtMs"`
}

// Episode is a condensed record of one conversation stretch.
type Episode struct {
	ID          string `json:"id"`
	ChatID      string `json:"chatId"`
	PersonID    string `json:"personId,omitempty"`
	IsGroup     bool   `json:"isGroup,omitempty"`
	Content     string `json:"content"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// LessonType classifies how a lesson was learned.
type LessonType string

const (
	LessonObservation LessonType = "observation"
	LessonFailure     LessonType = "failure"
	LessonSuccess     LessonType = "success"
	LessonPattern     LessonType = "pattern"
)

// Lesson is an append-only self-improvement note. A lesson is never edited;
// a later lesson with a contradicting rule retracts it.
type Lesson struct {
	ID             string     `json:"id"`
	Type           LessonType `json:"type,omitempty"`
	Category       string     `json:"category"`
	Content        string     `json:"content"`
	Rule           string     `json:"rule,omitempty"`
	Alternative    string     `json:"alternative,omitempty"`
	PersonID       string     `json:"personId,omitempty"`
	EpisodeRefs    []string   `json:"episodeRefs,omitempty"`
	Confidence     float64    `json:"confidence,omitempty"`
	TimesValidated int        `json:"timesValidated"`
	TimesViolated  int        `json:"timesViolated"`
	CreatedAtMs    int64      `json:"createdAtMs"`
}

// GroupCapsule summarizes a group chat's dynamics.
type GroupCapsule struct {
	ChatID      string `json:"chatId"`
	Capsule     string `json:"capsule,omitempty"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}
