// Package action implements the Action Policy Registry (spec.md §4.10) and
// Action Dispatcher (spec.md §4.11): a tagged-union catalogue of named
// response-shaping policies and the logic that applies one to an active
// HTTP response.
package action

// Type is the discriminant of a Policy Configuration (spec.md §3).
type Type string

const (
	TypeBlock     Type = "Block"
	TypeThrottle  Type = "Throttle"
	TypeChallenge Type = "Challenge"
	TypeRedirect  Type = "Redirect"
	TypeLogOnly   Type = "LogOnly"
)

// ChallengeType enumerates the Challenge policy's variants (spec.md §4.11).
type ChallengeType string

const (
	ChallengeRedirect    ChallengeType = "Redirect"
	ChallengeInline      ChallengeType = "Inline"
	ChallengeJavaScript  ChallengeType = "JavaScript"
	ChallengeCaptcha     ChallengeType = "Captcha"
	ChallengeProofOfWork ChallengeType = "ProofOfWork"
)

// Common carries the fields spec.md §3 lists as shared across every policy
// type: name, enabled, description, priority, tags, and free-form metadata.
type Common struct {
	Name        string
	Enabled     bool
	Description string
	Priority    int
	Tags        []string
	Metadata    map[string]string
}

// BlockConfig is the Block policy's type-specific fields (spec.md §4.11
// table).
type BlockConfig struct {
	Status           int
	Message          string
	ContentType      string
	ExtraHeaders     map[string]string
	IncludeRiskScore bool
	WriteRawMessage  bool
}

// ThrottleConfig is the Throttle policy's type-specific fields.
type ThrottleConfig struct {
	BaseDelayMS        int
	MinDelayMS         int
	MaxDelayMS         int
	Jitter             float64 // [0,1]
	ScaleByRisk        bool
	ExponentialBackoff bool
	BackoffFactor      float64
	ReturnStatus       int // 0 means continue=true instead of writing a response
	IncludeHeaders     bool
	IncludeRetryAfter  bool

	// ScaleByHostLoad applies RequestContext.HostLoadMultiplier after the
	// ScaleByRisk/ExponentialBackoff terms (SPEC_FULL.md §C, internal/loadshed
	// supplement). Disabled by default; does not alter the spec.md §4.11
	// formula when left false.
	ScaleByHostLoad bool
}

// ChallengeConfig is the Challenge policy's type-specific fields.
type ChallengeConfig struct {
	ChallengeType   ChallengeType
	ChallengeURL    string
	CookieName      string
	TokenSecret     []byte
	TokenTTLSeconds int64
	CaptchaSiteKey  string
	CaptchaSecret   string
	Title           string
	Message         string
}

// RedirectConfig is the Redirect policy's type-specific fields.
type RedirectConfig struct {
	TargetURLTemplate string // may reference {risk}, {riskBand}, {policy}, {originalPath}
	Permanent         bool   // 301 vs 302
	PreserveQuery     bool
	IncludeReturnURL  bool
	AddMetadata       bool
}

// LogOnlyConfig is the LogOnly policy's type-specific fields.
type LogOnlyConfig struct {
	LogLevel               string
	LogFullEvidence        bool
	AddResponseHeaders     bool
	IncludeDetailedHeaders bool
	AddToContextItems      bool
	WouldBlockThreshold    float64
	ActionMarker           string // e.g. "degrade", "quarantine", "sandbox", "mask-pii"
	SandboxPolicy          string
	SandboxSampleRate      float64
}

// Policy is the tagged union described in spec.md §9: exactly one of the
// type-specific fields is meaningful, selected by Type.
type Policy struct {
	Common
	Type Type

	Block     BlockConfig
	Throttle  ThrottleConfig
	Challenge ChallengeConfig
	Redirect  RedirectConfig
	LogOnly   LogOnlyConfig
}
