package action

import "sync"

// Registry is the Action Policy Registry (spec.md §4.10): a catalogue of
// named policies, always seeded with the spec's built-in names.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry builds a Registry pre-populated with every built-in policy
// name from spec.md §4.10, each with a reasonable default configuration.
// Configuration loaded afterward may override any of these via Register.
func NewRegistry() *Registry {
	r := &Registry{policies: make(map[string]Policy)}
	for _, p := range builtinPolicies() {
		r.policies[p.Name] = p
	}
	return r
}

// Register adds or replaces a named policy.
func (r *Registry) Register(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name] = p
}

// Get returns the named policy, if registered and enabled.
func (r *Registry) Get(name string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	if !ok || !p.Enabled {
		return Policy{}, false
	}
	return p, true
}

// GetOrDefault returns the named policy if present, else an enabled
// registered policy of fallbackType, else a synthesised default for
// fallbackType (spec.md §4.10). The registry keeps no registration order:
// when several enabled policies share fallbackType, which one is returned
// depends on map iteration order and is not defined.
func (r *Registry) GetOrDefault(name string, fallbackType Type) Policy {
	if name != "" {
		if p, ok := r.Get(name); ok {
			return p
		}
	}

	r.mu.RLock()
	for _, p := range r.policies {
		if p.Enabled && p.Type == fallbackType {
			r.mu.RUnlock()
			return p
		}
	}
	r.mu.RUnlock()

	return defaultPolicyFor(fallbackType)
}

func defaultPolicyFor(t Type) Policy {
	switch t {
	case TypeBlock:
		return namedBlock("block", 403, "Access denied")
	case TypeThrottle:
		return namedThrottle("throttle", 1000, 500, 10000, 0.2, false, 1.0, 0)
	case TypeChallenge:
		return namedChallenge("challenge", ChallengeJavaScript)
	case TypeRedirect:
		return namedRedirect("redirect", "/", false)
	default:
		return namedLogOnly("logonly", "info", "")
	}
}

// builtinPolicies enumerates every policy name spec.md §4.10 requires the
// registry to always contain.
func builtinPolicies() []Policy {
	var out []Policy

	out = append(out,
		namedBlock("block", 403, "Access denied"),
		namedBlock("block-hard", 403, "Access denied"),
		namedBlock("block-soft", 429, "Please slow down"),
		namedBlock("block-debug", 403, "Access denied (debug mode)"),
		namedBlockFakeSuccess("block-fake-success"),
		namedBlockFakeHTML("block-fake-html"),
	)

	out = append(out,
		namedThrottle("throttle", 500, 200, 10000, 0.2, false, 1.0, 0),
		namedThrottle("throttle-gentle", 250, 100, 5000, 0.1, false, 1.0, 0),
		namedThrottle("throttle-moderate", 1000, 500, 15000, 0.2, true, 1.5, 0),
		namedThrottle("throttle-aggressive", 2000, 1000, 30000, 0.3, true, 2.0, 0),
		namedThrottle("throttle-stealth", 300, 100, 3000, 0.4, false, 1.0, 0),
		namedThrottle("throttle-tools", 1000, 1000, 30000, 0, true, 2.0, 429),
	)

	out = append(out,
		namedRedirect("redirect", "/", false),
		namedRedirect("redirect-honeypot", "/honeypot", false),
		namedRedirect("redirect-tarpit", "/tarpit", false),
		namedRedirect("redirect-error", "/error", false),
	)

	out = append(out,
		namedChallenge("challenge", ChallengeJavaScript),
		namedChallenge("challenge-captcha", ChallengeCaptcha),
		namedChallenge("challenge-js", ChallengeJavaScript),
		namedChallenge("challenge-pow", ChallengeProofOfWork),
	)

	out = append(out,
		namedLogOnly("logonly", "info", ""),
		namedLogOnly("shadow", "info", ""),
		namedLogOnly("debug", "debug", ""),
		namedLogOnly("degrade", "warn", "degrade"),
		namedLogOnly("rate-limit-headers", "info", ""),
		namedLogOnly("quarantine", "warn", "quarantine"),
		namedLogOnly("sandbox", "warn", "sandbox"),
		namedLogOnly("mask-pii", "info", "mask-pii"),
		namedLogOnly("strip-pii", "info", "strip-pii"),
	)

	return out
}

func namedBlock(name string, status int, message string) Policy {
	return Policy{
		Common: Common{Name: name, Enabled: true},
		Type:   TypeBlock,
		Block: BlockConfig{
			Status:           status,
			Message:          message,
			ContentType:      "application/json",
			IncludeRiskScore: true,
		},
	}
}

func namedBlockFakeSuccess(name string) Policy {
	return Policy{
		Common: Common{Name: name, Enabled: true},
		Type:   TypeBlock,
		Block: BlockConfig{
			Status:          200,
			Message:         `{"status":"ok"}`,
			ContentType:     "application/json",
			WriteRawMessage: true,
		},
	}
}

func namedBlockFakeHTML(name string) Policy {
	return Policy{
		Common: Common{Name: name, Enabled: true},
		Type:   TypeBlock,
		Block: BlockConfig{
			Status:          200,
			Message:         "<html><body>OK</body></html>",
			ContentType:     "text/html",
			WriteRawMessage: true,
		},
	}
}

func namedThrottle(name string, base, min, max int, jitter float64, exponential bool, backoffFactor float64, returnStatus int) Policy {
	return Policy{
		Common: Common{Name: name, Enabled: true},
		Type:   TypeThrottle,
		Throttle: ThrottleConfig{
			BaseDelayMS:        base,
			MinDelayMS:         min,
			MaxDelayMS:         max,
			Jitter:             jitter,
			ScaleByRisk:        true,
			ExponentialBackoff: exponential,
			BackoffFactor:      backoffFactor,
			ReturnStatus:       returnStatus,
			IncludeHeaders:     true,
			IncludeRetryAfter:  true,
		},
	}
}

func namedRedirect(name, target string, permanent bool) Policy {
	return Policy{
		Common: Common{Name: name, Enabled: true},
		Type:   TypeRedirect,
		Redirect: RedirectConfig{
			TargetURLTemplate: target,
			Permanent:         permanent,
			IncludeReturnURL:  true,
		},
	}
}

func namedChallenge(name string, ct ChallengeType) Policy {
	return Policy{
		Common: Common{Name: name, Enabled: true},
		Type:   TypeChallenge,
		Challenge: ChallengeConfig{
			ChallengeType:   ct,
			CookieName:      "bsentry_ch",
			TokenTTLSeconds: 1800,
		},
	}
}

func namedLogOnly(name, level, marker string) Policy {
	return Policy{
		Common: Common{Name: name, Enabled: true},
		Type:   TypeLogOnly,
		LogOnly: LogOnlyConfig{
			LogLevel:           level,
			AddResponseHeaders: true,
			AddToContextItems:  marker != "",
			ActionMarker:       marker,
			SandboxSampleRate:  1.0,
		},
	}
}
