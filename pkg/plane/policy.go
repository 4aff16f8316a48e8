package plane

import (
	"encoding/json"

	"github.com/gobwas/glob"

	"github.com/odvcencio/warden/pkg/fserr"
)

// Policy governs what container requests the plane accepts. Read-mostly;
// replaced atomically through /policy.
type Policy struct {
	// AllowedImages, when non-empty, restricts images to these glob patterns.
	AllowedImages []string `json:"allowed_images,omitempty" yaml:"allowed_images"`
	// BlockedImages denies matching images even when allowed above.
	BlockedImages []string `json:"blocked_images,omitempty" yaml:"blocked_images"`

	MaxMemoryMB    int64 `json:"max_memory_mb,omitempty" yaml:"max_memory_mb"`
	MaxTimeSeconds int64 `json:"max_time_seconds,omitempty" yaml:"max_time_seconds"`
	MaxConcurrent  int   `json:"max_concurrent,omitempty" yaml:"max_concurrent"`
	AllowNetwork   bool  `json:"allow_network" yaml:"allow_network"`

	MaxFileSizeBytes int64 `json:"max_file_size_bytes,omitempty" yaml:"max_file_size_bytes"`

	// DefaultMaxCost applies when a request carries no cost ceiling.
	DefaultMaxCost float64 `json:"default_max_cost,omitempty" yaml:"default_max_cost"`
	// RequireMaxCost rejects requests that carry no ceiling and have no default.
	RequireMaxCost bool `json:"require_max_cost" yaml:"require_max_cost"`
	// RequireIdempotencyKey rejects create calls without a caller key.
	RequireIdempotencyKey bool `json:"require_idempotency_key" yaml:"require_idempotency_key"`

	// MaxTickCost and MaxDayCost cap total window exposure (reserved+spent)
	// on top of the ledger's own limits.
	MaxTickCost float64 `json:"max_tick_cost,omitempty" yaml:"max_tick_cost"`
	MaxDayCost  float64 `json:"max_day_cost,omitempty" yaml:"max_day_cost"`

	DefaultTimeoutSeconds int64 `json:"default_timeout_seconds,omitempty" yaml:"default_timeout_seconds"`
}

// compiledPolicy pairs a policy with its pre-compiled image globs so the hot
// create path never recompiles patterns.
type compiledPolicy struct {
	Policy
	allowGlobs []glob.Glob
	blockGlobs []glob.Glob
}

func compilePolicy(pol Policy) (*compiledPolicy, error) {
	cp := &compiledPolicy{Policy: pol}
	for _, pattern := range pol.AllowedImages {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fserr.Wrap(err, fserr.CodeInvalidRequest, "invalid allowed image pattern "+pattern)
		}
		cp.allowGlobs = append(cp.allowGlobs, g)
	}
	for _, pattern := range pol.BlockedImages {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fserr.Wrap(err, fserr.CodeInvalidRequest, "invalid blocked image pattern "+pattern)
		}
		cp.blockGlobs = append(cp.blockGlobs, g)
	}
	return cp, nil
}

// imageAllowed applies the allow list first, then the deny list. An empty
// image defers to the provider default and is never pattern-matched.
func (cp *compiledPolicy) imageAllowed(image string) bool {
	if image == "" {
		return true
	}
	if len(cp.allowGlobs) > 0 {
		ok := false
		for _, g := range cp.allowGlobs {
			if g.Match(image) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, g := range cp.blockGlobs {
		if g.Match(image) {
			return false
		}
	}
	return true
}

func (cp *compiledPolicy) maxFileSize() int64 {
	if cp.MaxFileSizeBytes > 0 {
		return cp.MaxFileSizeBytes
	}
	return DefaultMaxFileSize
}

// Policy returns the current policy.
func (p *Plane) Policy() Policy {
	p.pmu.RLock()
	defer p.pmu.RUnlock()
	return p.policy.Policy
}

// SetPolicy replaces the policy atomically, rejecting unparseable globs.
func (p *Plane) SetPolicy(pol Policy) error {
	cp, err := compilePolicy(pol)
	if err != nil {
		return err
	}
	p.pmu.Lock()
	p.policy = cp
	p.pmu.Unlock()
	p.log.Info("policy", "policy_replaced", "container policy replaced", nil)
	return nil
}

func (p *Plane) currentPolicy() *compiledPolicy {
	p.pmu.RLock()
	defer p.pmu.RUnlock()
	return p.policy
}

func (p *Plane) policyJSON() ([]byte, error) {
	pol := p.Policy()
	data, err := json.Marshal(pol)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeInternal, "encoding policy")
	}
	return data, nil
}

func (p *Plane) replacePolicyJSON(data []byte) error {
	var pol Policy
	if err := json.Unmarshal(data, &pol); err != nil {
		return fserr.Wrap(err, fserr.CodeInvalidRequest, "parsing policy")
	}
	return p.SetPolicy(pol)
}
