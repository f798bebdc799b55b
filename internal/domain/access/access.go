// Package access implements the org access compliance gate: a pure rule
// evaluator over an organization's access policy and a request's
// credentials. It performs no I/O and must be evaluated fresh per
// request — policy can change between calls.
package access

import (
	"net/netip"
	"strings"
)

// Request headers consumed by the gate.
const (
	HeaderAuthStrength   = "x-auth-strength"
	HeaderConsentVersion = "x-consent-version"
	HeaderCoEVersion     = "x-coe-disclosure-version"

	authStrengthMFA = "mfa"
)

// ComplianceError is a typed, short-circuiting compliance failure.
// Code is one of the compliance failure codes and maps to a 4xx.
type ComplianceError struct {
	Code   string
	Detail string
}

func (e *ComplianceError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

// Compliance failure codes, in precedence order.
const (
	CodeMFARequired      = "mfa_required"
	CodeIPAllowlistEmpty = "ip_allowlist_empty"
	CodeIPNotAllowed     = "ip_not_allowed"
	CodeConsentRequired  = "consent_required"
	CodeCoERequired      = "coe_disclosure_required"
)

// VersionRequirement pins an acknowledgement document to a version.
type VersionRequirement struct {
	Type        string `json:"type,omitempty"`
	Version     string `json:"version"`
	DocumentURL string `json:"document_url,omitempty"`
}

// Policy holds the org-level access policy flags.
type Policy struct {
	ConfidentialMode    bool                `json:"confidential_mode"`
	MFARequired         bool                `json:"mfa_required"`
	IPAllowlistEnforced bool                `json:"ip_allowlist_enforced"`
	ConsentRequirement  *VersionRequirement `json:"consent_requirement,omitempty"`
	CoERequirement      *VersionRequirement `json:"coe_requirement,omitempty"`
	ResidencyZone       string              `json:"residency_zone,omitempty"`
}

// Context is the per-request access context derived from org policy plus
// caller identity. It is computed fresh each request and never cached.
type Context struct {
	OrgID              string
	UserID             string
	Role               string
	Policy             Policy
	IPAllowlistCIDRs   []string
	ConsentAcceptedVer string // latest accepted consent version on record
	CoEAcknowledgedVer string // latest acknowledged CoE disclosure version
}

// RequestMeta carries the request credentials the gate inspects.
type RequestMeta struct {
	IP      string
	Headers map[string]string // lower-cased header names
}

// header returns a request header by its canonical lower-case name.
func (r *RequestMeta) header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Ensure evaluates all compliance rules against the request and returns
// the first failure in fixed precedence order:
// MFA -> IP allowlist -> consent -> CoE disclosure.
func Ensure(ac *Context, req *RequestMeta) error {
	if ac.Policy.MFARequired {
		if !strings.EqualFold(req.header(HeaderAuthStrength), authStrengthMFA) {
			return &ComplianceError{Code: CodeMFARequired, Detail: "org policy requires MFA-backed credentials"}
		}
	}

	if ac.Policy.IPAllowlistEnforced {
		if len(ac.IPAllowlistCIDRs) == 0 {
			return &ComplianceError{Code: CodeIPAllowlistEmpty, Detail: "allowlist enforced but no CIDRs configured"}
		}
		if !ipAllowed(req.IP, ac.IPAllowlistCIDRs) {
			return &ComplianceError{Code: CodeIPNotAllowed, Detail: "request IP not in org allowlist"}
		}
	}

	if reqmt := ac.Policy.ConsentRequirement; reqmt != nil {
		if ac.ConsentAcceptedVer != reqmt.Version && req.header(HeaderConsentVersion) != reqmt.Version {
			return &ComplianceError{Code: CodeConsentRequired, Detail: "consent version " + reqmt.Version + " not acknowledged"}
		}
	}

	if reqmt := ac.Policy.CoERequirement; reqmt != nil {
		if ac.CoEAcknowledgedVer != reqmt.Version && req.header(HeaderCoEVersion) != reqmt.Version {
			return &ComplianceError{Code: CodeCoERequired, Detail: "CoE disclosure version " + reqmt.Version + " not acknowledged"}
		}
	}

	return nil
}

// ipAllowed reports whether ip is inside any of the CIDRs. Any match
// suffices; malformed CIDRs are skipped.
func ipAllowed(ip string, cidrs []string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, c := range cidrs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			// Accept bare addresses in the allowlist as /32 (or /128).
			single, aerr := netip.ParseAddr(c)
			if aerr != nil {
				continue
			}
			prefix = netip.PrefixFrom(single.Unmap(), single.Unmap().BitLen())
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
