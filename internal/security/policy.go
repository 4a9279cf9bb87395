package security

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"chatgate/internal/domain"
)

// Denial reasons. These strings are stable and appear in logs.
const (
	ReasonDMNotAllowlisted    = "Sender not in DM allowlist"
	ReasonDMDisabled          = "Direct messages are disabled for this channel"
	ReasonGroupDisabled       = "Group messages are disabled for this channel"
	ReasonGroupNotAllowlisted = "Sender not in group allowlist"
)

// pairingCandidate matches text that looks like a pairing code.
var pairingCandidate = regexp.MustCompile(`^[A-Za-z0-9]{6}$`)

// PolicyEngine decides whether a sender may reach a channel.
type PolicyEngine struct {
	pairing *PairingService
	logger  *slog.Logger
}

// NewPolicyEngine creates a PolicyEngine. pairing may be nil, in which case
// persisted allowlists and code verification are unavailable.
func NewPolicyEngine(pairing *PairingService, logger *slog.Logger) *PolicyEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyEngine{pairing: pairing, logger: logger}
}

// Check evaluates req against policies. A nil policies value allows everything.
func (e *PolicyEngine) Check(ctx context.Context, policies *domain.Policies, req domain.PolicyRequest) domain.PolicyDecision {
	if policies == nil {
		return allow()
	}
	if req.IsGroup {
		return e.checkGroup(policies, req)
	}
	return e.checkDM(ctx, policies, req)
}

func (e *PolicyEngine) checkDM(ctx context.Context, p *domain.Policies, req domain.PolicyRequest) domain.PolicyDecision {
	switch p.DM {
	case "", domain.PolicyOpen:
		return allow()
	case domain.PolicyDisabled:
		return deny(ReasonDMDisabled)
	case domain.PolicyAllowlist, domain.PolicyPairing:
	default:
		e.logger.Warn("unknown dm policy, denying", "channel", req.ChannelID, "policy", p.DM)
		return deny(ReasonDMNotAllowlisted)
	}

	if slices.Contains(p.AllowFrom, req.SenderID) {
		return allow()
	}
	if e.pairing == nil {
		return deny(ReasonDMNotAllowlisted)
	}

	ok, err := e.pairing.IsAllowlisted(ctx, req.ChannelID, req.SenderID)
	if err != nil {
		e.logger.Warn("allowlist lookup failed", "channel", req.ChannelID, "err", err)
	}
	if ok {
		return allow()
	}

	text := strings.TrimSpace(req.Text)
	if !pairingCandidate.MatchString(text) {
		return deny(ReasonDMNotAllowlisted)
	}

	paired, err := e.pairing.VerifyCode(ctx, req.ChannelID, req.SenderID, text)
	if err != nil {
		e.logger.Warn("pairing verification failed", "channel", req.ChannelID, "sender_id", req.SenderID, "err", err)
		return deny(ReasonDMNotAllowlisted)
	}
	if !paired {
		return deny(ReasonDMNotAllowlisted)
	}
	return allow()
}

func (e *PolicyEngine) checkGroup(p *domain.Policies, req domain.PolicyRequest) domain.PolicyDecision {
	switch p.Group {
	case "", domain.PolicyOpen:
		return allow()
	case domain.PolicyDisabled:
		return deny(ReasonGroupDisabled)
	case domain.PolicyAllowlist:
		if slices.Contains(p.GroupAllowFrom, req.SenderID) {
			return allow()
		}
		return deny(ReasonGroupNotAllowlisted)
	default:
		e.logger.Warn("unknown group policy, denying", "channel", req.ChannelID, "policy", p.Group)
		return deny(ReasonGroupNotAllowlisted)
	}
}

func allow() domain.PolicyDecision { return domain.PolicyDecision{Allowed: true} }

func deny(reason string) domain.PolicyDecision {
	return domain.PolicyDecision{Allowed: false, Reason: reason}
}
