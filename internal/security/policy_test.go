package security

import (
	"context"
	"testing"

	"chatgate/internal/domain"
)

func TestPolicy_NoPolicies(t *testing.T) {
	e := NewPolicyEngine(nil, testPairingLogger())
	for _, group := range []bool{false, true} {
		d := e.Check(context.Background(), nil, domain.PolicyRequest{ChannelID: "c", SenderID: "x", IsGroup: group})
		if !d.Allowed {
			t.Errorf("group=%v: no policies should allow", group)
		}
	}
}

func TestPolicy_DM(t *testing.T) {
	ps, _ := newTestPairing(t)
	e := NewPolicyEngine(ps, testPairingLogger())
	ctx := context.Background()

	tests := []struct {
		name     string
		policies domain.Policies
		sender   string
		text     string
		allowed  bool
		reason   string
	}{
		{"open", domain.Policies{DM: "open"}, "anyone", "hi", true, ""},
		{"allowlist member", domain.Policies{DM: "allowlist", AllowFrom: []string{"u1"}}, "u1", "hi", true, ""},
		{"allowlist stranger", domain.Policies{DM: "allowlist", AllowFrom: []string{"u1"}}, "u2", "hi", false, ReasonDMNotAllowlisted},
		{"allowlist wrong code", domain.Policies{DM: "allowlist"}, "u2", "QQQQQ9", false, ReasonDMNotAllowlisted},
		{"disabled", domain.Policies{DM: "disabled", AllowFrom: []string{"u1"}}, "u1", "hi", false, ReasonDMDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.policies
			d := e.Check(ctx, &p, domain.PolicyRequest{ChannelID: "c", SenderID: tt.sender, Text: tt.text})
			if d.Allowed != tt.allowed || d.Reason != tt.reason {
				t.Errorf("got %+v, want allowed=%v reason=%q", d, tt.allowed, tt.reason)
			}
		})
	}
}

func TestPolicy_DMPairingEnrolls(t *testing.T) {
	ps, _ := newTestPairing(t)
	e := NewPolicyEngine(ps, testPairingLogger())
	ctx := context.Background()
	p := &domain.Policies{DM: "allowlist", AllowFrom: []string{"u1"}}

	pc, err := ps.GenerateCode(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}

	d := e.Check(ctx, p, domain.PolicyRequest{ChannelID: "c", SenderID: "u2", Text: "  " + pc.Code + "\n"})
	if !d.Allowed {
		t.Fatalf("valid code should allow, got %+v", d)
	}

	// Later messages from the enrolled sender pass without a code.
	d = e.Check(ctx, p, domain.PolicyRequest{ChannelID: "c", SenderID: "u2", Text: "hello again"})
	if !d.Allowed {
		t.Errorf("enrolled sender should be allowed, got %+v", d)
	}

	// Enrollment is per channel.
	d = e.Check(ctx, p, domain.PolicyRequest{ChannelID: "other", SenderID: "u2", Text: "hello"})
	if d.Allowed {
		t.Error("enrollment must not leak across channels")
	}
}

func TestPolicy_PairingModeBehavesLikeAllowlist(t *testing.T) {
	ps, _ := newTestPairing(t)
	e := NewPolicyEngine(ps, testPairingLogger())
	ctx := context.Background()
	p := &domain.Policies{DM: "pairing"}

	if d := e.Check(ctx, p, domain.PolicyRequest{ChannelID: "c", SenderID: "u", Text: "hi"}); d.Allowed {
		t.Error("pairing mode should deny unknown senders")
	}
	pc, _ := ps.GenerateCode(ctx, "c")
	if d := e.Check(ctx, p, domain.PolicyRequest{ChannelID: "c", SenderID: "u", Text: pc.Code}); !d.Allowed {
		t.Errorf("pairing mode should accept a valid code, got %+v", d)
	}
}

func TestPolicy_Group(t *testing.T) {
	ps, _ := newTestPairing(t)
	e := NewPolicyEngine(ps, testPairingLogger())
	ctx := context.Background()

	tests := []struct {
		name     string
		policies domain.Policies
		sender   string
		allowed  bool
		reason   string
	}{
		{"open", domain.Policies{Group: "open"}, "g1", true, ""},
		{"unset", domain.Policies{DM: "disabled"}, "g1", true, ""},
		{"disabled", domain.Policies{Group: "disabled"}, "g1", false, ReasonGroupDisabled},
		{"allowlist member", domain.Policies{Group: "allowlist", GroupAllowFrom: []string{"g1"}}, "g1", true, ""},
		{"allowlist stranger", domain.Policies{Group: "allowlist", GroupAllowFrom: []string{"g1"}}, "g2", false, ReasonGroupNotAllowlisted},
		{"dm allowlist does not apply", domain.Policies{Group: "allowlist", AllowFrom: []string{"g2"}}, "g2", false, ReasonGroupNotAllowlisted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.policies
			d := e.Check(ctx, &p, domain.PolicyRequest{ChannelID: "c", SenderID: tt.sender, IsGroup: true, Text: "hi"})
			if d.Allowed != tt.allowed || d.Reason != tt.reason {
				t.Errorf("got %+v, want allowed=%v reason=%q", d, tt.allowed, tt.reason)
			}
		})
	}
}

func TestPolicy_GroupIgnoresPairingCode(t *testing.T) {
	ps, _ := newTestPairing(t)
	e := NewPolicyEngine(ps, testPairingLogger())
	ctx := context.Background()

	pc, _ := ps.GenerateCode(ctx, "c")
	p := &domain.Policies{Group: "allowlist"}
	if d := e.Check(ctx, p, domain.PolicyRequest{ChannelID: "c", SenderID: "g", IsGroup: true, Text: pc.Code}); d.Allowed {
		t.Error("pairing never applies to groups")
	}
	if ok, _ := ps.VerifyCode(ctx, "c", "someone", pc.Code); !ok {
		t.Error("group traffic must not consume the code")
	}
}
