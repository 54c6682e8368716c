// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package decision

import (
	"testing"

	"intellipm/platform/governance/approval"
)

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusApplied, false},
		{StatusApproved, StatusApplied, true},
		{StatusApproved, StatusRejected, false},
		{StatusApproved, StatusExpired, false},
		{StatusApplied, StatusApproved, false},
		{StatusRejected, StatusApproved, false},
		{StatusExpired, StatusApproved, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:  false,
		StatusApproved: false,
		StatusApplied:  true,
		StatusRejected: true,
		StatusExpired:  true,
	}

	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestCreateRequestValidate(t *testing.T) {
	valid := CreateRequest{
		OrgID:        "org-1",
		DecisionType: approval.TypeRiskDetection,
		AgentID:      "agent-1",
		Title:        "Flag schedule risk",
		Confidence:   0.8,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing org", func(r *CreateRequest) { r.OrgID = "" }},
		{"missing agent", func(r *CreateRequest) { r.AgentID = "" }},
		{"unknown type", func(r *CreateRequest) { r.DecisionType = "teleportation" }},
		{"confidence below range", func(r *CreateRequest) { r.Confidence = -0.1 }},
		{"confidence above range", func(r *CreateRequest) { r.Confidence = 1.1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if err := req.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestActorValidate(t *testing.T) {
	actor := Actor{ID: "user-1", Role: approval.RoleDeveloper, OrgID: "org-1"}
	if err := actor.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	missing := Actor{Role: approval.RoleDeveloper, OrgID: "org-1"}
	if err := missing.Validate(); err == nil {
		t.Error("Validate() without ID = nil, want error")
	}
	badRole := Actor{ID: "user-1", Role: "wizard", OrgID: "org-1"}
	if err := badRole.Validate(); err == nil {
		t.Error("Validate() with unknown role = nil, want error")
	}
}
