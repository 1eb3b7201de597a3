package domain

import (
	"errors"
	"testing"
)

func TestParseActionTypeRejectsUnknown(t *testing.T) {
	for _, a := range ActionTypes {
		got, err := ParseActionType(string(a))
		if err != nil || got != a {
			t.Fatalf("parse %s: got %q err %v", a, got, err)
		}
	}
	_, err := ParseActionType("delete_everything")
	var ie InvalidEnumError
	if !errors.As(err, &ie) || ie.Field != "actionType" {
		t.Fatalf("expected InvalidEnumError for actionType, got %v", err)
	}
}

func TestNormalizeFallsBackToDefaults(t *testing.T) {
	cases := []struct {
		in   string
		want Priority
	}{
		{"P1", PriorityP1},
		{"p3", PriorityP3},
		{"", DefaultPriority},
		{"urgent", DefaultPriority},
	}
	for _, c := range cases {
		if got := NormalizePriority(c.in); got != c.want {
			t.Fatalf("priority %q: got %s want %s", c.in, got, c.want)
		}
	}
	if NormalizeRiskLevel("HIGH") != RiskHigh {
		t.Fatalf("risk should be case-insensitive")
	}
	if NormalizeRiskLevel("extreme") != DefaultRiskLevel {
		t.Fatalf("unknown risk should fall back")
	}
	if NormalizeImpact("") != DefaultImpact {
		t.Fatalf("empty impact should fall back")
	}
}

func TestStatusExecutable(t *testing.T) {
	want := map[Status]bool{
		StatusProposed: false,
		StatusApproved: true,
		StatusRejected: false,
		StatusExecuted: false,
		StatusFailed:   true,
	}
	for _, s := range Statuses {
		if s.Executable() != want[s] {
			t.Fatalf("%s executable=%v", s, s.Executable())
		}
	}
}

func TestPrincipalLabel(t *testing.T) {
	if got := (Principal{Kind: PrincipalAgent, ID: "lead-scorer"}).Label(); got != "agent:lead-scorer" {
		t.Fatalf("agent label %s", got)
	}
	if got := (Principal{Kind: PrincipalHuman, ID: "ana@example.com"}).Label(); got != "user:ana@example.com" {
		t.Fatalf("user label %s", got)
	}
	if (Principal{Kind: PrincipalAgent}).IsHuman() {
		t.Fatalf("agent must not be human")
	}
}
