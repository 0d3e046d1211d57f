package relay

import "testing"

func TestSubjectValidate(t *testing.T) {
	cases := []struct {
		subject string
		wantErr bool
	}{
		{"relay.agent.backend.01HXYZ", false},
		{"relay.agent", false},
		{"agent.relay", true},
		{"relay..agent", true},
		{".relay.agent", true},
		{"relay.agent.", true},
		{"relay.agent bad", true},
	}
	for _, c := range cases {
		err := Subject(c.subject).Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", c.subject, err, c.wantErr)
		}
	}
}

func TestMatchesPattern(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"relay.agent.*", "relay.agent.a", true},
		{"relay.agent.*", "relay.agent.b", true},
		{"relay.agent.*", "relay.agent.x.y", false},
		{"relay.agent.>", "relay.agent.x.y", true},
		{"relay.agent.>", "relay.agent", false},
		{"relay.agent.backend", "relay.agent.backend", true},
		{"relay.agent.backend", "relay.agent.frontend", false},
	}
	for _, c := range cases {
		got := MatchesPattern(c.pattern, c.subject)
		if got != c.want {
			t.Errorf("MatchesPattern(%q, %q) = %v, want %v", c.pattern, c.subject, got, c.want)
		}
	}
}

func TestSubjectHashDeterministic(t *testing.T) {
	s := Subject("relay.agent.backend.01")
	if s.Hash() != s.Hash() {
		t.Fatal("hash not deterministic")
	}
	if Subject("relay.agent.backend.01").Hash() == Subject("relay.agent.backend.02").Hash() {
		t.Fatal("different subjects hashed identically")
	}
}

func TestHasPrefixTokens(t *testing.T) {
	if !HasPrefixTokens("relay.telegram.chat1", "relay.telegram") {
		t.Error("expected prefix match")
	}
	if HasPrefixTokens("relay.telegramx.chat1", "relay.telegram") {
		t.Error("expected no match across token boundary")
	}
	if !HasPrefixTokens("relay.telegram", "relay.telegram") {
		t.Error("expected exact match")
	}
}
