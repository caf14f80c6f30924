package envelope

import "testing"

func mustEnvelope(t *testing.T, author string, createdAt int64, kind Kind, tags [][]string, payload string) *Envelope {
	t.Helper()
	e, err := New(author, createdAt, kind, tags, payload)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestFilterMatchConjunction(t *testing.T) {
	e := mustEnvelope(t, "alice", 100, 38001, [][]string{{"d", "agent-state-v1"}}, "x")

	cases := []struct {
		name  string
		f     Filter
		match bool
	}{
		{"empty filter matches all", Filter{}, true},
		{"author match", Filter{Authors: []string{"alice"}}, true},
		{"author mismatch", Filter{Authors: []string{"bob"}}, false},
		{"kind match", Filter{Kinds: []Kind{38001}}, true},
		{"kind mismatch", Filter{Kinds: []Kind{1}}, false},
		{"since satisfied", Filter{Since: int64Ptr(50)}, true},
		{"since violated", Filter{Since: int64Ptr(200)}, false},
		{"until satisfied", Filter{Until: int64Ptr(200)}, true},
		{"until violated", Filter{Until: int64Ptr(50)}, false},
		{"tag match", Filter{Tags: map[string][]string{"d": {"agent-state-v1"}}}, true},
		{"tag mismatch", Filter{Tags: map[string][]string{"d": {"other"}}}, false},
		{"conjunction all satisfied", Filter{Authors: []string{"alice"}, Kinds: []Kind{38001}, Tags: map[string][]string{"d": {"agent-state-v1"}}}, true},
		{"conjunction one violated", Filter{Authors: []string{"alice"}, Kinds: []Kind{1}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.f.Match(e); got != tc.match {
				t.Fatalf("Match() = %v, want %v", got, tc.match)
			}
		})
	}
}

func int64Ptr(v int64) *int64 { return &v }
