package chat

import "testing"

func TestDeriveSessionIDIsDeterministic(t *testing.T) {
	a := DeriveSessionID("user-1", "flow-1", "What is the weather today?")
	b := DeriveSessionID("user-1", "flow-1", "what is the weather today?  ")

	if a != b {
		t.Errorf("expected normalized-equivalent questions to derive the same session id, got %s != %s", a, b)
	}
}

func TestDeriveSessionIDDiffersByInput(t *testing.T) {
	base := DeriveSessionID("user-1", "flow-1", "hello")

	cases := map[string]string{
		"different user":     DeriveSessionID("user-2", "flow-1", "hello"),
		"different chatflow": DeriveSessionID("user-1", "flow-2", "hello"),
		"different question": DeriveSessionID("user-1", "flow-1", "goodbye"),
	}
	for name, id := range cases {
		if id == base {
			t.Errorf("%s: expected a different session id, got the same as base", name)
		}
	}
}

func TestDeriveSessionIDStableAcrossCalls(t *testing.T) {
	want := DeriveSessionID("user-9", "flow-9", "same question")
	for i := 0; i < 5; i++ {
		if got := DeriveSessionID("user-9", "flow-9", "same question"); got != want {
			t.Fatalf("call %d: got %s, want %s", i, got, want)
		}
	}
}
