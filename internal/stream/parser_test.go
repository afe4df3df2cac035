package stream

import "testing"

func TestSplitterChunkBoundaryIndependence(t *testing.T) {
	payload := `{"event":"token","data":"A"}{"event":"token","data":"B"}{"event":"end","data":"[DONE]"}`
	chunkSizes := []int{5, 3, 50, 1, len(payload)} // last size is "rest"; clamped below

	s := NewSplitter()
	var got []Event

	pos := 0
	for _, size := range chunkSizes {
		if pos >= len(payload) {
			break
		}
		end := pos + size
		if end > len(payload) {
			end = len(payload)
		}
		got = append(got, s.Feed([]byte(payload[pos:end]))...)
		pos = end
	}
	if pos < len(payload) {
		got = append(got, s.Feed([]byte(payload[pos:]))...)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(got), got)
	}

	wantData := []string{`"A"`, `"B"`, `"[DONE]"`}
	for i, ev := range got {
		if string(ev.Data) != wantData[i] {
			t.Errorf("event %d: data = %s, want %s", i, ev.Data, wantData[i])
		}
	}
	if got[0].EventKind != EventToken || got[1].EventKind != EventToken || got[2].EventKind != EventEnd {
		t.Errorf("unexpected event kinds: %+v", got)
	}
}

func TestSplitterByteAtATime(t *testing.T) {
	payload := `{"event":"start","data":""} {"event":"end","data":"[DONE]"}`
	s := NewSplitter()
	var got []Event
	for i := 0; i < len(payload); i++ {
		got = append(got, s.Feed([]byte{payload[i]})...)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events fed one byte at a time, got %d: %+v", len(got), got)
	}
	if got[0].EventKind != EventStart || got[1].EventKind != EventEnd {
		t.Errorf("unexpected kinds: %+v", got)
	}
}

func TestSplitterIgnoresBracesInsideStrings(t *testing.T) {
	payload := `{"event":"metadata","data":"{\"nested\":true}"}`
	s := NewSplitter()
	got := s.Feed([]byte(payload))
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].EventKind != EventMetadata {
		t.Errorf("kind = %s, want metadata", got[0].EventKind)
	}
}
