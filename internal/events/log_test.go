package events

import (
	"errors"
	"testing"

	"golang.org/x/text/language"
)

func entry(seq uint64, actor string) HistoryEntry {
	return HistoryEntry{Seq: seq, ID: NewEntryID(), ActorID: actor, Scope: Public()}
}

func TestLogAppendAndWindow(t *testing.T) {
	l := NewLog(3)
	for i := uint64(1); i <= 5; i++ {
		if err := l.Append(entry(i, "p1")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	got := l.Latest(0)
	if len(got) != 3 || got[0].Seq != 3 || got[2].Seq != 5 {
		t.Fatalf("unexpected window %+v", got)
	}
	if latest := l.Latest(2); len(latest) != 2 || latest[0].Seq != 4 {
		t.Fatalf("unexpected latest(2) %+v", latest)
	}
	if l.LastSeq() != 5 {
		t.Fatalf("expected last seq 5, got %d", l.LastSeq())
	}
}

func TestLogRejectsOutOfOrder(t *testing.T) {
	l := NewLog(10)
	if err := l.Append(entry(2, "p1")); err != nil {
		t.Fatal(err)
	}
	err := l.Append(entry(3, "p1"), entry(3, "p2"))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("failed batch must not be partially applied, len=%d", l.Len())
	}
}

func TestLogReset(t *testing.T) {
	l := NewLog(10)
	_ = l.Append(entry(1, "p1"), entry(2, "keeper"))
	l.Reset(nil, 2)
	if l.Len() != 0 {
		t.Fatal("reset should clear the window")
	}
	if err := l.Append(entry(2, "p1")); err == nil {
		t.Fatal("sequence must keep increasing after reset")
	}
	if err := l.Append(entry(3, "p1")); err != nil {
		t.Fatal(err)
	}
	if by := l.ByActor("p1"); len(by) != 1 {
		t.Fatalf("expected one entry by p1, got %d", len(by))
	}
}

func TestTextPick(t *testing.T) {
	text := Text{ZH: "你好", EN: "hello"}
	if got := text.Pick(language.English); got != "hello" {
		t.Errorf("english pick = %q", got)
	}
	if got := text.Pick(language.SimplifiedChinese); got != "你好" {
		t.Errorf("chinese pick = %q", got)
	}
	if got := (Text{EN: "only"}).Pick(language.Chinese); got != "only" {
		t.Errorf("fallback pick = %q", got)
	}
}

func TestScopeHelpers(t *testing.T) {
	s := OwnerOnly("a", "b")
	if !s.Includes("a") || s.Includes("c") {
		t.Fatalf("unexpected includes for %+v", s)
	}
	if HostOnly().Audience != AudienceHost || Public().Audience != AudienceAll {
		t.Fatal("unexpected audiences")
	}
}
