package chroot

import (
	"strings"
	"testing"
	"time"
)

func TestNewSessionInfoNamesAndFlags(t *testing.T) {
	kf := &Plain{base: Base{Name: "sid"}, Location: "/srv/chroot/sid"}
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	session := NewSessionInfo(kf, now)
	if !session.Base().Active {
		t.Fatal("expected session to be marked active")
	}
	if !strings.HasPrefix(session.Base().Name, "sid-20260806T120000-") {
		t.Fatalf("unexpected session name %q", session.Base().Name)
	}
	if session.Base().Name == kf.Base().Name {
		t.Fatal("session name must differ from template name")
	}

	// Independence: mutating the session must not affect the template.
	session.Base().Description = "mutated"
	if kf.base.Description == "mutated" {
		t.Fatal("clone shares state with template")
	}
}
