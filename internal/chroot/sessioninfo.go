package chroot

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewSessionName mints a unique SessionInfo name from a template's name:
// the original name, a UTC timestamp, and a random suffix, so that
// concurrent begins against the same template never collide and sessions
// never shadow a template name (spec §3: templates and session ids share a
// namespace).
func NewSessionName(templateName string, now time.Time) string {
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%s-%s-%s", templateName, now.UTC().Format("20060102T150405"), suffix)
}

// NewSessionInfo clones an active-capable chroot into a SessionInfo: a
// chroot instance with active=true and a freshly minted session name.
func NewSessionInfo(template Chroot, now time.Time) Chroot {
	session := template.Clone()
	b := session.Base()
	b.Active = true
	b.Name = NewSessionName(template.Base().Name, now)
	return session
}
