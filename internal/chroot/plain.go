package chroot

import (
	"io"
	"time"

	"schroot/internal/keyfile"
)

// Plain is a chroot rooted directly at an existing directory. It takes no
// device lock and needs no session-info file.
type Plain struct {
	base     Base
	Location string
}

func (p *Plain) Base() *Base          { return &p.base }
func (p *Plain) ChrootType() string   { return "plain" }
func (p *Plain) MountLocation() string { return p.Location }
func (p *Plain) MountDevice() string  { return "" }

func (p *Plain) SetupEnv(env *Environment) {
	p.base.setupEnv(env, p.ChrootType(), p.Location)
}

func (p *Plain) SetupLock(phase Phase, acquire bool, locker Locker, persist SessionPersister, timeout time.Duration) error {
	return nil
}

func (p *Plain) SessionFlags() SessionFlags { return NoSessionFlags }

func (p *Plain) Clone() Chroot {
	clone := *p
	clone.base = p.base.clone()
	return &clone
}

func (p *Plain) FromKeyfile(kf *keyfile.KeyFile, group string) error {
	if err := p.base.fromKeyfile(kf, group); err != nil {
		return err
	}
	loc, present, err := keyfile.Get(kf, group, "location", keyfile.Required, keyfile.DecodePath)
	if err != nil {
		return err
	}
	if present {
		p.Location = loc
	}
	return nil
}

func (p *Plain) ToKeyfile(kf *keyfile.KeyFile, group string) {
	p.base.toKeyfile(kf, group, p.ChrootType())
	keyfile.SetValue(kf, group, "location", p.Location, "")
}

func (p *Plain) PrintDetails(w io.Writer) {
	p.base.printDetails(w, p.ChrootType(), p.Location)
}
