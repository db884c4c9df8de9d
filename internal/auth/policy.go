// Package auth resolves what a caller must do before entering a chroot:
// nothing, a password prompt, or outright refusal, per the decision table
// in spec §4.5, aggregated across every chroot a session targets.
package auth

// Decision is the outcome of evaluating one chroot's group policy against
// a caller's identity.
type Decision int

const (
	// None means the caller may proceed without any authentication step.
	None Decision = iota
	// User means the caller must authenticate (a password prompt via PAM).
	User
	// Fail means the caller is not permitted to use the chroot at all.
	Fail
)

func (d Decision) String() string {
	switch d {
	case None:
		return "none"
	case User:
		return "user"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// more returns the more restrictive of two decisions, ranked Fail > User >
// None, matching the aggregation rule in spec §4.5.
func more(a, b Decision) Decision {
	if a > b {
		return a
	}
	return b
}

// Identity is the caller context evaluated against a chroot's policy.
type Identity struct {
	RUID              int      // real uid of the invoking process
	TargetUID         int      // uid the caller wants to run as (defaults to RUID)
	SupplementaryGIDs []int    // the caller's current group membership, by gid
	GroupName         func(gid int) (string, bool)
}

func contains(names []string, target string) bool {
	for _, n := range names {
		if n == target {
			return true
		}
	}
	return false
}

func (id Identity) memberOf(groupNames []string) bool {
	for _, gid := range id.SupplementaryGIDs {
		name, ok := id.GroupName(gid)
		if !ok {
			continue
		}
		if contains(groupNames, name) {
			return true
		}
	}
	return false
}

// Evaluate applies the spec §4.5 decision table for a single chroot's
// groups/root_groups against the caller identity. Eligibility to open the
// chroot at all is the union groups ∪ root_groups (spec §3's invariant);
// the decision table in §4.5 only spells out the case where the caller is
// in groups, so the root_groups-only case (eligible via root_groups alone)
// is filled in here: such a caller may only enter as root, without a
// password, since root_groups membership is itself the grant of root
// access — there is no lesser privilege for them to fall back to.
func Evaluate(id Identity, groups, rootGroups []string) Decision {
	inGroups := id.memberOf(groups)
	inRootGroups := id.memberOf(rootGroups)

	if !inGroups && !inRootGroups {
		return Fail
	}

	targetingRoot := id.TargetUID == 0
	targetingSelf := id.TargetUID == id.RUID

	if !inGroups {
		// root_groups-only membership.
		if targetingRoot {
			return None
		}
		return Fail
	}

	switch {
	case targetingSelf:
		return None
	case targetingRoot && inRootGroups:
		return None
	case targetingRoot && !inRootGroups:
		return User
	default: // some other uid
		return User
	}
}

// EvaluateSession aggregates a decision across every chroot in a session,
// taking the most restrictive outcome (Fail > User > None).
func EvaluateSession(id Identity, chroots []ChrootPolicy) Decision {
	decision := None
	for _, c := range chroots {
		decision = more(decision, Evaluate(id, c.Groups, c.RootGroups))
		if decision == Fail {
			return Fail
		}
	}
	return decision
}

// ChrootPolicy is the subset of a chroot's attributes auth needs; the
// session engine adapts chroot.Chroot values into this to avoid a direct
// dependency between the two packages.
type ChrootPolicy struct {
	Groups     []string
	RootGroups []string
}
