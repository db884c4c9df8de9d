package auth

import "testing"

func groupNamer(m map[int]string) func(int) (string, bool) {
	return func(gid int) (string, bool) {
		name, ok := m[gid]
		return name, ok
	}
}

func TestEvaluateDecisionTable(t *testing.T) {
	names := groupNamer(map[int]string{100: "sbuild", 200: "sbuild-root"})

	tests := []struct {
		name       string
		gids       []int
		groups     []string
		rootGroups []string
		ruid       int
		targetUID  int
		want       Decision
	}{
		{"not in any group", []int{}, []string{"sbuild"}, nil, 1000, 1000, Fail},
		{"in groups, targeting self", []int{100}, []string{"sbuild"}, nil, 1000, 1000, None},
		{"in groups and root_groups, targeting root", []int{100, 200}, []string{"sbuild"}, []string{"sbuild-root"}, 1000, 0, None},
		{"in groups only, targeting root", []int{100}, []string{"sbuild"}, []string{"sbuild-root"}, 1000, 0, User},
		{"in groups, targeting other uid", []int{100}, []string{"sbuild"}, nil, 1000, 2000, User},
		{"in root_groups only, targeting root", []int{200}, []string{"sbuild"}, []string{"sbuild-root"}, 1000, 0, None},
		{"in root_groups only, targeting self", []int{200}, []string{"sbuild"}, []string{"sbuild-root"}, 1000, 1000, Fail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := Identity{RUID: tt.ruid, TargetUID: tt.targetUID, SupplementaryGIDs: tt.gids, GroupName: names}
			got := Evaluate(id, tt.groups, tt.rootGroups)
			if got != tt.want {
				t.Fatalf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateSessionAggregatesMostRestrictive(t *testing.T) {
	names := groupNamer(map[int]string{100: "sbuild"})
	id := Identity{RUID: 1000, TargetUID: 2000, SupplementaryGIDs: []int{100}, GroupName: names}

	chroots := []ChrootPolicy{
		{Groups: []string{"sbuild"}},              // User (other uid)
		{Groups: []string{"nomatch"}, RootGroups: nil}, // Fail
	}
	if got := EvaluateSession(id, chroots); got != Fail {
		t.Fatalf("EvaluateSession() = %v, want Fail", got)
	}

	onlyUser := []ChrootPolicy{{Groups: []string{"sbuild"}}}
	if got := EvaluateSession(id, onlyUser); got != User {
		t.Fatalf("EvaluateSession() = %v, want User", got)
	}
}

func TestDecisionOrdering(t *testing.T) {
	if !(Fail > User && User > None) {
		t.Fatal("Decision constants must rank Fail > User > None")
	}
}
