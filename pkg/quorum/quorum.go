// Package quorum implements the vote-set algebra the proposer uses to decide
// whether a set of acknowledging peers satisfies a (possibly joint)
// configuration, and whether a given failure set still leaves the
// configuration feasible.
package quorum

// Quorum is a tree of All/Majority/Joint nodes over peer sets.
type Quorum interface {
	// Peers returns the union of every node set mentioned anywhere in the
	// tree.
	Peers() []string
	// Satisfied reports whether votes satisfies this quorum node.
	Satisfied(votes map[string]bool) bool
}

// All is satisfied iff votes is a superset of Set.
type All struct {
	Set []string
}

func (a All) Peers() []string { return append([]string(nil), a.Set...) }

func (a All) Satisfied(votes map[string]bool) bool {
	for _, p := range a.Set {
		if !votes[p] {
			return false
		}
	}
	return true
}

// Majority is satisfied iff |votes ∩ Set| * 2 > |Set|.
type Majority struct {
	Set []string
}

func (m Majority) Peers() []string { return append([]string(nil), m.Set...) }

func (m Majority) Satisfied(votes map[string]bool) bool {
	have := 0
	for _, p := range m.Set {
		if votes[p] {
			have++
		}
	}
	return have*2 > len(m.Set)
}

// Joint is satisfied iff both A and B are satisfied.
type Joint struct {
	A, B Quorum
}

func (j Joint) Peers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range [][]string{j.A.Peers(), j.B.Peers()} {
		for _, p := range set {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	return out
}

func (j Joint) Satisfied(votes map[string]bool) bool {
	return j.A.Satisfied(votes) && j.B.Satisfied(votes)
}

// Peers returns the union of every node set mentioned in q.
func Peers(q Quorum) []string {
	return q.Peers()
}

// HaveQuorum reports whether votes satisfies q.
func HaveQuorum(votes []string, q Quorum) bool {
	set := make(map[string]bool, len(votes))
	for _, v := range votes {
		set[v] = true
	}
	return q.Satisfied(set)
}

// Feasible reports whether q can still be satisfied given that failedVotes
// will never arrive: it is satisfiable iff the remaining peers (allPeers
// minus failedVotes) already satisfy it, since Satisfied is monotone in its
// input set.
func Feasible(allPeers, failedVotes []string, q Quorum) bool {
	failed := make(map[string]bool, len(failedVotes))
	for _, p := range failedVotes {
		failed[p] = true
	}
	remaining := make([]string, 0, len(allPeers))
	for _, p := range allPeers {
		if !failed[p] {
			remaining = append(remaining, p)
		}
	}
	return HaveQuorum(remaining, q)
}

// Stable returns the effective quorum of a stable configuration with the
// given voters: the local node is always required so the leader always sees
// its own writes.
func Stable(self string, voters []string) Quorum {
	return Joint{A: All{Set: []string{self}}, B: Majority{Set: voters}}
}

// Transitioning returns the effective quorum while current and future
// configurations are jointly in effect: both majorities are required, plus
// the local node.
func Transitioning(self string, current, future []string) Quorum {
	return Joint{
		A: All{Set: []string{self}},
		B: Joint{A: Majority{Set: current}, B: Majority{Set: future}},
	}
}

// BranchResolution returns the unanimity quorum used while resolving a
// quorum-failover branch: every surviving peer named in the branch must
// acknowledge.
func BranchResolution(peers []string) Quorum {
	return All{Set: peers}
}
