package quorum

import "testing"

func TestHaveQuorumOnPeersOfQuorum(t *testing.T) {
	// R2: haveQuorum(peers(Q), Q) holds for every well-formed quorum.
	quorums := []Quorum{
		All{Set: []string{"a"}},
		Majority{Set: []string{"a", "b", "c"}},
		Stable("a", []string{"a", "b", "c"}),
		Transitioning("a", []string{"a", "b", "c"}, []string{"a", "b", "d"}),
		BranchResolution([]string{"a", "b"}),
	}
	for _, q := range quorums {
		if !HaveQuorum(Peers(q), q) {
			t.Errorf("HaveQuorum(Peers(%v), q) = false, want true", q)
		}
	}
}

func TestStableQuorumRequiresSelf(t *testing.T) {
	q := Stable("a", []string{"a", "b", "c"})
	if HaveQuorum([]string{"b", "c"}, q) {
		t.Error("quorum satisfied without self vote")
	}
	if !HaveQuorum([]string{"a", "b"}, q) {
		t.Error("quorum not satisfied with self + majority")
	}
}

func TestTransitioningQuorumRequiresBothMajorities(t *testing.T) {
	// S3: {a,b,c} -> {a,b,d}; {a,b} satisfies both majorities plus self.
	q := Transitioning("a", []string{"a", "b", "c"}, []string{"a", "b", "d"})
	if !HaveQuorum([]string{"a", "b"}, q) {
		t.Error("expected {a,b} to satisfy the joint quorum")
	}
	if HaveQuorum([]string{"a", "c"}, q) {
		t.Error("{a,c} satisfies the outgoing majority but not the incoming one")
	}
}

func TestFeasibleFivePeerCluster(t *testing.T) {
	// S5: five-node cluster, quorum = Joint(All{a}, Majority{a..e}), needs 3
	// votes total including self.
	all := []string{"a", "b", "c", "d", "e"}
	q := Stable("a", all)

	if !Feasible(all, []string{"b", "c"}, q) {
		t.Error("expected feasible with b,c down (d,e,a remain)")
	}
	if !HaveQuorum([]string{"a", "d", "e"}, q) {
		t.Error("votes from {a,d,e} should establish the term")
	}
	if Feasible(all, []string{"b", "c", "e"}, q) {
		t.Error("expected infeasible once e also fails, leaving only {a,d}")
	}
}

func TestDeduceCommitNeverExceedsQuorumAckedSeqno(t *testing.T) {
	// P3
	q := Stable("a", []string{"a", "b", "c"})
	acked := map[string]uint64{"a": 10, "b": 7, "c": 3}
	seqno, ok := DeduceCommit(acked, q)
	if !ok || seqno != 7 {
		t.Fatalf("DeduceCommit = (%d,%v), want (7,true)", seqno, ok)
	}
}

func TestDeduceCommitNoQuorum(t *testing.T) {
	q := Stable("a", []string{"a", "b", "c", "d", "e"})
	acked := map[string]uint64{"a": 10, "b": 2}
	_, ok := DeduceCommit(acked, q)
	if ok {
		t.Fatal("expected no quorum with only 2 of 5 peers acked")
	}
}
