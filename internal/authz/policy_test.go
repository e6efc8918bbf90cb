package authz

import "testing"

func TestPolicyEngine_EmptyListIsOpen(t *testing.T) {
	p := NewPolicyEngine(nil)
	if !p.IsOwner("anyone") {
		t.Error("empty owner list should allow everyone")
	}
}

func TestPolicyEngine_OwnerList(t *testing.T) {
	p := NewPolicyEngine([]string{"42", " 77 ", ""})
	if !p.IsOwner("42") {
		t.Error("listed owner rejected")
	}
	if !p.IsOwner("77") {
		t.Error("whitespace around ids should be ignored")
	}
	if p.IsOwner("43") {
		t.Error("unlisted sender accepted")
	}
	if p.IsOwner("") {
		t.Error("blank entries must not open the gate")
	}
}
