package accessgate

import (
	"testing"

	"evidence-vault/internal/domain/model"
)

const ownerID = "user_owner"

var (
	owner    = model.Actor{ID: ownerID, Role: model.RoleUser}
	stranger = model.Actor{ID: "user_other", Role: model.RoleUser}
	officer  = model.Actor{ID: "officer_1", Role: model.RoleCaseOfficer}
	ngoAdmin = model.Actor{ID: "ngo_1", Role: model.RoleNGOAdmin}
	admin    = model.Actor{ID: "admin_1", Role: model.RoleAdmin}
)

func TestIsReviewer(t *testing.T) {
	for _, r := range []model.Role{model.RoleAdmin, model.RoleNGOAdmin, model.RoleCaseOfficer} {
		if !IsReviewer(r) {
			t.Fatalf("%s should be a reviewer role", r)
		}
	}
	if IsReviewer(model.RoleUser) {
		t.Fatalf("USER must not be a reviewer role")
	}
}

func TestAuthorize_ViewBytes_Roles(t *testing.T) {
	for _, a := range []model.Actor{officer, ngoAdmin, admin, owner} {
		d := Authorize(a, ownerID, model.StatusSubmitted, OpViewBytes)
		if !d.Allowed {
			t.Fatalf("%s should view bytes on SUBMITTED, got %+v", a.ID, d)
		}
	}

	d := Authorize(stranger, ownerID, model.StatusSubmitted, OpViewBytes)
	if d.Allowed {
		t.Fatalf("non-owner USER must not view bytes")
	}
	if d.Reason != ReasonRole {
		t.Fatalf("reason=%s want=%s", d.Reason, ReasonRole)
	}
}

func TestAuthorize_ResolvedRevokesReviewers(t *testing.T) {
	for _, a := range []model.Actor{officer, ngoAdmin, admin} {
		d := Authorize(a, ownerID, model.StatusResolved, OpViewBytes)
		if d.Allowed {
			t.Fatalf("%s should be revoked on RESOLVED", a.ID)
		}
		if d.Reason != ReasonCaseClosed {
			t.Fatalf("%s: reason=%s want=%s", a.ID, d.Reason, ReasonCaseClosed)
		}
	}
}

func TestAuthorize_ResolvedOwnerKeepsAccess(t *testing.T) {
	d := Authorize(owner, ownerID, model.StatusResolved, OpViewBytes)
	if !d.Allowed {
		t.Fatalf("owner must keep access to own evidence after RESOLVED, got %+v", d)
	}
	d = Authorize(owner, ownerID, model.StatusResolved, OpCheckIntegrity)
	if !d.Allowed {
		t.Fatalf("owner must keep integrity check after RESOLVED, got %+v", d)
	}
}

func TestAuthorize_CheckIntegrity_MirrorsViewBytes(t *testing.T) {
	d := Authorize(officer, ownerID, model.StatusResolved, OpCheckIntegrity)
	if d.Allowed || d.Reason != ReasonCaseClosed {
		t.Fatalf("reviewer integrity check should be revoked on RESOLVED: %+v", d)
	}
	d = Authorize(stranger, ownerID, model.StatusValid, OpCheckIntegrity)
	if d.Allowed || d.Reason != ReasonRole {
		t.Fatalf("stranger integrity check should be role-denied: %+v", d)
	}
}

func TestAuthorize_ReadCase(t *testing.T) {
	if d := Authorize(officer, ownerID, model.StatusSubmitted, OpReadCase); !d.Allowed {
		t.Fatalf("reviewer must read case: %+v", d)
	}
	if d := Authorize(owner, ownerID, model.StatusResolved, OpReadCase); !d.Allowed {
		t.Fatalf("owner must read own case even when resolved: %+v", d)
	}
	if d := Authorize(stranger, ownerID, model.StatusSubmitted, OpReadCase); d.Allowed {
		t.Fatalf("stranger must not read case")
	}
}

func TestAuthorize_ChangeStatus_ReviewerOnly(t *testing.T) {
	if d := Authorize(officer, ownerID, model.StatusSubmitted, OpChangeStatus); !d.Allowed {
		t.Fatalf("reviewer must change status: %+v", d)
	}
	// 所有者也不能改自己案件的状态。
	if d := Authorize(owner, ownerID, model.StatusSubmitted, OpChangeStatus); d.Allowed {
		t.Fatalf("owner must not change status")
	}
	if d := Authorize(stranger, ownerID, model.StatusSubmitted, OpChangeStatus); d.Allowed {
		t.Fatalf("stranger must not change status")
	}
}

func TestCanTransition_OwnerSubmitEdges(t *testing.T) {
	// 所有者可提交与重提自己的案件。
	if d := CanTransition(owner, ownerID, model.StatusDraft, model.StatusSubmitted); !d.Allowed {
		t.Fatalf("owner must submit own draft: %+v", d)
	}
	if d := CanTransition(owner, ownerID, model.StatusNeedsClarification, model.StatusSubmitted); !d.Allowed {
		t.Fatalf("owner must resubmit after clarification: %+v", d)
	}

	// 提交以外的流转对所有者关闭。
	for _, target := range []model.Status{model.StatusValid, model.StatusEscalated, model.StatusResolved} {
		if d := CanTransition(owner, ownerID, model.StatusSubmitted, target); d.Allowed {
			t.Fatalf("owner must not transition to %s", target)
		}
	}
	// 已提交/已结案的案件所有者不能再“提交”。
	if d := CanTransition(owner, ownerID, model.StatusResolved, model.StatusSubmitted); d.Allowed {
		t.Fatalf("owner must not reopen a resolved case")
	}
}

func TestCanTransition_RolesAndStrangers(t *testing.T) {
	// 审核角色可执行全部流转（边的合法性由状态机把关）。
	for _, a := range []model.Actor{officer, ngoAdmin, admin} {
		if d := CanTransition(a, ownerID, model.StatusSubmitted, model.StatusValid); !d.Allowed {
			t.Fatalf("%s must transition status: %+v", a.ID, d)
		}
		if d := CanTransition(a, ownerID, model.StatusResolved, model.StatusSubmitted); !d.Allowed {
			t.Fatalf("%s must reopen: %+v", a.ID, d)
		}
	}

	// 非所有者的 USER 连提交都不行。
	if d := CanTransition(stranger, ownerID, model.StatusDraft, model.StatusSubmitted); d.Allowed {
		t.Fatalf("stranger must not submit someone else's draft")
	}
}

func TestAuthorize_UnknownOperation(t *testing.T) {
	if d := Authorize(admin, ownerID, model.StatusSubmitted, Operation("NOPE")); d.Allowed {
		t.Fatalf("unknown operation must be denied")
	}
}
