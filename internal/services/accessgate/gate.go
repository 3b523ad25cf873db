// Package accessgate 实现访问闸门：角色 + 案件状态 → 允许/拒绝。
//
// 规则按序评估，角色拒绝与吊销拒绝必须给出可区分的原因，
// 审计记录与 HTTP 响应都依赖这个区分（403 角色不符 vs 403 案件已关闭）。
package accessgate

import (
	"evidence-vault/internal/domain/model"
)

// Operation 表示被授权的操作类型。
type Operation string

const (
	// OpViewBytes 读取证据明文字节。
	OpViewBytes Operation = "VIEW_BYTES"
	// OpCheckIntegrity 完整性核查（不出字节）。
	OpCheckIntegrity Operation = "CHECK_INTEGRITY"
	// OpReadCase 读取审核队列/案件详情。
	OpReadCase Operation = "READ_CASE"
	// OpChangeStatus 执行状态流转。
	OpChangeStatus Operation = "CHANGE_STATUS"
)

// Reason 表示拒绝原因。
type Reason string

const (
	// ReasonRole 调用方角色不具备资格。
	ReasonRole Reason = "ROLE_FORBIDDEN"
	// ReasonCaseClosed 案件已 RESOLVED，证据访问已吊销。
	ReasonCaseClosed Reason = "CASE_CLOSED"
)

// Decision 是一次授权评估的结论。
type Decision struct {
	Allowed bool
	Reason  Reason
}

var allow = Decision{Allowed: true}

func deny(r Reason) Decision {
	return Decision{Allowed: false, Reason: r}
}

// reviewerRoles 是允许进入取证审核面的角色集合。
var reviewerRoles = map[model.Role]bool{
	model.RoleAdmin:       true,
	model.RoleNGOAdmin:    true,
	model.RoleCaseOfficer: true,
}

// IsReviewer 返回角色是否属于审核面角色。
func IsReviewer(role model.Role) bool {
	return reviewerRoles[role]
}

// Authorize 评估 actor 对某案件证据执行 op 的资格。
// ownerID 是证据所属案件的报案人；reportStatus 是案件当前状态。
// 规则顺序：
//  1. 角色检查：审核角色可进取证面；所有者只能访问自己案件。
//  2. 状态检查：RESOLVED 后证据字节访问对所有审核角色吊销，
//     仅所有者保留对自己证据的访问。
func Authorize(actor model.Actor, ownerID string, reportStatus model.Status, op Operation) Decision {
	owner := actor.ID != "" && actor.ID == ownerID

	switch op {
	case OpReadCase:
		if IsReviewer(actor.Role) || owner {
			return allow
		}
		return deny(ReasonRole)

	case OpChangeStatus:
		// 任意状态流转只属于审核角色；所有者的提交走 CanTransition。
		if IsReviewer(actor.Role) {
			return allow
		}
		return deny(ReasonRole)

	case OpViewBytes, OpCheckIntegrity:
		if !IsReviewer(actor.Role) && !owner {
			return deny(ReasonRole)
		}
		if reportStatus == model.StatusResolved && !owner {
			return deny(ReasonCaseClosed)
		}
		return allow

	default:
		return deny(ReasonRole)
	}
}

// CanTransition 评估 actor 执行 current -> target 流转的资格。
// 审核角色可执行全部合法流转；所有者只能提交自己的案件：
// DRAFT -> SUBMITTED（首次提交）与 NEEDS_CLARIFICATION -> SUBMITTED
//（补充说明后重提）。边本身是否合法由状态机另行校验。
func CanTransition(actor model.Actor, ownerID string, current, target model.Status) Decision {
	if Authorize(actor, ownerID, current, OpChangeStatus).Allowed {
		return allow
	}

	owner := actor.ID != "" && actor.ID == ownerID
	if owner && target == model.StatusSubmitted &&
		(current == model.StatusDraft || current == model.StatusNeedsClarification) {
		return allow
	}
	return deny(ReasonRole)
}
