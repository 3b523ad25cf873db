// Package statusflow 实现案件生命周期状态机。
//
// 状态机只做“纯计算”：给定当前状态、目标状态与审核输入，产出一个
// Transition（要写哪些字段、是否吊销证据访问）。真正的落库与审计
// 由 vault 服务在同一事务内完成，这里不碰存储。
package statusflow

import (
	"strings"

	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/domain/vaulterr"
)

// VALID 流转在审核员未填写时使用的默认回复内容。
const (
	DefaultOfficialResponse = "Your report has been reviewed and validated. A case officer will follow up with next steps."
	DefaultSupportContact   = "support@evidence-vault.example"
)

// Input 是一次流转的审核输入。
type Input struct {
	Notes            string
	OfficialResponse string // 仅 VALID 流转使用；为空时取默认文案
	SupportContact   string // 同上
}

// Transition 描述一次已通过校验的流转及其副作用。
type Transition struct {
	From  model.Status
	To    model.Status
	Notes string

	// SetOfficialResponse / SetSupportContact 非空时写入 reports 对应字段。
	SetOfficialResponse string
	SetSupportContact   string
	// SetRejectionDetails 非空时写入 rejection_details（NEEDS_CLARIFICATION）。
	SetRejectionDetails string

	// RevokesAccess 表示该流转使非所有者的证据字节访问失效（RESOLVED）。
	RevokesAccess bool
	// Reopen 表示这是 RESOLVED -> SUBMITTED 的显式重开。
	Reopen bool
}

// allowed 列出全部合法边。终态 RESOLVED 只有显式重开一条出边。
var allowed = map[model.Status][]model.Status{
	model.StatusDraft:              {model.StatusSubmitted},
	model.StatusSubmitted:          {model.StatusValid, model.StatusNeedsClarification, model.StatusEscalated, model.StatusResolved},
	model.StatusNeedsClarification: {model.StatusSubmitted},
	model.StatusValid:              {model.StatusEscalated, model.StatusResolved},
	model.StatusEscalated:          {model.StatusValid, model.StatusNeedsClarification, model.StatusResolved},
	model.StatusResolved:           {model.StatusSubmitted},
}

// notesRequired 列出必须附非空 notes 的目标状态。
// RESOLVED 的重开（RESOLVED -> SUBMITTED）同样强制 notes，见 Plan。
func notesRequired(target model.Status) bool {
	return target == model.StatusNeedsClarification || target == model.StatusResolved
}

// Plan 校验 current -> target 是否合法并产出流转计划。
// 非法输入返回 vaulterr.ValidationError，文案可直接回给客户端。
func Plan(current, target model.Status, in Input) (*Transition, error) {
	notes := strings.TrimSpace(in.Notes)

	edges, ok := allowed[current]
	if !ok {
		return nil, vaulterr.Validationf("unknown current status %q", current)
	}
	found := false
	for _, e := range edges {
		if e == target {
			found = true
			break
		}
	}
	if !found {
		return nil, vaulterr.Validationf("transition %s -> %s is not allowed", current, target)
	}

	reopen := current == model.StatusResolved && target == model.StatusSubmitted
	if notesRequired(target) && notes == "" {
		return nil, vaulterr.Validationf("notes are required for transition to %s", target)
	}
	if reopen && notes == "" {
		return nil, vaulterr.Validationf("notes are required to reopen a resolved case")
	}

	t := &Transition{
		From:   current,
		To:     target,
		Notes:  notes,
		Reopen: reopen,
	}

	switch target {
	case model.StatusValid:
		t.SetOfficialResponse = strings.TrimSpace(in.OfficialResponse)
		if t.SetOfficialResponse == "" {
			t.SetOfficialResponse = DefaultOfficialResponse
		}
		t.SetSupportContact = strings.TrimSpace(in.SupportContact)
		if t.SetSupportContact == "" {
			t.SetSupportContact = DefaultSupportContact
		}
	case model.StatusNeedsClarification:
		t.SetRejectionDetails = notes
	case model.StatusResolved:
		t.RevokesAccess = true
	}

	return t, nil
}
