package model

import (
	"fmt"
	"strings"
)

// Status 表示案件生命周期状态。
type Status string

const (
	// StatusDraft 草稿：立案或首次传证据时创建，仅所有者可改。
	StatusDraft Status = "DRAFT"
	// StatusSubmitted 已提交：证据与描述定稿，所有者不可再编辑。
	StatusSubmitted Status = "SUBMITTED"
	// StatusValid 审核通过：附带官方回复与支持联系方式。
	StatusValid Status = "VALID"
	// StatusNeedsClarification 需要补充说明：必须附审核备注。
	StatusNeedsClarification Status = "NEEDS_CLARIFICATION"
	// StatusEscalated 已升级处理。
	StatusEscalated Status = "ESCALATED"
	// StatusResolved 已结案（终态）：触发证据访问吊销。
	StatusResolved Status = "RESOLVED"
)

// legacyVerified 是历史数据中的状态标签，语义等同 VALID。
// 只在解析时兼容，永不写回。
const legacyVerified = "VERIFIED"

// ParseStatus 解析状态字符串（大小写不敏感），兼容历史 VERIFIED 标签。
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(StatusDraft):
		return StatusDraft, nil
	case string(StatusSubmitted):
		return StatusSubmitted, nil
	case string(StatusValid), legacyVerified:
		return StatusValid, nil
	case string(StatusNeedsClarification):
		return StatusNeedsClarification, nil
	case string(StatusEscalated):
		return StatusEscalated, nil
	case string(StatusResolved):
		return StatusResolved, nil
	default:
		return "", fmt.Errorf("unknown status: %q", s)
	}
}

// Terminal 返回该状态是否为终态（仅 RESOLVED）。
func (s Status) Terminal() bool {
	return s == StatusResolved
}
