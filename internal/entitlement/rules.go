package entitlement

import (
	"regexp"
	"strings"
)

// EvaluateDefaultGroupCondition reports whether a default-group assignment
// rule matches the given email. Unknown condition types evaluate to false,
// as do unset or malformed condition values; evaluation never fails.
//
// Invitation-based matching is a known gap: no invitation store exists in
// this service, so ConditionInvitation always evaluates to false.
func EvaluateDefaultGroupCondition(rule DefaultGroupAssignment, email string) bool {
	email = strings.TrimSpace(email)
	switch rule.ConditionType {
	case ConditionAlways:
		return true
	case ConditionEmailDomain:
		value := strings.TrimSpace(rule.ConditionValue)
		if value == "" {
			return false
		}
		at := strings.LastIndex(email, "@")
		if at < 0 || at == len(email)-1 {
			return false
		}
		return strings.EqualFold(email[at+1:], value)
	case ConditionEmailPattern:
		value := strings.TrimSpace(rule.ConditionValue)
		if value == "" {
			return false
		}
		re, err := regexp.Compile("(?i)" + value)
		if err != nil {
			return false
		}
		return re.MatchString(email)
	case ConditionInvitation:
		return false
	default:
		return false
	}
}
