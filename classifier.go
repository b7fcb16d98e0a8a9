package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is the statement category used by behavior scoring and policy rules.
type Action string

const (
	ActionSelect Action = "SELECT"
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionDDL    Action = "DDL"
	ActionOther  Action = "OTHER"
)

var ddlVerbs = []string{"CREATE", "ALTER", "DROP", "TRUNCATE", "RENAME"}

// ParseAction parses a policy action name case-insensitively.
func ParseAction(v string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(v)))
	switch a {
	case ActionSelect, ActionInsert, ActionUpdate, ActionDelete, ActionDDL, ActionOther:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", v)
}

// IsWrite reports whether the action modifies rows.
func (a Action) IsWrite() bool {
	return a == ActionInsert || a == ActionUpdate || a == ActionDelete
}

// ClassifyAction derives the action from the leading keyword of normalized SQL.
func ClassifyAction(normalized string) Action {
	s := strings.TrimSpace(normalized)
	switch {
	case strings.HasPrefix(s, "SELECT"):
		return ActionSelect
	case strings.HasPrefix(s, "INSERT"):
		return ActionInsert
	case strings.HasPrefix(s, "UPDATE"):
		return ActionUpdate
	case strings.HasPrefix(s, "DELETE"):
		return ActionDelete
	}
	for _, verb := range ddlVerbs {
		if strings.HasPrefix(s, verb) {
			return ActionDDL
		}
	}
	return ActionOther
}

var tableRefRe = regexp.MustCompile("\\b(?:FROM|INTO|UPDATE|TABLE)\\s+([A-Z0-9_.`]+)")

// ExtractTables returns the distinct names following FROM, INTO, UPDATE or
// TABLE in normalized SQL, in order of appearance. When nothing is found the
// single wildcard candidate "*" is returned.
func ExtractTables(normalized string) []string {
	matches := tableRefRe.FindAllStringSubmatch(normalized, -1)
	seen := make(map[string]struct{}, len(matches))
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		tables = append(tables, m[1])
	}
	if len(tables) == 0 {
		return []string{"*"}
	}
	return tables
}
