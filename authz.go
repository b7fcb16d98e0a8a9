package sqlguard

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// RolePolicy is the configured allow/deny rule set of a role. Rules use the
// literal form ACTION:TABLE_PATTERN where * in the table pattern matches any
// run of characters.
type RolePolicy struct {
	Allow           []string `yaml:"allow" json:"allow"`
	Deny            []string `yaml:"deny" json:"deny"`
	DefaultSeverity Severity `yaml:"defaultSeverity" json:"defaultSeverity"`
}

// PolicyConfig maps principals to roles and roles to rules.
type PolicyConfig struct {
	Roles     map[string]RolePolicy `yaml:"roles" json:"roles"`
	UserRoles map[string]string     `yaml:"userRoles" json:"userRoles"`
}

// PolicyRule is a parsed ACTION:TABLE_PATTERN rule.
type PolicyRule struct {
	Text         string
	Action       Action
	TablePattern string
	re           *regexp.Regexp
}

// ParsePolicyRule parses a rule, splitting on the first colon. The table
// pattern is literal apart from "*", which matches any run of characters.
func ParsePolicyRule(text string) (PolicyRule, error) {
	actionPart, tablePart, ok := strings.Cut(text, ":")
	if !ok {
		return PolicyRule{}, fmt.Errorf("rule %q: expected ACTION:TABLE", text)
	}
	action, err := ParseAction(actionPart)
	if err != nil {
		return PolicyRule{}, fmt.Errorf("rule %q: %w", text, err)
	}
	rule := PolicyRule{
		Text:         text,
		Action:       action,
		TablePattern: strings.TrimSpace(tablePart),
	}
	if rule.TablePattern == "" {
		return PolicyRule{}, fmt.Errorf("rule %q: empty table pattern", text)
	}
	if rule.TablePattern != "*" {
		pattern := strings.ToUpper(strings.ReplaceAll(rule.TablePattern, "`", ""))
		pattern = strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*")
		rule.re, err = regexp.Compile(`(?i)^` + pattern + `$`)
		if err != nil {
			return PolicyRule{}, fmt.Errorf("rule %q: %w", text, err)
		}
	}
	return rule, nil
}

// Matches reports whether the rule covers action on table.
func (r PolicyRule) Matches(action Action, table string) bool {
	if r.Action != action {
		return false
	}
	if r.re == nil {
		return true
	}
	return r.re.MatchString(strings.ReplaceAll(table, "`", ""))
}

type compiledRole struct {
	name     string
	allow    []PolicyRule
	deny     []PolicyRule
	severity Severity
}

// Policy is an immutable compiled PolicyConfig.
type Policy struct {
	roles      map[string]*compiledRole
	principals map[string]string
}

func principalKey(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}

func strippedPrincipalKey(p string) string {
	return principalKey(strings.ReplaceAll(p, "@", ""))
}

// CompilePolicy compiles cfg. Malformed rules are left out of the returned
// policy and reported in the error. SetPolicy and config validation treat that
// error as fatal, so a policy with a bad rule is never installed.
func CompilePolicy(cfg PolicyConfig) (*Policy, error) {
	var errs []error
	p := &Policy{
		roles:      make(map[string]*compiledRole, len(cfg.Roles)),
		principals: make(map[string]string, len(cfg.UserRoles)*2),
	}
	for name, rp := range cfg.Roles {
		role := &compiledRole{name: name, severity: SeverityHigh}
		if rp.DefaultSeverity != "" {
			sev, err := ParseSeverity(string(rp.DefaultSeverity))
			if err != nil {
				errs = append(errs, fmt.Errorf("role %s: %w", name, err))
			} else {
				role.severity = sev
			}
		}
		for _, text := range rp.Deny {
			rule, err := ParsePolicyRule(text)
			if err != nil {
				errs = append(errs, fmt.Errorf("role %s deny: %w", name, err))
				continue
			}
			role.deny = append(role.deny, rule)
		}
		for _, text := range rp.Allow {
			rule, err := ParsePolicyRule(text)
			if err != nil {
				errs = append(errs, fmt.Errorf("role %s allow: %w", name, err))
				continue
			}
			role.allow = append(role.allow, rule)
		}
		p.roles[name] = role
	}
	for principal, role := range cfg.UserRoles {
		p.principals[principalKey(principal)] = role
		p.principals[strippedPrincipalKey(principal)] = role
	}
	return p, errors.Join(errs...)
}

// PolicyWarnings lists principals mapped to roles that are not defined.
// Such principals are never denied.
func PolicyWarnings(cfg PolicyConfig) []string {
	var warnings []string
	for principal, role := range cfg.UserRoles {
		if _, ok := cfg.Roles[role]; !ok {
			warnings = append(warnings, fmt.Sprintf("principal %s references unknown role %s", principal, role))
		}
	}
	sort.Strings(warnings)
	return warnings
}

// RoleFor resolves the role of a principal, first by its case-insensitive
// form and then with "@" removed.
func (p *Policy) RoleFor(principal string) (string, bool) {
	if role, ok := p.principals[principalKey(principal)]; ok {
		return role, true
	}
	role, ok := p.principals[strippedPrincipalKey(principal)]
	return role, ok
}

// Violation is an authorization deny decision.
type Violation struct {
	Role        string   `json:"role"`
	Severity    Severity `json:"severity"`
	Reason      string   `json:"reason"`
	Action      Action   `json:"action"`
	Table       string   `json:"table"`
	MatchedRule string   `json:"matchedRule"`
}

// AuthzEngine evaluates statements against the current policy snapshot.
// Deny rules override allow rules and anything not denied is allowed.
type AuthzEngine struct {
	policy atomic.Pointer[Policy]
	logger zerolog.Logger
}

func NewAuthzEngine(cfg PolicyConfig, logger zerolog.Logger) (*AuthzEngine, error) {
	e := &AuthzEngine{logger: logger}
	if err := e.SetPolicy(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPolicy compiles cfg and swaps it in. An invalid cfg leaves the current
// policy in place.
func (e *AuthzEngine) SetPolicy(cfg PolicyConfig) error {
	p, err := CompilePolicy(cfg)
	if err != nil {
		return fmt.Errorf("compile policy: %w", err)
	}
	e.policy.Store(p)
	e.logger.Info().Int("roles", len(cfg.Roles)).Int("principals", len(cfg.UserRoles)).Msg("authorization policy loaded")
	return nil
}

// Evaluate returns the first deny decision for principal running rawText.
func (e *AuthzEngine) Evaluate(principal, rawText string) (Violation, bool) {
	p := e.policy.Load()
	if p == nil {
		return Violation{}, false
	}
	roleName, ok := p.RoleFor(principal)
	if !ok {
		return Violation{}, false
	}
	role, ok := p.roles[roleName]
	if !ok {
		return Violation{}, false
	}

	normalized := Normalize(rawText)
	action := ClassifyAction(normalized)
	tables := ExtractTables(normalized)

	for _, table := range tables {
		for _, rule := range role.deny {
			if !rule.Matches(action, table) {
				continue
			}
			return Violation{
				Role:        role.name,
				Severity:    role.severity,
				Reason:      fmt.Sprintf("AUTHZ_DENY for %s:%s", action, table),
				Action:      action,
				Table:       table,
				MatchedRule: "DENY " + rule.Text,
			}, true
		}
	}
	if e.logger.GetLevel() <= zerolog.DebugLevel {
		for _, table := range tables {
			for _, rule := range role.allow {
				if rule.Matches(action, table) {
					e.logger.Debug().Str("principal", principal).Str("role", role.name).Str("rule", rule.Text).Msg("statement allowed")
					break
				}
			}
		}
	}
	return Violation{}, false
}
