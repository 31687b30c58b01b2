package filter

import (
	"net"
	"strings"

	"github.com/grafana/regexp"

	"mediarelay/work/config"
	"mediarelay/work/logger"
	"mediarelay/work/utils"
)

// Condition types.
const (
	TypeIP        = "ip"
	TypeUA        = "ua"
	TypeHost      = "host"
	TypeMediaPath = "mediaPath"
	TypeMediaType = "mediaType"
)

// Condition operators.
const (
	OpEq          = "eq"
	OpNeq         = "neq"
	OpContains    = "contains"
	OpNotContains = "notContains"
	OpStartsWith  = "startsWith"
	OpEndsWith    = "endsWith"
	OpMatches     = "matches"
	OpIsPrivateIP = "isPrivateIp"
	OpIsLocalFile = "isLocalFile"
	OpIsStrmFile  = "isStrmFile"
)

// strmContainer marks a placeholder item that has no locally resolvable file.
const strmContainer = "strm"

// MediaInfo describes the media source a request resolves to, when known.
type MediaInfo struct {
	Path      string
	Container string
}

// Context carries everything a rule can test about one request. Media is nil
// when the request has no resolved media source; path and type conditions
// never match in that case.
type Context struct {
	UserAgent string
	Host      string
	ClientIP  string
	Media     *MediaInfo
}

// Result reports whether a rule blocked the request and which one.
type Result struct {
	Blocked bool
	Rule    *config.FilterRule
}

// Evaluate runs the rules in order against the request context. The first
// enabled rule with at least one condition that matches wins and blocks the
// direct-stream rewrite; no match across all rules leaves the request
// unblocked. Evaluation is pure and never fails: malformed conditions and
// invalid regex patterns are non-matches.
func Evaluate(rules []config.FilterRule, ctx Context) Result {
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled || len(rule.Conditions) == 0 {
			continue
		}
		if ruleMatches(rule, ctx) {
			logger.Debug("{filter - Evaluate} Rule matched, blocking rewrite: %s", rule.Name)
			return Result{Blocked: true, Rule: rule}
		}
	}
	return Result{}
}

func ruleMatches(rule *config.FilterRule, ctx Context) bool {
	and := strings.EqualFold(rule.Logic, "AND")
	for _, cond := range rule.Conditions {
		matched := conditionMatches(cond, ctx)
		if and && !matched {
			return false
		}
		if !and && matched {
			return true
		}
	}
	return and
}

func conditionMatches(cond config.FilterCondition, ctx Context) bool {
	switch cond.Type {
	case TypeIP:
		if cond.Op == OpIsPrivateIP {
			return IsPrivateIP(ctx.ClientIP)
		}
		return compareStrings(ctx.ClientIP, cond.Op, cond.Value)
	case TypeUA:
		return compareStrings(ctx.UserAgent, cond.Op, cond.Value)
	case TypeHost:
		return compareStrings(ctx.Host, cond.Op, cond.Value)
	case TypeMediaPath:
		if ctx.Media == nil {
			return false
		}
		return compareStrings(ctx.Media.Path, cond.Op, cond.Value)
	case TypeMediaType:
		if ctx.Media == nil {
			return false
		}
		container := strings.ToLower(strings.TrimSpace(ctx.Media.Container))
		switch cond.Op {
		case OpIsLocalFile:
			return container != strmContainer
		case OpIsStrmFile:
			return container == strmContainer
		}
		return false
	}
	return false
}

// compareStrings applies a string operator with both sides URL-decoded and
// lowercased. An invalid regex for the matches operator is a non-match.
func compareStrings(target, op, value string) bool {
	target = strings.ToLower(utils.DecodePath(target))
	value = strings.ToLower(utils.DecodePath(value))

	switch op {
	case OpEq:
		return target == value
	case OpNeq:
		return target != value
	case OpContains:
		return strings.Contains(target, value)
	case OpNotContains:
		return !strings.Contains(target, value)
	case OpStartsWith:
		return strings.HasPrefix(target, value)
	case OpEndsWith:
		return strings.HasSuffix(target, value)
	case OpMatches:
		re, err := regexp.Compile("(?i)" + value)
		if err != nil {
			logger.Warn("{filter - compareStrings} Invalid regex pattern: %s", value)
			return false
		}
		return re.MatchString(target)
	}
	return false
}

// IsPrivateIP reports whether the address sits in a private, loopback,
// link-local, or unspecified range (IPv4 and IPv6).
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	if parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified() {
		return true
	}
	return parsed.IsPrivate()
}
