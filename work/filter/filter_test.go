package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mediarelay/work/config"
)

func rule(logic string, conditions ...config.FilterCondition) config.FilterRule {
	return config.FilterRule{
		Id:         "r1",
		Enabled:    true,
		Name:       "test rule",
		Logic:      logic,
		Conditions: conditions,
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"172.16.5.4", true},
		{"172.31.255.255", true},
		{"192.168.1.10", true},
		{"127.0.0.1", true},
		{"169.254.1.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fe80::1", true},
		{"fd00::42", true},
		{"fc00::1", true},
		{"8.8.8.8", false},
		{"172.32.0.1", false},
		{"2001:4860:4860::8888", false},
		{"not-an-ip", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPrivateIP(tt.ip))
		})
	}
}

func TestEvaluateAndLogic(t *testing.T) {
	r := rule("AND",
		config.FilterCondition{Type: TypeUA, Op: OpContains, Value: "vlc"},
		config.FilterCondition{Type: TypeIP, Op: OpIsPrivateIP},
	)

	both := Context{UserAgent: "VLC/3.0.18", ClientIP: "192.168.1.2"}
	result := Evaluate([]config.FilterRule{r}, both)
	assert.True(t, result.Blocked)
	assert.Equal(t, "test rule", result.Rule.Name)

	onlyOne := Context{UserAgent: "VLC/3.0.18", ClientIP: "8.8.8.8"}
	assert.False(t, Evaluate([]config.FilterRule{r}, onlyOne).Blocked)
}

func TestEvaluateOrLogic(t *testing.T) {
	r := rule("OR",
		config.FilterCondition{Type: TypeUA, Op: OpContains, Value: "vlc"},
		config.FilterCondition{Type: TypeIP, Op: OpIsPrivateIP},
	)

	result := Evaluate([]config.FilterRule{r}, Context{UserAgent: "Infuse/7", ClientIP: "10.0.0.1"})
	assert.True(t, result.Blocked)

	result = Evaluate([]config.FilterRule{r}, Context{UserAgent: "Infuse/7", ClientIP: "8.8.8.8"})
	assert.False(t, result.Blocked)
}

func TestEvaluateRuleOrder(t *testing.T) {
	first := rule("OR", config.FilterCondition{Type: TypeUA, Op: OpContains, Value: "vlc"})
	first.Name = "first"
	second := rule("OR", config.FilterCondition{Type: TypeUA, Op: OpContains, Value: "vlc"})
	second.Name = "second"

	result := Evaluate([]config.FilterRule{first, second}, Context{UserAgent: "VLC/3"})
	assert.True(t, result.Blocked)
	assert.Equal(t, "first", result.Rule.Name, "first matching enabled rule wins")
}

func TestEvaluateSkipsDisabledAndEmptyRules(t *testing.T) {
	disabled := rule("OR", config.FilterCondition{Type: TypeUA, Op: OpContains, Value: "vlc"})
	disabled.Enabled = false
	empty := rule("OR")

	result := Evaluate([]config.FilterRule{disabled, empty}, Context{UserAgent: "VLC/3"})
	assert.False(t, result.Blocked)
}

func TestStringOperators(t *testing.T) {
	ctx := Context{UserAgent: "Mozilla/5.0 Chrome/120.0"}

	tests := []struct {
		name string
		op   string
		val  string
		want bool
	}{
		{"eq lowercased", OpEq, "MOZILLA/5.0 CHROME/120.0", true},
		{"neq", OpNeq, "other", true},
		{"contains", OpContains, "chrome", true},
		{"notContains", OpNotContains, "firefox", true},
		{"startsWith", OpStartsWith, "mozilla", true},
		{"endsWith", OpEndsWith, "120.0", true},
		{"matches", OpMatches, `chrome/\d+`, true},
		{"matches invalid regex is non-match", OpMatches, `chrome/(`, false},
		{"unknown op", "unknown", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("OR", config.FilterCondition{Type: TypeUA, Op: tt.op, Value: tt.val})
			assert.Equal(t, tt.want, Evaluate([]config.FilterRule{r}, ctx).Blocked)
		})
	}
}

func TestMediaPathDecoding(t *testing.T) {
	r := rule("OR", config.FilterCondition{Type: TypeMediaPath, Op: OpContains, Value: "%E7%94%B5%E5%BD%B1"})
	ctx := Context{Media: &MediaInfo{Path: "/media/电影/movie.mkv"}}
	assert.True(t, Evaluate([]config.FilterRule{r}, ctx).Blocked)

	// no media descriptor means path conditions never match
	assert.False(t, Evaluate([]config.FilterRule{r}, Context{}).Blocked)
}

func TestMediaTypeOperators(t *testing.T) {
	strm := Context{Media: &MediaInfo{Container: "strm"}}
	mkv := Context{Media: &MediaInfo{Container: "mkv"}}

	isStrm := rule("OR", config.FilterCondition{Type: TypeMediaType, Op: OpIsStrmFile})
	assert.True(t, Evaluate([]config.FilterRule{isStrm}, strm).Blocked)
	assert.False(t, Evaluate([]config.FilterRule{isStrm}, mkv).Blocked)

	isLocal := rule("OR", config.FilterCondition{Type: TypeMediaType, Op: OpIsLocalFile})
	assert.True(t, Evaluate([]config.FilterRule{isLocal}, mkv).Blocked)
	assert.False(t, Evaluate([]config.FilterRule{isLocal}, strm).Blocked)

	// any other operator on mediaType is a non-match
	other := rule("OR", config.FilterCondition{Type: TypeMediaType, Op: OpEq, Value: "mkv"})
	assert.False(t, Evaluate([]config.FilterRule{other}, mkv).Blocked)
}
