package player

import (
	"net/url"
	"strings"

	"github.com/grafana/regexp"

	"mediarelay/work/config"
)

// defaultCommonPlayers apply on every platform unless the operator overrides
// the common list.
var defaultCommonPlayers = []config.ExternalPlayer{
	{
		Name: "VLC",
		// https://github.com/northsea4/vlc-protocol
		Scheme:   "vlc://weblink?url=$url",
		IconOnly: true,
	},
}

// defaultPlatformPlayers are the built-in per-platform entries used when the
// operator has not configured that platform.
var defaultPlatformPlayers = map[string][]config.ExternalPlayer{
	"windows": {
		{Name: "PotPlayer", Scheme: "potplayer://$url"},
	},
	"macos": {
		{
			Name:     "IINA",
			Scheme:   "iina://weblink?url=$url&mpv_cmd_sub-add=$sub&mpv_force-media-title=$title&mpv_start=$start",
			IconOnly: true,
		},
	},
}

// Players returns the external players to offer for a platform, merging the
// operator's configuration with the built-in defaults. Returns nil when the
// feature is disabled.
func Players(cfg *config.ExternalPlayerConfig, platform string) []config.ExternalPlayer {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	common := cfg.Common
	if len(common) == 0 {
		common = defaultCommonPlayers
	}

	platformPlayers := platformList(cfg, platform)
	if len(platformPlayers) == 0 {
		platformPlayers = defaultPlatformPlayers[platform]
	}

	players := make([]config.ExternalPlayer, 0, len(common)+len(platformPlayers))
	players = append(players, common...)
	players = append(players, platformPlayers...)
	return players
}

func platformList(cfg *config.ExternalPlayerConfig, platform string) []config.ExternalPlayer {
	switch platform {
	case "windows":
		return cfg.Windows
	case "macos":
		return cfg.Macos
	case "android":
		return cfg.Android
	case "ios":
		return cfg.Ios
	case "linux":
		return cfg.Linux
	}
	return nil
}

// Options are the substitution values for one deep link. Empty fields count
// as absent and their placeholders are stripped from the template.
type Options struct {
	VideoURL     string
	Title        string
	SubURL       string
	StartSeconds string
}

// placeholderOrder fixes substitution order so stripping one placeholder
// never eats a query fragment holding another.
var placeholderOrder = []string{"$url", "$title", "$sub", "$start"}

// TransformScheme builds a player deep link from a scheme template like
// "vlc://weblink?url=$url". Present values are URL-encoded and substituted
// for every occurrence of their placeholder. Absent values are removed along
// with the enclosing query parameter, so the result never carries a dangling
// "sub=" or similar empty fragment.
func TransformScheme(scheme string, opts Options) string {
	vars := map[string]string{
		"$url":   opts.VideoURL,
		"$title": opts.Title,
		"$sub":   opts.SubURL,
		"$start": opts.StartSeconds,
	}

	result := scheme
	for _, key := range placeholderOrder {
		value := vars[key]
		if value == "" {
			quoted := regexp.QuoteMeta(key)
			result = regexp.MustCompile("&[^&?]*"+quoted).ReplaceAllString(result, "")
			result = regexp.MustCompile(`\?[^&?]*`+quoted+"&").ReplaceAllString(result, "?")
			result = regexp.MustCompile(`\?[^&?]*`+quoted).ReplaceAllString(result, "")
			result = strings.ReplaceAll(result, key, "")
		} else {
			result = strings.ReplaceAll(result, key, encodeComponent(value))
		}
	}

	result = strings.TrimSuffix(result, "?")
	return strings.Replace(result, "?&", "?", 1)
}

// encodeComponent percent-encodes a substitution value, keeping spaces as
// %20 so player apps parse the URL consistently.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
