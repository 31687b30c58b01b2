package utils

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// millisecondThreshold separates second-resolution unix timestamps from
// millisecond-resolution ones: anything above it is treated as milliseconds.
const millisecondThreshold = 100000000000

// appIdentifiers are user-agent substrings of known native media apps and
// players. A user agent containing one of these is never treated as a web
// browser even if it also carries browser-engine tokens.
var appIdentifiers = []string{
	"emby",
	"infuse",
	"conflux",
	"vlc",
	"filmly",
	"vidhub",
	"senplayer",
	"mpv",
}

// browserIdentifiers are the engine tokens present in real browser UAs.
var browserIdentifiers = []string{
	"mozilla",
	"chrome",
	"safari",
	"firefox",
}

// IsWebBrowser reports whether the user agent belongs to a web browser.
// An empty user agent is assumed to be a browser.
func IsWebBrowser(ua string) bool {
	lowerUA := strings.TrimSpace(strings.ToLower(ua))
	if lowerUA == "" {
		lowerUA = "chrome"
	}

	for _, app := range appIdentifiers {
		if strings.Contains(lowerUA, app) {
			return false
		}
	}
	for _, browser := range browserIdentifiers {
		if strings.Contains(lowerUA, browser) {
			return true
		}
	}
	return false
}

// CalculateMaxAge derives a cache lifetime from a signed URL's embedded
// expiry timestamp. The timestamp may be in seconds or milliseconds; the
// magnitude decides. The reference time should already include any safety
// buffer. A past timestamp yields zero; empty or non-numeric input yields
// (0, false) so callers fall back to the default lifetime.
func CalculateMaxAge(t string, now time.Time) (time.Duration, bool) {
	if t == "" {
		return 0, false
	}

	timestamp, err := strconv.ParseFloat(t, 64)
	if err != nil || math.IsNaN(timestamp) || timestamp < 0 {
		return 0, false
	}

	targetMs := timestamp * 1000
	if timestamp > millisecondThreshold {
		targetMs = timestamp
	}

	diff := time.Duration(targetMs-float64(now.UnixMilli())) * time.Millisecond
	if diff < 0 {
		return 0, true
	}
	return diff, true
}

// DecodePath URL-decodes a media path, returning the input unchanged when it
// is not valid percent-encoding. Decoding happens before path mapping and
// cache-key construction so differently encoded but identical paths collapse
// to one entry.
func DecodePath(path string) string {
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return path
	}
	return decoded
}

// TicksToSeconds converts a media-server playback position (100ns ticks)
// into a seconds string, floored at the given number of fraction digits.
func TicksToSeconds(ticks int64, fractionDigits int) string {
	if fractionDigits < 0 {
		fractionDigits = 3
	}
	if ticks <= 0 {
		return "0"
	}

	const ticksPerSecond = 10000000
	precision := math.Pow(10, float64(fractionDigits))
	seconds := math.Floor(float64(ticks)*precision/ticksPerSecond) / precision
	return strconv.FormatFloat(seconds, 'f', -1, 64)
}

// ObfuscateURL masks sensitive parts of a URL for logging, keeping only the
// scheme and host visible.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
