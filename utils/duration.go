package utils

import (
	"fmt"
	"regexp"
	"strconv"
)

var durationPattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseDuration splits a "P#DT#H#M#S" duration into its parts, folding days
// into hours. At least one part must be present.
func parseDuration(d string) (h, m, s int, ok bool) {
	match := durationPattern.FindStringSubmatch(d)
	if match == nil || (match[1] == "" && match[2] == "" && match[3] == "" && match[4] == "") {
		return 0, 0, 0, false
	}

	// days, hours, minutes, seconds
	parts := [4]int{}
	for i, raw := range match[1:] {
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, 0, false
		}
		parts[i] = n
	}

	return parts[0]*24 + parts[1], parts[2], parts[3], true
}

// FormatDuration renders a video duration as "H:MM:SS", or "M:SS" under an hour.
// Unparseable input renders as "00:00".
func FormatDuration(d string) string {
	h, m, s, ok := parseDuration(d)
	if !ok {
		return "00:00"
	}
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// DurationSeconds returns the total length in seconds, 0 when unparseable
func DurationSeconds(d string) int {
	h, m, s, ok := parseDuration(d)
	if !ok {
		return 0
	}
	return h*3600 + m*60 + s
}
