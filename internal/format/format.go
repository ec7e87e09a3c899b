// Package format holds small display-formatting helpers shared by the CLI.
package format

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Bytes renders a byte count as a human-readable size (IEC units).
func Bytes(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}

// Speed renders a bytes-per-second rate.
func Speed(bps int64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}

// Percent renders a [0,1] fraction as a percentage with one decimal.
func Percent(fraction float64) string {
	if fraction < 0 {
		return "?"
	}
	if fraction > 1 {
		fraction = 1
	}
	return fmt.Sprintf("%.1f%%", fraction*100)
}

// ETA renders a remaining-seconds estimate; negative means unknown.
func ETA(seconds int64) string {
	if seconds < 0 {
		return "-"
	}
	d := time.Duration(seconds) * time.Second
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

// Ago renders a timestamp as a relative time for history listings.
func Ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
