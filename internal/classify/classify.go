// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package classify turns the free-text answer of the image-analysis service
// into pressure zones, a laterality guess and a trend label.
package classify

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Zone is one of the five canonical pressure regions of an insole.
type Zone int

const (
	Toes Zone = iota
	Metatarsals
	Arch
	LateralEdge
	Heel
)

// zones is the canonical check order. Extraction keeps this order
// regardless of where the tokens appear in the text.
var zones = [...]Zone{Toes, Metatarsals, Arch, LateralEdge, Heel}

// token is the word the analysis service uses for the zone.
func (z Zone) token() string {
	switch z {
	case Toes:
		return "dedos"
	case Metatarsals:
		return "metatarsos"
	case Arch:
		return "arco"
	case LateralEdge:
		return "exterior"
	case Heel:
		return "talon"
	}
	return ""
}

func (z Zone) String() string {
	switch z {
	case Toes:
		return "toes"
	case Metatarsals:
		return "metatarsals"
	case Arch:
		return "arch"
	case LateralEdge:
		return "lateral-edge"
	case Heel:
		return "heel"
	}
	return "unknown"
}

// Token returns the stored form of the zone, as kept in zonesDetectadas.
func (z Zone) Token() string { return z.token() }

// ParseZone accepts either the canonical name or the stored token.
func ParseZone(s string) (Zone, bool) {
	s = Normalize(s)
	for _, z := range zones {
		if s == z.String() || s == z.token() {
			return z, true
		}
	}
	return 0, false
}

// Side is the foot the insole belongs to.
type Side string

const (
	SideUnknown Side = ""
	SideLeft    Side = "left"
	SideRight   Side = "right"
)

// Trend is the follow-on label used to pick a recommended product.
type Trend string

const (
	TrendUnknown           Trend = ""
	TrendFlatPronator      Trend = "flat-pronator"
	TrendHighArchSupinator Trend = "high-arch-supinator"
)

// Outcome is the structured reading of one analysis answer.
type Outcome struct {
	RawText    string
	Zones      []Zone
	Side       Side
	Trend      Trend
	Confidence *float64 // [0,1], nil when the text does not state one
}

// Discarded reports whether no zone was recognized. Such an outcome is
// shown to the user as a "could not analyze" message and never persisted.
func (o Outcome) Discarded() bool { return len(o.Zones) == 0 }

// Has reports whether z is among the detected zones.
func (o Outcome) Has(z Zone) bool {
	for _, got := range o.Zones {
		if got == z {
			return true
		}
	}
	return false
}

// Classify parses the raw analysis text.
func Classify(raw string) Outcome {
	text := Normalize(raw)
	out := Outcome{RawText: raw}

	for _, z := range zones {
		if strings.Contains(text, z.token()) {
			out.Zones = append(out.Zones, z)
		}
	}

	// Distal-only answers get the structural cause added so the
	// recommendation never sees an ambiguous zone set.
	// The forced Arch takes its canonical slot like any found zone.
	if len(out.Zones) > 0 && !out.Has(Metatarsals) && !out.Has(LateralEdge) && !out.Has(Arch) {
		i := 0
		for i < len(out.Zones) && out.Zones[i] < Arch {
			i++
		}
		out.Zones = slices.Insert(out.Zones, i, Arch)
	}

	out.Trend = TrendFor(out.Zones)
	out.Side = parseSide(text)
	out.Confidence = parseConfidence(text)
	return out
}

// TrendFor derives the trend label from a zone set.
func TrendFor(zs []Zone) Trend {
	for _, z := range zs {
		if z == Arch {
			return TrendFlatPronator
		}
	}
	if len(zs) > 0 {
		return TrendHighArchSupinator
	}
	return TrendUnknown
}

var (
	leftRe       = regexp.MustCompile(`\b(izquierd[oa]s?|left)\b`)
	rightRe      = regexp.MustCompile(`\b(derech[oa]s?|right)\b`)
	confidenceRe = regexp.MustCompile(`(?:confianza|confidence)[^0-9]{0,20}([0-9]+(?:[.,][0-9]+)?)\s*(%?)`)
)

func parseSide(text string) Side {
	left := leftRe.MatchString(text)
	right := rightRe.MatchString(text)
	switch {
	case left && !right:
		return SideLeft
	case right && !left:
		return SideRight
	}
	return SideUnknown
}

func parseConfidence(text string) *float64 {
	m := confidenceRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
	if err != nil {
		return nil
	}
	if m[2] == "%" || v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return nil
	}
	return &v
}

// Normalize lower-cases s and strips diacritics ("Talón" -> "talon").
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Recommend maps a trend to the product offered after a scan.
func Recommend(t Trend) string {
	switch t {
	case TrendFlatPronator:
		return "insole-arch-support"
	case TrendHighArchSupinator:
		return "insole-cushion-neutral"
	}
	return ""
}
