package guard

import (
	"math"
	"regexp"
)

// EntropyThreshold is the bits/byte above which a segment is treated as
// possibly encoded. Base64 sits around 5.0-5.5, English text below 4.5.
const EntropyThreshold = 4.8

// minEncodedSegment is the shortest run considered for encoding detection.
const minEncodedSegment = 50

// Finding is one reason content looks hostile.
type Finding struct {
	Kind  string // "pattern" or "encoding"
	Name  string
	Match string
}

func (f Finding) String() string {
	return f.Kind + ":" + f.Name
}

type namedPattern struct {
	name    string
	pattern *regexp.Regexp
}

// injectionPatterns flag text that tries to steer a model reading it.
var injectionPatterns = []namedPattern{
	{"ignore_previous", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|above|prior)\s+(instruction|directive|rule)s?`)},
	{"disregard_previous", regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|above|prior)`)},
	{"forget_previous", regexp.MustCompile(`(?i)forget\s+(previous|everything|all)`)},
	{"new_instructions", regexp.MustCompile(`(?i)new\s+(instructions|directive|system\s+prompt)`)},
	{"reveal_prompt", regexp.MustCompile(`(?i)(reveal|show|print|display)\s+(your\s+)?(system\s+)?prompt`)},
	{"download_exec", regexp.MustCompile(`(?i)(curl|wget)\s+\S+.*\|\s*(ba)?sh`)},
}

var (
	base64Pattern      = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
	base64URLPattern   = regexp.MustCompile(`^[A-Za-z0-9\-_]+={0,2}$`)
	hexPattern         = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	urlEncodingPattern = regexp.MustCompile(`(%[0-9A-Fa-f]{2}){3,}`)
)

// Screen scans untrusted text for injection phrasing and encoded
// payloads. It never blocks; callers decide what a finding means.
func Screen(content string) []Finding {
	var findings []Finding
	for _, p := range injectionPatterns {
		if m := p.pattern.FindString(content); m != "" {
			findings = append(findings, Finding{Kind: "pattern", Name: p.name, Match: m})
		}
	}
	if f, ok := DetectEncoding(content); ok {
		findings = append(findings, f)
	}
	return findings
}

// DetectEncoding reports the first URL-encoded run, or the first long
// high-entropy segment that parses as base64, base64url or hex.
func DetectEncoding(content string) (Finding, bool) {
	if m := urlEncodingPattern.FindString(content); m != "" {
		return Finding{Kind: "encoding", Name: "url", Match: m}, true
	}
	for _, seg := range encodedSegments(content, minEncodedSegment) {
		if ShannonEntropy([]byte(seg)) < EntropyThreshold {
			continue
		}
		switch {
		case len(seg)%4 == 0 && base64Pattern.MatchString(seg):
			return Finding{Kind: "encoding", Name: "base64", Match: seg}, true
		case base64URLPattern.MatchString(seg):
			return Finding{Kind: "encoding", Name: "base64url", Match: seg}, true
		case len(seg)%2 == 0 && hexPattern.MatchString(seg):
			return Finding{Kind: "encoding", Name: "hex", Match: seg}, true
		}
	}
	return Finding{}, false
}

// ShannonEntropy returns the entropy of data in bits per byte.
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	n := float64(len(data))
	var h float64
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// encodedSegments returns maximal runs of base64 alphabet bytes of at
// least minLen.
func encodedSegments(content string, minLen int) []string {
	var segs []string
	start := -1
	for i := 0; i <= len(content); i++ {
		if i < len(content) && isBase64Char(content[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start >= minLen {
			segs = append(segs, content[start:i])
		}
		start = -1
	}
	return segs
}

func isBase64Char(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '+' || c == '/' || c == '=' ||
		c == '-' || c == '_'
}
