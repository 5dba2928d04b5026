package ravi

import (
	"regexp"
	"sort"
	"strings"
)

var (
	opusRtpmapPattern = regexp.MustCompile(`(?i)^a=rtpmap:(\d+) opus/`)
	fmtpPattern       = regexp.MustCompile(`^a=fmtp:(\d+) (.*)$`)
	stereoPattern     = regexp.MustCompile(`(^|;)stereo=\d+`)
)

// ForceOpusStereo rewrites an SDP so that every Opus payload type advertises
// stereo decode capability (fmtp stereo=1). The mixing service only sends a
// stereo downmix to clients whose answer asks for it, and the answer the
// local stack produces leaves the parameter unset.
//
// An existing stereo parameter is forced to 1, a missing parameter is
// appended to the fmtp line, and a payload type without any fmtp line gets
// one inserted directly after its rtpmap line. Running the rewrite on its
// own output is a no-op.
func ForceOpusStereo(sdp string) string {
	lines := strings.Split(sdp, "\n")

	// Payload type -> index of its rtpmap line.
	opusPayloadTypes := make(map[string]int)
	for index, line := range lines {
		match := opusRtpmapPattern.FindStringSubmatch(strings.TrimSuffix(line, "\r"))
		if match != nil {
			opusPayloadTypes[match[1]] = index
		}
	}
	if len(opusPayloadTypes) == 0 {
		return sdp
	}

	hasFmtp := make(map[string]bool)
	for index, line := range lines {
		match := fmtpPattern.FindStringSubmatch(strings.TrimSuffix(line, "\r"))
		if match == nil {
			continue
		}
		payloadType := match[1]
		if _, isOpus := opusPayloadTypes[payloadType]; !isOpus {
			continue
		}
		hasFmtp[payloadType] = true

		params := match[2]
		if stereoPattern.MatchString(params) {
			params = stereoPattern.ReplaceAllString(params, "${1}stereo=1")
		} else {
			params += ";stereo=1"
		}

		mutated := "a=fmtp:" + payloadType + " " + params
		if strings.HasSuffix(line, "\r") {
			mutated += "\r"
		}
		lines[index] = mutated
	}

	// Insert missing fmtp lines bottom-up so the recorded indices stay valid.
	type insertion struct {
		after       int
		payloadType string
	}
	var insertions []insertion
	for payloadType, rtpmapIndex := range opusPayloadTypes {
		if !hasFmtp[payloadType] {
			insertions = append(insertions, insertion{after: rtpmapIndex, payloadType: payloadType})
		}
	}
	sort.Slice(insertions, func(i, j int) bool { return insertions[i].after > insertions[j].after })

	for _, missing := range insertions {
		line := "a=fmtp:" + missing.payloadType + " stereo=1"
		if strings.HasSuffix(lines[missing.after], "\r") {
			line += "\r"
		}
		lines = append(lines[:missing.after+1], append([]string{line}, lines[missing.after+1:]...)...)
	}

	return strings.Join(lines, "\n")
}
