package ravi

import (
	"strings"
	"testing"
)

// TestForceOpusStereo covers the fmtp rewrite across the shapes an answer
// SDP can take: parameter present, absent, already set, forced off, and
// multiple Opus payload types.
func TestForceOpusStereo(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "appends stereo to an existing fmtp line",
			in: "m=audio 9 UDP/TLS/RTP/SAVPF 111 0\r\n" +
				"a=rtpmap:111 opus/48000/2\r\n" +
				"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
				"a=rtpmap:0 PCMU/8000\r\n",
			want: "m=audio 9 UDP/TLS/RTP/SAVPF 111 0\r\n" +
				"a=rtpmap:111 opus/48000/2\r\n" +
				"a=fmtp:111 minptime=10;useinbandfec=1;stereo=1\r\n" +
				"a=rtpmap:0 PCMU/8000\r\n",
		},
		{
			name: "forces stereo=0 to stereo=1",
			in: "a=rtpmap:111 opus/48000/2\r\n" +
				"a=fmtp:111 stereo=0;useinbandfec=1\r\n",
			want: "a=rtpmap:111 opus/48000/2\r\n" +
				"a=fmtp:111 stereo=1;useinbandfec=1\r\n",
		},
		{
			name: "inserts an fmtp line when none exists",
			in: "a=rtpmap:111 opus/48000/2\r\n" +
				"a=ptime:20\r\n",
			want: "a=rtpmap:111 opus/48000/2\r\n" +
				"a=fmtp:111 stereo=1\r\n" +
				"a=ptime:20\r\n",
		},
		{
			name: "rewrites every opus payload type",
			in: "a=rtpmap:111 opus/48000/2\r\n" +
				"a=fmtp:111 minptime=10\r\n" +
				"a=rtpmap:102 opus/48000/2\r\n",
			want: "a=rtpmap:111 opus/48000/2\r\n" +
				"a=fmtp:111 minptime=10;stereo=1\r\n" +
				"a=rtpmap:102 opus/48000/2\r\n" +
				"a=fmtp:102 stereo=1\r\n",
		},
		{
			name: "leaves fmtp lines of other codecs alone",
			in: "a=rtpmap:111 opus/48000/2\r\n" +
				"a=fmtp:111 minptime=10\r\n" +
				"a=rtpmap:63 red/48000/2\r\n" +
				"a=fmtp:63 111/111\r\n",
			want: "a=rtpmap:111 opus/48000/2\r\n" +
				"a=fmtp:111 minptime=10;stereo=1\r\n" +
				"a=rtpmap:63 red/48000/2\r\n" +
				"a=fmtp:63 111/111\r\n",
		},
		{
			name: "does not confuse sprop-stereo with stereo",
			in: "a=rtpmap:111 opus/48000/2\r\n" +
				"a=fmtp:111 sprop-stereo=1;minptime=10\r\n",
			want: "a=rtpmap:111 opus/48000/2\r\n" +
				"a=fmtp:111 sprop-stereo=1;minptime=10;stereo=1\r\n",
		},
		{
			name: "no opus payload means no change",
			in: "a=rtpmap:0 PCMU/8000\r\n" +
				"a=rtpmap:8 PCMA/8000\r\n",
			want: "a=rtpmap:0 PCMU/8000\r\n" +
				"a=rtpmap:8 PCMA/8000\r\n",
		},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			got := ForceOpusStereo(testCase.in)
			if got != testCase.want {
				t.Errorf("rewrite produced:\n%q\nwant:\n%q", got, testCase.want)
			}

			// Running the rewrite on its own output must change nothing.
			if again := ForceOpusStereo(got); again != got {
				t.Errorf("rewrite is not idempotent:\n%q\nbecame:\n%q", got, again)
			}
		})
	}
}

// TestForceOpusStereo_PreservesLineEndings checks that SDPs without carriage
// returns (as some stacks emit) keep their style.
func TestForceOpusStereo_PreservesLineEndings(t *testing.T) {
	in := "a=rtpmap:111 opus/48000/2\na=fmtp:111 minptime=10\n"
	got := ForceOpusStereo(in)
	if strings.Contains(got, "\r") {
		t.Errorf("rewrite introduced carriage returns: %q", got)
	}
	if got != "a=rtpmap:111 opus/48000/2\na=fmtp:111 minptime=10;stereo=1\n" {
		t.Errorf("rewrite produced %q", got)
	}
}
