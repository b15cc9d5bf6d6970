package call

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHardenSDPForcesConstantBitrate(t *testing.T) {
	hardened := HardenSDP(testSDP)

	assert.Contains(t, hardened, "a=fmtp:111 minptime=10;useinbandfec=1;cbr=1")
}

func TestHardenSDPLeavesExistingCbrAlone(t *testing.T) {
	input := "a=fmtp:111 minptime=10;cbr=1\r\n"

	assert.Equal(t, input, HardenSDP(input))
}

func TestHardenSDPStripsAudioLevelExtension(t *testing.T) {
	input := "v=0\r\n" +
		"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n" +
		"a=extmap:2 urn:ietf:params:rtp-hdrext:toffset\r\n"

	hardened := HardenSDP(input)

	assert.NotContains(t, hardened, "ssrc-audio-level")
	assert.Contains(t, hardened, "urn:ietf:params:rtp-hdrext:toffset")
}

func TestHardenSDPIsIdempotent(t *testing.T) {
	input := testSDP + "a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n"

	once := HardenSDP(input)
	twice := HardenSDP(once)

	assert.Equal(t, once, twice)
}

func TestHardenSDPIgnoresOtherPayloadTypes(t *testing.T) {
	input := "a=fmtp:96 apt=100\r\n"

	assert.Equal(t, input, HardenSDP(input))
}

func TestHardenSDPPreservesLineEndings(t *testing.T) {
	crlf := HardenSDP("a=fmtp:111 minptime=10\r\nv=0\r\n")
	lf := HardenSDP("a=fmtp:111 minptime=10\nv=0\n")

	assert.True(t, strings.Contains(crlf, "cbr=1\r\n"))
	assert.True(t, strings.Contains(lf, "cbr=1\n"))
	assert.False(t, strings.Contains(lf, "\r"))
}

func TestValidateSessionDescription(t *testing.T) {
	tests := []struct {
		name    string
		desc    SessionDescription
		wantErr bool
	}{
		{
			name: "valid offer",
			desc: SessionDescription{Type: "offer", SDP: testSDP},
		},
		{
			name: "valid answer",
			desc: SessionDescription{Type: "answer", SDP: testSDP},
		},
		{
			name:    "unexpected type",
			desc:    SessionDescription{Type: "pranswer", SDP: testSDP},
			wantErr: true,
		},
		{
			name:    "unparseable sdp",
			desc:    SessionDescription{Type: "offer", SDP: "not an sdp"},
			wantErr: true,
		},
		{
			name:    "no media sections",
			desc:    SessionDescription{Type: "offer", SDP: "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionDescription(tt.desc)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
