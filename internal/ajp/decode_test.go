package ajp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ajperr "ajpd/internal/errors"
)

func TestDecode_First(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    Kind
		wantErr error
	}{
		{"ping", []byte{byte(KindPing)}, KindPing, nil},
		{"cping", []byte{byte(KindCPing)}, KindCPing, nil},
		{"shutdown", []byte{byte(KindShutdown)}, KindShutdown, nil},
		{"empty", []byte{}, 0, ajperr.ErrTypeNotANumber},
		{"outbound kind", []byte{byte(KindSendHeaders)}, 0, ajperr.ErrUnknownPackageType},
		{"unknown", []byte{0x63}, 0, ajperr.ErrUnknownPackageType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.payload, true)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Kind)
			assert.Nil(t, p.Forward)
		})
	}
}

func TestDecode_ForwardRequest(t *testing.T) {
	pkt := forwardPacket(t, &ForwardRequest{Method: "GET", RequestURI: "/status", ContentLength: -1})
	p, err := Decode(pkt[HeaderSize:], true)
	require.NoError(t, err)
	assert.Equal(t, KindForwardRequest, p.Kind)
	assert.Equal(t, len(pkt)-HeaderSize, p.Length)
	require.NotNil(t, p.Forward)
	assert.Equal(t, "/status", p.Forward.RequestURI)
}

func TestDecode_BodyChunk(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    []byte
		wantErr error
	}{
		{"data", []byte{0x00, 0x03, 'x', 'y', 'z'}, []byte("xyz"), nil},
		{"empty payload", []byte{}, nil, nil},
		{"zero length", []byte{0x00, 0x00}, []byte{}, nil},
		{"one byte", []byte{0x00}, nil, ajperr.ErrLengthNotANumber},
		{"length exceeds payload", []byte{0x00, 0x09, 'x'}, nil, ajperr.ErrMissingPayload},
		{"trailing bytes", []byte{0x00, 0x02, 'a', 'b', 'c', 'd'}, nil, ajperr.ErrMissingPayload},
		{"zero length with trailing bytes", []byte{0x00, 0x00, 'x'}, nil, ajperr.ErrMissingPayload},
		// A body chunk whose first byte looks like a type code is still
		// a body chunk.
		{"looks like ping", []byte{0x00, 0x01, byte(KindPing)}, []byte{byte(KindPing)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.payload, false)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, KindBodyChunk, p.Kind)
			assert.Equal(t, len(tt.want), len(p.Body))
			if len(tt.want) > 0 {
				assert.Equal(t, tt.want, p.Body)
			}
		})
	}
}

func TestAppendBodyChunk(t *testing.T) {
	b, err := AppendBodyChunk(nil, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0x00, 0x04, 0x00, 0x02, 'h', 'i'}, b)

	b, err = AppendBodyChunk(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0x00, 0x00}, b)

	_, err = AppendBodyChunk(nil, make([]byte, MaxBodyRequest+1))
	assert.Error(t, err)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "forward request", KindForwardRequest.String())
	assert.Equal(t, "body chunk", KindBodyChunk.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
	assert.True(t, KindCPing.Inbound())
	assert.False(t, KindCPong.Inbound())
}
