package errors

import (
	"fmt"
	"io"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "kind only",
			err:  &ProtocolError{Kind: ErrFraming, Seq: 1},
			want: "ajp seq=1: framing error",
		},
		{
			name: "with package and detail",
			err:  Protocol(ErrContentLengthOverrun, "body chunk", 3, fmt.Errorf("received 12 of 10")),
			want: "ajp body chunk seq=3: content length overrun: received 12 of 10",
		},
		{
			name: "detail is the kind",
			err:  Protocol(ErrMissingPayload, "forward request", 1, ErrMissingPayload),
			want: "ajp forward request seq=1: missing payload",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestProtocolError_Is(t *testing.T) {
	err := Protocol(ErrContentLengthShortfall, "body chunk", 2, io.ErrUnexpectedEOF)

	assert.True(t, Is(err, ErrContentLengthShortfall))
	assert.True(t, Is(err, io.ErrUnexpectedEOF))
	assert.False(t, Is(err, ErrContentLengthOverrun))
}

func TestProtocol_KeepsInnermost(t *testing.T) {
	inner := Protocol(ErrFraming, "", 1, nil)
	outer := Protocol(ErrStreamTerminated, "forward request", 4, pkgerrors.WithStack(inner))

	var pe *ProtocolError
	require.True(t, As(outer, &pe))
	assert.Equal(t, ErrFraming, pe.Kind)
	assert.Equal(t, 1, pe.Seq)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil, "x", 1))

	plain := fmt.Errorf("boom")
	assert.Equal(t, plain, Classify(plain, "x", 1))

	wrapped := pkgerrors.Wrapf(ErrUnknownPackageType, "header code %#04x", 0xA0FF)
	err := Classify(wrapped, "forward request", 1)

	var pe *ProtocolError
	require.True(t, As(err, &pe))
	assert.Equal(t, ErrUnknownPackageType, pe.Kind)
	assert.Equal(t, "forward request", pe.Package)
	assert.Contains(t, err.Error(), "header code 0xa0ff")
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"plain", io.EOF, nil},
		{"sentinel", ErrSuspendTimeout, ErrSuspendTimeout},
		{"wrapped", pkgerrors.Wrap(ErrLengthNotANumber, "content-length"), ErrLengthNotANumber},
		{"protocol error", &ProtocolError{Kind: ErrTypeNotANumber}, ErrTypeNotANumber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}
