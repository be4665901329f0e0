package router

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/security"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func sampleMessage() *types.Message {
	return &types.Message{
		ID:          ulid.Make().String(),
		SourceName:  "director",
		TargetNames: []string{"worker-1"},
		Pattern:     types.PatternRequestResponse,
		Priority:    types.PriorityHigh,
		RequiresAck: true,
		ContentType: "application/json",
		Payload:     []byte(`{"task":"ping"}`),
		EnqueuedAt:  time.Unix(1_700_000_000, 0),
	}
}

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	msg := sampleMessage()

	frame, err := EncodeFrame(msg, nil)
	require.NoError(t, err)
	require.Equal(t, headerLenNoHMAC+len(msg.Payload), len(frame))

	decoded, err := DecodeFrame(frame, nil)
	require.NoError(t, err)
	require.Equal(t, msg.ID, decoded.ID)
	require.Equal(t, msg.SourceName, decoded.SourceName)
	require.Equal(t, msg.TargetNames, decoded.TargetNames)
	require.Equal(t, msg.Pattern, decoded.Pattern)
	require.Equal(t, msg.Priority, decoded.Priority)
	require.True(t, decoded.RequiresAck)
	require.Equal(t, msg.ContentType, decoded.ContentType)
	require.Equal(t, msg.Payload, decoded.Payload)
}

func TestEncodeDecodeFrameWithHMAC(t *testing.T) {
	msg := sampleMessage()
	key := security.IntegrityKey("cluster-a")

	frame, err := EncodeFrame(msg, func(header, payload []byte) []byte {
		return security.TagMessage(key, append(append([]byte{}, header...), payload...))
	})
	require.NoError(t, err)

	_, err = DecodeFrame(frame, func(header, payload, tag []byte) error {
		return security.VerifyMessageTag(key, append(append([]byte{}, header...), payload...), tag)
	})
	require.NoError(t, err)
}

func TestDecodeFrameRejectsBadMagic(t *testing.T) {
	frame, err := EncodeFrame(sampleMessage(), nil)
	require.NoError(t, err)
	frame[0] = 0x00

	_, err = DecodeFrame(frame, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrMalformedMessage))
}

func TestDecodeFrameRejectsBadVersion(t *testing.T) {
	frame, err := EncodeFrame(sampleMessage(), nil)
	require.NoError(t, err)
	frame[4] = 0x02

	_, err = DecodeFrame(frame, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrVersionMismatch))
}

func TestDecodeFrameRejectsTruncatedPayload(t *testing.T) {
	frame, err := EncodeFrame(sampleMessage(), nil)
	require.NoError(t, err)

	_, err = DecodeFrame(frame[:len(frame)-1], nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrMalformedMessage))
}

func TestEncodeFrameBroadcastMarker(t *testing.T) {
	msg := sampleMessage()
	msg.TargetNames = nil
	msg.Pattern = types.PatternBroadcast

	frame, err := EncodeFrame(msg, nil)
	require.NoError(t, err)

	decoded, err := DecodeFrame(frame, nil)
	require.NoError(t, err)
	require.Equal(t, types.PatternBroadcast, decoded.Pattern)
	require.Empty(t, decoded.TargetNames)
}
