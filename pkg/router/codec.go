package router

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/oklog/ulid/v2"
)

// Wire layout constants, network-order fixed header followed by payload.
// See the PLAN frame layout: magic, version, flags, timestamp, ids, names,
// pattern/priority, payload length, content-type tag, optional HMAC tag,
// then the payload bytes.
const (
	magicPLAN    = uint32(0x504C414E) // "PLAN"
	wireVersion  = uint16(0x0100)
	flagAck      = uint16(1 << 0)
	flagCritical = uint16(1 << 1)
	flagHMAC     = uint16(1 << 2)

	nameFieldLen        = 16
	contentTypeFieldLen = 32
	ulidLen             = 16
	hmacLen             = 32

	headerLenNoHMAC = 152
	headerLenHMAC   = headerLenNoHMAC

	offMagic        = 0
	offVersion      = 4
	offFlags        = 6
	offTimestamp    = 8
	offMessageID    = 16
	offCorrelation  = 32
	offSourceName   = 48
	offTargetName   = 64
	offPattern      = 80
	offPriority     = 82
	offPayloadLen   = 84
	offContentType  = 88
	offHMAC         = 120
	offPayloadNoMAC = 152
	offPayloadMAC   = 152
)

// broadcastTargetMarker fills the 16-byte target name field for
// broadcast messages, per the wire layout's 0xFF..-filled sentinel.
var broadcastTargetMarker = func() [nameFieldLen]byte {
	var b [nameFieldLen]byte
	for i := range b {
		b[i] = 0xFF
	}
	return b
}()

// EncodeFrame serializes msg into the fixed PLAN wire format. If tagFn is
// non-nil, an HMAC-SHA256 tag over header+payload is computed and the
// hmac_present flag bit is set.
func EncodeFrame(msg *types.Message, tagFn func(header, payload []byte) []byte) ([]byte, error) {
	payloadLen := len(msg.Payload)
	hasHMAC := tagFn != nil

	headerLen := headerLenNoHMAC
	if hasHMAC {
		headerLen = offPayloadMAC
	}
	frame := make([]byte, headerLen+payloadLen)

	binary.BigEndian.PutUint32(frame[offMagic:], magicPLAN)
	binary.BigEndian.PutUint16(frame[offVersion:], wireVersion)

	var flags uint16
	if msg.RequiresAck {
		flags |= flagAck
	}
	if msg.Priority == types.PriorityCritical {
		flags |= flagCritical
	}
	if hasHMAC {
		flags |= flagHMAC
	}
	binary.BigEndian.PutUint16(frame[offFlags:], flags)
	binary.BigEndian.PutUint64(frame[offTimestamp:], uint64(msg.EnqueuedAt.UnixNano()))

	if err := putULID(frame[offMessageID:], msg.ID); err != nil {
		return nil, err
	}
	if msg.CorrelationID != "" {
		if err := putULID(frame[offCorrelation:], msg.CorrelationID); err != nil {
			return nil, err
		}
	}

	putPaddedName(frame[offSourceName:], msg.SourceName)
	if msg.Pattern == types.PatternBroadcast && len(msg.TargetNames) == 0 {
		copy(frame[offTargetName:offTargetName+nameFieldLen], broadcastTargetMarker[:])
	} else if len(msg.TargetNames) > 0 {
		putPaddedName(frame[offTargetName:], msg.TargetNames[0])
	}

	binary.BigEndian.PutUint16(frame[offPattern:], uint16(msg.Pattern))
	binary.BigEndian.PutUint16(frame[offPriority:], uint16(msg.Priority))
	binary.BigEndian.PutUint32(frame[offPayloadLen:], uint32(payloadLen))
	putPaddedContentType(frame[offContentType:], msg.ContentType)

	payloadOffset := offPayloadNoMAC
	if hasHMAC {
		payloadOffset = offPayloadMAC
	}
	copy(frame[payloadOffset:], msg.Payload)

	if hasHMAC {
		tag := tagFn(frame[:offHMAC], msg.Payload)
		copy(frame[offHMAC:offPayloadMAC], tag)
	}

	return frame, nil
}

// DecodeFrame parses a wire frame back into a Message, rejecting frames
// with a bad magic, unsupported version, or truncated length. verifyFn,
// if non-nil, is called when the hmac_present flag is set and must
// return ErrHMACFailure on mismatch.
func DecodeFrame(frame []byte, verifyFn func(header, payload, tag []byte) error) (*types.Message, error) {
	if len(frame) < headerLenNoHMAC {
		return nil, fmt.Errorf("frame shorter than minimum header: %w", coreerr.ErrMalformedMessage)
	}
	if binary.BigEndian.Uint32(frame[offMagic:]) != magicPLAN {
		return nil, fmt.Errorf("bad magic: %w", coreerr.ErrMalformedMessage)
	}
	if binary.BigEndian.Uint16(frame[offVersion:]) != wireVersion {
		return nil, fmt.Errorf("unsupported wire version: %w", coreerr.ErrVersionMismatch)
	}

	flags := binary.BigEndian.Uint16(frame[offFlags:])
	hasHMAC := flags&flagHMAC != 0

	payloadOffset := offPayloadNoMAC
	if hasHMAC {
		payloadOffset = offPayloadMAC
	}
	if len(frame) < payloadOffset {
		return nil, fmt.Errorf("frame truncated before payload: %w", coreerr.ErrMalformedMessage)
	}

	payloadLen := int(binary.BigEndian.Uint32(frame[offPayloadLen:]))
	if len(frame) != payloadOffset+payloadLen {
		return nil, fmt.Errorf("payload length mismatch: %w", coreerr.ErrMalformedMessage)
	}

	if hasHMAC && verifyFn != nil {
		tag := frame[offHMAC:offPayloadMAC]
		if err := verifyFn(frame[:offHMAC], frame[payloadOffset:], tag); err != nil {
			return nil, err
		}
	}

	pattern := types.Pattern(binary.BigEndian.Uint16(frame[offPattern:]))
	priority := types.Priority(binary.BigEndian.Uint16(frame[offPriority:]))

	msg := &types.Message{
		ID:            getULID(frame[offMessageID:]),
		CorrelationID: getULID(frame[offCorrelation:]),
		SourceName:    getPaddedName(frame[offSourceName:]),
		Pattern:       pattern,
		Priority:      priority,
		RequiresAck:   flags&flagAck != 0,
		ContentType:   getPaddedContentType(frame[offContentType:]),
		Payload:       append([]byte{}, frame[payloadOffset:]...),
		EnqueuedAt:    time.Unix(0, int64(binary.BigEndian.Uint64(frame[offTimestamp:]))),
	}

	target := frame[offTargetName : offTargetName+nameFieldLen]
	if isBroadcastMarker(target) {
		msg.Pattern = types.PatternBroadcast
	} else if name := getPaddedName(target); name != "" {
		msg.TargetNames = []string{name}
	}

	return msg, nil
}

func putULID(dst []byte, id string) error {
	if id == "" {
		return nil
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid ULID %q: %w", id, coreerr.ErrMalformedMessage)
	}
	copy(dst[:ulidLen], parsed[:])
	return nil
}

func getULID(src []byte) string {
	var id ulid.ULID
	copy(id[:], src[:ulidLen])
	if id.Compare(ulid.ULID{}) == 0 {
		return ""
	}
	return id.String()
}

func putPaddedName(dst []byte, name string) {
	n := copy(dst[:nameFieldLen], name)
	for i := n; i < nameFieldLen; i++ {
		dst[i] = 0
	}
}

func getPaddedName(src []byte) string {
	end := 0
	for end < nameFieldLen && src[end] != 0 {
		end++
	}
	return string(src[:end])
}

func putPaddedContentType(dst []byte, contentType string) {
	n := copy(dst[:contentTypeFieldLen], contentType)
	for i := n; i < contentTypeFieldLen; i++ {
		dst[i] = 0
	}
}

func getPaddedContentType(src []byte) string {
	end := 0
	for end < contentTypeFieldLen && src[end] != 0 {
		end++
	}
	return string(src[:end])
}

func isBroadcastMarker(target []byte) bool {
	for _, b := range target {
		if b != 0xFF {
			return false
		}
	}
	return true
}
