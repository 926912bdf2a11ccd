package unicast

import (
	"errors"
	"fmt"
	"math"

	"github.com/multiformats/go-varint"
)

type frameKind byte

const (
	kindHello frameKind = iota + 1
	kindWelcome
	kindData
	kindInvite
)

func (k frameKind) String() string {
	switch k {
	case kindHello:
		return "hello"
	case kindWelcome:
		return "welcome"
	case kindData:
		return "data"
	case kindInvite:
		return "invite"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

var ErrMalformedFrame = errors.New("malformed frame")

// frame is one transport message. Which fields are meaningful depends on
// kind:
//
//	hello    id = sender node id
//	welcome  id = identity assigned to the receiver, peer = sender identity
//	data     payload
//	invite   channel, addr = publish endpoint
type frame struct {
	kind    frameKind
	id      int32
	peer    int32
	channel int32
	addr    string
	payload []byte
}

func (f frame) encode() []byte {
	switch f.kind {
	case kindHello:
		return appendID([]byte{byte(kindHello)}, f.id)
	case kindWelcome:
		return appendID(appendID([]byte{byte(kindWelcome)}, f.id), f.peer)
	case kindData:
		buf := make([]byte, 0, 1+len(f.payload))
		buf = append(buf, byte(kindData))
		return append(buf, f.payload...)
	case kindInvite:
		buf := appendID([]byte{byte(kindInvite)}, f.channel)
		buf = append(buf, varint.ToUvarint(uint64(len(f.addr)))...)
		return append(buf, f.addr...)
	default:
		return []byte{byte(f.kind)}
	}
}

func decodeFrame(b []byte) (frame, error) {
	if len(b) == 0 {
		return frame{}, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}
	f := frame{kind: frameKind(b[0])}
	rest := b[1:]
	var err error
	switch f.kind {
	case kindHello:
		f.id, rest, err = readID(rest)
	case kindWelcome:
		f.id, rest, err = readID(rest)
		if err == nil {
			f.peer, rest, err = readID(rest)
		}
	case kindData:
		f.payload = rest
		rest = nil
	case kindInvite:
		f.channel, rest, err = readID(rest)
		if err == nil {
			var n uint64
			var read int
			n, read, err = varint.FromUvarint(rest)
			if err == nil {
				rest = rest[read:]
				if n != uint64(len(rest)) {
					err = fmt.Errorf("address length %d, %d bytes left", n, len(rest))
				} else {
					f.addr = string(rest)
					rest = nil
				}
			}
		}
	default:
		return frame{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, b[0])
	}
	if err != nil {
		return frame{}, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, f.kind, err)
	}
	if len(rest) != 0 {
		return frame{}, fmt.Errorf("%w: %s: %d trailing bytes", ErrMalformedFrame, f.kind, len(rest))
	}
	return f, nil
}

// Identities travel as the unsigned 32-bit pattern of the int32.
func appendID(buf []byte, id int32) []byte {
	return append(buf, varint.ToUvarint(uint64(uint32(id)))...)
}

func readID(b []byte) (int32, []byte, error) {
	v, n, err := varint.FromUvarint(b)
	if err != nil {
		return 0, nil, err
	}
	if v > math.MaxUint32 {
		return 0, nil, fmt.Errorf("identity %d overflows 32 bits", v)
	}
	return int32(uint32(v)), b[n:], nil
}
