package psrp

import (
	"encoding/binary"
	"fmt"
)

const fragmentHeaderLen = 8 + 8 + 1 + 4

const (
	flagStart = 1 << 0
	flagEnd   = 1 << 1
)

// Fragment is one piece of a fragmented PSRP message: a 21-byte header
// (object id, fragment id, start/end flags, blob length) followed by blob
// bytes.
type Fragment struct {
	ObjectID   uint64
	FragmentID uint64
	Start      bool
	End        bool
	Blob       []byte
}

// EncodeFragment renders f as its wire form. len(result) == 21 +
// len(f.Blob).
func EncodeFragment(f Fragment) []byte {
	out := make([]byte, fragmentHeaderLen+len(f.Blob))
	binary.BigEndian.PutUint64(out[0:8], f.ObjectID)
	binary.BigEndian.PutUint64(out[8:16], f.FragmentID)

	var flags byte
	if f.Start {
		flags |= flagStart
	}
	if f.End {
		flags |= flagEnd
	}
	out[16] = flags

	binary.BigEndian.PutUint32(out[17:21], uint32(len(f.Blob)))
	copy(out[fragmentHeaderLen:], f.Blob)
	return out
}

// DecodeFragment parses a single fragment from the head of data and
// returns it along with the number of bytes consumed, so callers can walk
// several fragments packed back-to-back in one WS-Man payload.
func DecodeFragment(data []byte) (Fragment, int, error) {
	if len(data) < fragmentHeaderLen {
		return Fragment{}, 0, protoErrf("fragment header", fmt.Sprintf("need %d bytes, got %d", fragmentHeaderLen, len(data)))
	}

	blobLen := binary.BigEndian.Uint32(data[17:21])
	total := fragmentHeaderLen + int(blobLen)
	if len(data) < total {
		return Fragment{}, 0, protoErrf("fragment blob", fmt.Sprintf("need %d bytes, got %d", total, len(data)))
	}

	flags := data[16]
	f := Fragment{
		ObjectID:   binary.BigEndian.Uint64(data[0:8]),
		FragmentID: binary.BigEndian.Uint64(data[8:16]),
		Start:      flags&flagStart != 0,
		End:        flags&flagEnd != 0,
		Blob:       append([]byte(nil), data[fragmentHeaderLen:total]...),
	}
	return f, total, nil
}

// DecodeFragments parses every fragment packed into data, in order,
// failing if trailing bytes don't form a complete fragment.
func DecodeFragments(data []byte) ([]Fragment, error) {
	var frags []Fragment
	for len(data) > 0 {
		f, n, err := DecodeFragment(data)
		if err != nil {
			return nil, err
		}
		frags = append(frags, f)
		data = data[n:]
	}
	return frags, nil
}

// Fragmenter splits outbound PSRP messages into fragments no larger than a
// negotiated blob size, assigning each message a fresh, session-monotonic
// object id.
type Fragmenter struct {
	maxBlob int
	ids     objectIDGenerator
}

// NewFragmenter returns a Fragmenter that packs blobs up to maxBlob bytes.
func NewFragmenter(maxBlob int) *Fragmenter {
	if maxBlob <= 0 {
		maxBlob = 32 * 1024
	}
	return &Fragmenter{maxBlob: maxBlob}
}

// Fragment splits msg into one or more fragments sharing a new object id.
// The first fragment carries Start, the last carries End; a message that
// fits in a single blob carries both on the same fragment. An empty msg
// still produces exactly one (empty-blob) fragment, carrying both flags.
func (fr *Fragmenter) Fragment(msg []byte) []Fragment {
	objectID := fr.ids.Next()

	n := len(msg)
	count := (n + fr.maxBlob - 1) / fr.maxBlob
	if count == 0 {
		count = 1
	}

	frags := make([]Fragment, 0, count)
	for i := 0; i < count; i++ {
		start := i * fr.maxBlob
		end := start + fr.maxBlob
		if end > n {
			end = n
		}
		frags = append(frags, Fragment{
			ObjectID:   objectID,
			FragmentID: uint64(i),
			Start:      i == 0,
			End:        i == count-1,
			Blob:       msg[start:end],
		})
	}
	return frags
}

// objectState tracks one in-progress fragmented object.
type objectState struct {
	expectedNext uint64
	buf          []byte
	started      bool
	ended        bool
}

// Defragmenter reassembles fragments back into complete PSRP messages. It
// enforces the ordering and uniqueness invariants from spec.md §4.3: per
// object, fragment ids are contiguous starting at 0 with exactly one start
// and one end; object ids are strictly increasing across the session.
type Defragmenter struct {
	maxMessageSize int
	lastObjectID   *uint64
	objects        map[uint64]*objectState
}

// NewDefragmenter returns a Defragmenter that rejects any reassembled
// message larger than maxMessageSize bytes (0 means unbounded).
func NewDefragmenter(maxMessageSize int) *Defragmenter {
	return &Defragmenter{
		maxMessageSize: maxMessageSize,
		objects:        make(map[uint64]*objectState),
	}
}

// Feed processes one fragment. It returns a complete message's bytes (and
// true) once the fragment carrying End is seen for its object; otherwise
// it returns (nil, false, nil).
func (d *Defragmenter) Feed(f Fragment) ([]byte, bool, error) {
	st, known := d.objects[f.ObjectID]
	if !known {
		if d.lastObjectID != nil && f.ObjectID <= *d.lastObjectID {
			return nil, false, protoErrf("object id", fmt.Sprintf("object id %d is not greater than last seen %d", f.ObjectID, *d.lastObjectID))
		}
		if !f.Start {
			return nil, false, protoErrf("fragment id", fmt.Sprintf("object %d: first fragment seen (id %d) did not carry start", f.ObjectID, f.FragmentID))
		}
		st = &objectState{}
		d.objects[f.ObjectID] = st
	}

	if st.ended {
		return nil, false, protoErrf("fragment id", fmt.Sprintf("object %d: fragment %d received after end", f.ObjectID, f.FragmentID))
	}

	if f.FragmentID != st.expectedNext {
		return nil, false, &ProtocolError{Path: "fragment id", Reason: fmt.Sprintf("object %d: out of order, expected %d got %d", f.ObjectID, st.expectedNext, f.FragmentID)}
	}

	if f.Start && st.started {
		return nil, false, protoErrf("fragment flags", fmt.Sprintf("object %d: duplicate start", f.ObjectID))
	}
	if f.Start {
		st.started = true
	}

	st.buf = append(st.buf, f.Blob...)
	st.expectedNext++

	if d.maxMessageSize > 0 && len(st.buf) > d.maxMessageSize {
		delete(d.objects, f.ObjectID)
		return nil, false, protoErrf("message size", fmt.Sprintf("object %d: exceeds %d bytes", f.ObjectID, d.maxMessageSize))
	}

	if !f.End {
		return nil, false, nil
	}

	if st.ended {
		return nil, false, protoErrf("fragment flags", fmt.Sprintf("object %d: duplicate end", f.ObjectID))
	}
	st.ended = true

	result := st.buf
	delete(d.objects, f.ObjectID)
	objectID := f.ObjectID
	d.lastObjectID = &objectID

	return result, true, nil
}
