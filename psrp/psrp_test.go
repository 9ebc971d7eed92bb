package psrp

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestMessage_EncodeDecode(t *testing.T) {
	m := Message{
		Destination: DestinationServer,
		Type:        CreatePipeline,
		RunspaceID:  uuid.New(),
		PipelineID:  uuid.New(),
		Body:        []byte("<Obj></Obj>"),
	}

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Destination != m.Destination {
		t.Errorf("Destination = %v, want %v", got.Destination, m.Destination)
	}
	if got.Type != m.Type {
		t.Errorf("Type = %v, want %v", got.Type, m.Type)
	}
	if got.RunspaceID != m.RunspaceID {
		t.Errorf("RunspaceID = %v, want %v", got.RunspaceID, m.RunspaceID)
	}
	if got.PipelineID != m.PipelineID {
		t.Errorf("PipelineID = %v, want %v", got.PipelineID, m.PipelineID)
	}
	if !bytes.Equal(got.Body, m.Body) {
		t.Errorf("Body = %q, want %q", got.Body, m.Body)
	}
	if got.Unsupported != nil {
		t.Errorf("Unsupported = %+v, want nil", got.Unsupported)
	}
}

func TestMessage_PoolScoped(t *testing.T) {
	m := Message{PipelineID: uuid.Nil}
	if !m.IsPoolScoped() {
		t.Fatal("expected pool-scoped message")
	}
	m.PipelineID = uuid.New()
	if m.IsPoolScoped() {
		t.Fatal("expected pipeline-scoped message")
	}
}

func TestMessage_UnknownType(t *testing.T) {
	m := Message{Type: MessageType(0xDEADBEEF), Body: []byte("hello")}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Unsupported == nil {
		t.Fatal("expected Unsupported to be set")
	}
	if got.Unsupported.RawType != m.Type {
		t.Errorf("RawType = %v, want %v", got.Unsupported.RawType, m.Type)
	}
	if got.Unsupported.Preview != "hello" {
		t.Errorf("Preview = %q, want %q", got.Unsupported.Preview, "hello")
	}
}

func TestFragment_HeaderEncoding(t *testing.T) {
	f := Fragment{ObjectID: 7, FragmentID: 1, Start: true, End: true, Blob: []byte("abc")}
	data := EncodeFragment(f)
	if len(data) != fragmentHeaderLen+len(f.Blob) {
		t.Fatalf("len = %d, want %d", len(data), fragmentHeaderLen+len(f.Blob))
	}
	// flags byte carries only the low two bits.
	if data[16]&^0x03 != 0 {
		t.Fatalf("flags byte = %#x, expected only low two bits set", data[16])
	}
}

func TestFragmenter_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
		f    int
	}{
		{"empty body", []byte{}, 32},
		{"exactly F bytes", bytes.Repeat([]byte{'a'}, 32), 32},
		{"F equals 1", []byte{'x', 'y', 'z'}, 1},
		{"several fragments", bytes.Repeat([]byte{'q'}, 4000), 1024},
		{"single fragment", []byte("short message"), 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := NewFragmenter(tt.f)
			frags := fr.Fragment(tt.msg)

			if len(frags) == 0 {
				t.Fatal("expected at least one fragment")
			}
			if !frags[0].Start {
				t.Error("first fragment missing Start")
			}
			if !frags[len(frags)-1].End {
				t.Error("last fragment missing End")
			}

			startCount, endCount := 0, 0
			for i, frag := range frags {
				if frag.FragmentID != uint64(i) {
					t.Errorf("fragment %d has FragmentID %d", i, frag.FragmentID)
				}
				if frag.Start {
					startCount++
				}
				if frag.End {
					endCount++
				}
			}
			if startCount != 1 {
				t.Errorf("start count = %d, want 1", startCount)
			}
			if endCount != 1 {
				t.Errorf("end count = %d, want 1", endCount)
			}

			df := NewDefragmenter(0)
			var result []byte
			var complete bool
			for _, frag := range frags {
				r, done, err := df.Feed(frag)
				if err != nil {
					t.Fatalf("Feed: %v", err)
				}
				if done {
					result = r
					complete = true
				}
			}
			if !complete {
				t.Fatal("defragmenter never completed the object")
			}
			if !bytes.Equal(result, tt.msg) {
				t.Fatalf("round-trip mismatch: got %q, want %q", result, tt.msg)
			}
		})
	}
}

func TestFragmenter_MonotonicObjectIDs(t *testing.T) {
	fr := NewFragmenter(32)
	var lastID uint64
	for i := 0; i < 5; i++ {
		frags := fr.Fragment([]byte("payload"))
		if i > 0 && frags[0].ObjectID <= lastID {
			t.Fatalf("object id %d is not greater than previous %d", frags[0].ObjectID, lastID)
		}
		lastID = frags[0].ObjectID
	}
}

func TestDefragmenter_OrderingAcrossMessages(t *testing.T) {
	fr := NewFragmenter(8)
	msgs := [][]byte{[]byte("first message"), []byte("second one"), []byte("third")}

	var allFrags []Fragment
	for _, m := range msgs {
		allFrags = append(allFrags, fr.Fragment(m)...)
	}

	df := NewDefragmenter(0)
	var got [][]byte
	for _, frag := range allFrags {
		r, done, err := df.Feed(frag)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if done {
			got = append(got, r)
		}
	}

	if len(got) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if !bytes.Equal(got[i], msgs[i]) {
			t.Errorf("message %d = %q, want %q", i, got[i], msgs[i])
		}
	}
}

func TestDefragmenter_OutOfOrder(t *testing.T) {
	df := NewDefragmenter(0)
	_, _, err := df.Feed(Fragment{ObjectID: 0, FragmentID: 1, Start: false, End: true, Blob: []byte("x")})
	if err == nil {
		t.Fatal("expected an error for a fragment that does not start at 0")
	}
}

func TestDefragmenter_DuplicateStart(t *testing.T) {
	df := NewDefragmenter(0)
	if _, _, err := df.Feed(Fragment{ObjectID: 0, FragmentID: 0, Start: true, Blob: []byte("a")}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	_, _, err := df.Feed(Fragment{ObjectID: 0, FragmentID: 1, Start: true, End: true, Blob: []byte("b")})
	if err == nil {
		t.Fatal("expected an error for a duplicate start")
	}
}

func TestDefragmenter_NonMonotonicObjectID(t *testing.T) {
	df := NewDefragmenter(0)
	if _, _, err := df.Feed(Fragment{ObjectID: 5, FragmentID: 0, Start: true, End: true, Blob: []byte("a")}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	_, _, err := df.Feed(Fragment{ObjectID: 3, FragmentID: 0, Start: true, End: true, Blob: []byte("b")})
	if err == nil {
		t.Fatal("expected an error for a non-monotonic object id")
	}
}

func TestDefragmenter_MessageTooLarge(t *testing.T) {
	df := NewDefragmenter(4)
	_, _, err := df.Feed(Fragment{ObjectID: 0, FragmentID: 0, Start: true, End: true, Blob: []byte("toolarge")})
	if err == nil {
		t.Fatal("expected a message-too-large error")
	}
}
