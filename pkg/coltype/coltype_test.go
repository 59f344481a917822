package coltype

import "testing"

func TestSimpleRoundTrip(t *testing.T) {
	typ := NewSimple(Int, false, 0)
	b, err := typ.ToBytes(int32(42))
	if err != nil {
		t.Fatal(err)
	}
	v, err := typ.FromBytes(b, 0, len(b))
	if err != nil {
		t.Fatal(err)
	}
	if v.(int32) != 42 {
		t.Errorf("got %v, want 42", v)
	}
}

func TestStringOutrowScheme(t *testing.T) {
	typ := NewSimple(String, true, 64)
	if typ.Scheme() != Outrow {
		t.Error("variable-length String column must be Outrow")
	}
	if !typ.IsCompatible(nil) {
		t.Error("nullable String column should accept nil")
	}
	if !typ.IsCompatible("hi") {
		t.Error("String column should accept a string within max size")
	}
	if typ.IsCompatible(42) {
		t.Error("String column should reject a non-string value")
	}
}

func TestReferenceRoundTrip(t *testing.T) {
	r := NewRef(7)
	b, err := EncodeRef(r, 2)
	if err != nil {
		t.Fatal(err)
	}
	got := DecodeRef(b)
	if got.Index() != 7 {
		t.Errorf("got index %d, want 7", got.Index())
	}
}

func TestReferenceOverflow(t *testing.T) {
	r := NewRef(256)
	if _, err := EncodeRef(r, 1); err == nil {
		t.Error("expected MaximumExceeded encoding row index 256 into 1 byte")
	}
}

func TestNullRef(t *testing.T) {
	if !NullRef.IsNull() {
		t.Error("NullRef.IsNull() should be true")
	}
	b, _ := EncodeRef(NullRef, 2)
	for _, c := range b {
		if c != 0 {
			t.Error("encoded NullRef should be all zero bytes")
		}
	}
}

func TestArrayOfSimpleAllNull(t *testing.T) {
	elem := NewSimple(Int, true, 0)
	arrType := NewArrayOfSimple(elem, true, 4)
	vals := []interface{}{nil, nil, nil, nil}
	b, err := EncodeArray(arrType, vals, 0)
	if err != nil {
		t.Fatal(err)
	}
	// 1-byte size prefix (max 4) + ceil(4/8)=1 bitmap byte + 0 payload bytes.
	if len(b) != 2 {
		t.Errorf("all-null array of 4 ints should encode to 2 bytes, got %d", len(b))
	}
	got, err := DecodeArray(arrType, b, 0)
	if err != nil {
		t.Fatal(err)
	}
	arr := got.([]interface{})
	for i, v := range arr {
		if v != nil {
			t.Errorf("element %d: got %v, want nil", i, v)
		}
	}
}

func TestArrayOfReferenceRoundTrip(t *testing.T) {
	arrType := NewArrayOfReference("T", 8)
	vals := []Ref{NewRef(1), NullRef, NewRef(3)}
	b, err := EncodeArray(arrType, vals, 2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeArray(arrType, b, 2)
	if err != nil {
		t.Fatal(err)
	}
	arr := got.([]Ref)
	if len(arr) != 3 || arr[0].Index() != 1 || !arr[1].IsNull() || arr[2].Index() != 3 {
		t.Errorf("round trip mismatch: %+v", arr)
	}
}
