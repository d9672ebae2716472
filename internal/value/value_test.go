package value

import "testing"

// TestFixnumRoundTrip 测试 fixnum 编解码
func TestFixnumRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 3, 42, -4096, FixnumMax, FixnumMin} {
		v := Fixnum(n)
		if !v.FixnumP() {
			t.Errorf("Fixnum(%d) = %#x is not a fixnum", n, uint64(v))
		}
		if got := v.AsFixnum(); got != n {
			t.Errorf("Fixnum(%d).AsFixnum() = %d", n, got)
		}
	}
}

// TestSpecialConstants 测试特殊常量的分类
func TestSpecialConstants(t *testing.T) {
	tests := []struct {
		v       VALUE
		rtest   bool
		special bool
		heap    bool
	}{
		{Qnil, false, true, false},
		{Qfalse, false, true, false},
		{Qtrue, true, true, false},
		{Fixnum(7), true, true, false},
		{Symbol(3), true, true, false},
		{Heap(0), true, false, true},
		{Heap(41), true, false, true},
	}
	for _, tt := range tests {
		if RTEST(tt.v) != tt.rtest {
			t.Errorf("RTEST(%v) = %v, want %v", tt.v, !tt.rtest, tt.rtest)
		}
		if tt.v.SpecialConstP() != tt.special {
			t.Errorf("%v.SpecialConstP() = %v, want %v", tt.v, !tt.special, tt.special)
		}
		if tt.v.HeapP() != tt.heap {
			t.Errorf("%v.HeapP() = %v, want %v", tt.v, !tt.heap, tt.heap)
		}
	}
}

func TestHeapIndex(t *testing.T) {
	for _, i := range []int{0, 1, 2, 1000} {
		if got := Heap(i).HeapIndex(); got != i {
			t.Errorf("Heap(%d).HeapIndex() = %d", i, got)
		}
	}
}

func TestSymbolID(t *testing.T) {
	v := Symbol(17)
	if !v.SymbolP() || v.SymbolID() != 17 {
		t.Errorf("Symbol(17) decoded as %v", v)
	}
	if Fixnum(17).SymbolP() {
		t.Error("fixnum must not look like a symbol")
	}
}

func TestFixnumOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range fixnum")
		}
	}()
	Fixnum(FixnumMax + 1)
}
