package shape

import "testing"

func TestBroadcastBinaryPrefersNonUnit(t *testing.T) {
	out := BroadcastBinary(Shape{"M", "1"}, Shape{"1", "N"})
	want := Shape{"M", "N"}
	if !out.Equal(want) {
		t.Fatalf("got %v want %v", out, want)
	}
}

func TestBroadcastBinaryPromotesShorterShape(t *testing.T) {
	out := BroadcastBinary(Shape{"N"}, Shape{"M", "N"})
	want := Shape{"M", "N"}
	if !out.Equal(want) {
		t.Fatalf("got %v want %v", out, want)
	}
}

func TestBroadcastBinaryPrefersLeftWhenEqual(t *testing.T) {
	out := BroadcastBinary(Shape{"M", "N"}, Shape{"M", "N"})
	if !out.Equal(Shape{"M", "N"}) {
		t.Fatalf("got %v", out)
	}
}

func TestReduceAxesPromotedAndBroadcastAxes(t *testing.T) {
	axes := ReduceAxes(Shape{"M", "N"}, Shape{"N"})
	if len(axes) != 1 || axes[0] != 0 {
		t.Fatalf("expected axis 0 reduced for rank promotion, got %v", axes)
	}
	axes = ReduceAxes(Shape{"M", "N"}, Shape{"1", "N"})
	if len(axes) != 1 || axes[0] != 0 {
		t.Fatalf("expected axis 0 reduced for unit target dim, got %v", axes)
	}
}

func TestParseDtypeAndLayout(t *testing.T) {
	if ParseDtype("f16") != F16 || ParseDtype("bogus") != DtypeUnknown {
		t.Fatal("dtype parse mismatch")
	}
	if ParseLayout("col_major") != ColMajor || ParseLayout("") != LayoutUnknown {
		t.Fatal("layout parse mismatch")
	}
}
