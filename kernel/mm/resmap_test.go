package mm

import "testing"

func TestResourceMapInsertAndQuery(t *testing.T) {
	var rm ResourceMap

	// Insert out of order; queries must still work via the sorted layout.
	if err := rm.Insert(100, 10, OwnerKernel); err != nil {
		t.Fatal(err)
	}
	if err := rm.Insert(10, 5, OwnerFirmware); err != nil {
		t.Fatal(err)
	}
	if err := rm.Insert(50, 1, OwnerAcpi); err != nil {
		t.Fatal(err)
	}
	rm.Seal()

	specs := []struct {
		frame    Frame
		expRsv   bool
		expOwner ResourceOwner
	}{
		{0, false, 0},
		{9, false, 0},
		{10, true, OwnerFirmware},
		{14, true, OwnerFirmware},
		{15, false, 0},
		{50, true, OwnerAcpi},
		{51, false, 0},
		{99, false, 0},
		{100, true, OwnerKernel},
		{109, true, OwnerKernel},
		{110, false, 0},
	}

	for specIndex, spec := range specs {
		rsv, owner := rm.Reserved(spec.frame)
		if rsv != spec.expRsv {
			t.Errorf("[spec %d] expected Reserved(%d) to return %t", specIndex, spec.frame, spec.expRsv)
			continue
		}
		if rsv && owner != spec.expOwner {
			t.Errorf("[spec %d] expected owner %s; got %s", specIndex, spec.expOwner, owner)
		}
	}
}

func TestResourceMapVisitOrder(t *testing.T) {
	var rm ResourceMap
	for _, f := range []Frame{30, 10, 20} {
		if err := rm.Insert(f, 1, OwnerFirmware); err != nil {
			t.Fatal(err)
		}
	}

	var got []Frame
	rm.VisitRanges(func(r *ResourceRange) bool {
		got = append(got, r.Frame)
		return true
	})

	exp := []Frame{10, 20, 30}
	if len(got) != len(exp) {
		t.Fatalf("expected %d ranges; got %d", len(exp), len(got))
	}
	for i := range exp {
		if got[i] != exp[i] {
			t.Errorf("range %d: expected frame %d; got %d", i, exp[i], got[i])
		}
	}

	if rm.RangeCount() != 3 {
		t.Errorf("expected range count 3; got %d", rm.RangeCount())
	}
}

func TestResourceMapReservedPagesIn(t *testing.T) {
	var rm ResourceMap
	rm.Insert(10, 10, OwnerFirmware) // [10,20)
	rm.Insert(30, 4, OwnerKernel)    // [30,34)

	specs := []struct {
		frame Frame
		pages uint64
		exp   uint64
	}{
		{0, 10, 0},
		{0, 15, 5},
		{10, 10, 10},
		{15, 20, 9}, // [15,20) + [30,34)
		{25, 4, 0},
		{32, 10, 2},
	}

	for specIndex, spec := range specs {
		if got := rm.ReservedPagesIn(spec.frame, spec.pages); got != spec.exp {
			t.Errorf("[spec %d] expected %d reserved pages in [%d,+%d); got %d",
				specIndex, spec.exp, spec.frame, spec.pages, got)
		}
	}
}

func TestResourceMapCapacity(t *testing.T) {
	var rm ResourceMap
	for i := 0; i < maxResourceRanges; i++ {
		if err := rm.Insert(Frame(i*10), 1, OwnerFirmware); err != nil {
			t.Fatalf("unexpected error at insert %d: %v", i, err)
		}
	}

	if err := rm.Insert(Frame(maxResourceRanges*10), 1, OwnerFirmware); err != errResourceMapFull {
		t.Fatalf("expected errResourceMapFull; got %v", err)
	}
}
