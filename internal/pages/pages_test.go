package pages

import (
	"testing"

	"github.com/oriys/hvbus/internal/protocol"
)

func TestAllocZeroedAndPageSized(t *testing.T) {
	p, err := Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer p.Free()

	if len(p.Bytes()) != protocol.PageSize {
		t.Fatalf("page size = %d", len(p.Bytes()))
	}
	for i, b := range p.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d not zero after alloc", i)
		}
	}
	if p.BusAddr() == 0 {
		t.Fatal("bus address should be nonzero")
	}
	if p.BusAddr()%protocol.PageSize != 0 {
		t.Fatalf("bus address %#x not page aligned", p.BusAddr())
	}
}

func TestZeroClearsContents(t *testing.T) {
	p, err := Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer p.Free()

	b := p.Bytes()
	b[0], b[len(b)-1] = 0xff, 0xff
	p.Zero()
	if b[0] != 0 || b[len(b)-1] != 0 {
		t.Fatal("Zero left dirty bytes")
	}
}

func TestDoubleFree(t *testing.T) {
	p, err := Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p.Free(); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	if err := p.Free(); err == nil {
		t.Fatal("second Free should report an error")
	}
	if p.Bytes() != nil || p.BusAddr() != 0 {
		t.Fatal("freed page should have no contents or address")
	}
}
