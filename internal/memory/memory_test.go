package memory

import (
	"os"
	"testing"
)

// withBackingFile points memScheme at a temp file so Physmap can be
// exercised without a real memory scheme.
func withBackingFile(t *testing.T, size int) (path string, restore func()) {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "physmem")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	prev := memScheme
	memScheme = func(MemType) string { return f.Name() }

	return f.Name(), func() { memScheme = prev }
}

func TestPhysmapRejectsZeroBase(t *testing.T) {
	if _, err := Physmap(0, 4096, RW, Writeback); err != ErrInvalidArg {
		t.Fatalf("got %v, want ErrInvalidArg", err)
	}
}

func TestPhysmapRejectsNoProt(t *testing.T) {
	if _, err := Physmap(0x1000, 4096, Prot{}, Writeback); err != ErrInvalidArg {
		t.Fatalf("got %v, want ErrInvalidArg", err)
	}
}

func TestPhysmapRoundsLenToPage(t *testing.T) {
	_, restore := withBackingFile(t, 3*pageSize)
	defer restore()

	m, err := Physmap(pageSize, pageSize+1, RW, Writeback)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if m.Len()%pageSize != 0 {
		t.Fatalf("Len() = %d, not a page multiple", m.Len())
	}
	if m.Len() != 2*pageSize {
		t.Fatalf("Len() = %d, want %d", m.Len(), 2*pageSize)
	}
}

func TestDmaRoundTrip(t *testing.T) {
	_, restore := withBackingFile(t, 2*pageSize)
	defer restore()

	m, err := Physmap(pageSize, pageSize, RW, Writeback)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	pool := NewPool(m)

	type hdr struct {
		A uint32
		B uint32
	}

	d, err := ZeroedDma[hdr](pool)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Release()

	v := d.Value()
	if v.A != 0 || v.B != 0 {
		t.Fatalf("zeroed buffer not zero: %+v", v)
	}

	v.A = 0xA5A5A5A5
	if d.Value().A != 0xA5A5A5A5 {
		t.Fatal("write through Value() did not persist")
	}

	if d.PhysAddr()%pageSize != 0 {
		t.Fatalf("PhysAddr() = %#x, not page-aligned", d.PhysAddr())
	}
}

func TestDmaAllocAfterFreeReusesSpace(t *testing.T) {
	_, restore := withBackingFile(t, 2*pageSize)
	defer restore()

	m, err := Physmap(pageSize, pageSize, RW, Writeback)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	pool := NewPool(m)

	d1, err := ZeroedDmaSlice[byte](pool, pageSize)
	if err != nil {
		t.Fatal(err)
	}
	d1.Release()

	d2, err := ZeroedDmaSlice[byte](pool, pageSize)
	if err != nil {
		t.Fatalf("expected reuse of freed space, got: %v", err)
	}
	d2.Release()
}

func TestDmaOutOfSpace(t *testing.T) {
	_, restore := withBackingFile(t, 2*pageSize)
	defer restore()

	m, err := Physmap(pageSize, pageSize, RW, Writeback)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	pool := NewPool(m)

	if _, err := ZeroedDmaSlice[byte](pool, pageSize+1); err == nil {
		t.Fatal("expected out-of-space error")
	}
}

func TestSglSingleChunk(t *testing.T) {
	_, restore := withBackingFile(t, 2*pageSize)
	defer restore()

	m, err := Physmap(pageSize, pageSize, RW, Writeback)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	pool := NewPool(m)

	sgl, err := NewSgl(pool, 256)
	if err != nil {
		t.Fatal(err)
	}
	defer sgl.Release()

	chunks := sgl.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Len != 256 {
		t.Fatalf("chunk len = %d, want 256", chunks[0].Len)
	}
}

func TestCell32ReadWrite(t *testing.T) {
	space := make([]byte, 16)
	c := NewCell32(space, 4)

	c.Write(0x11223344)
	if got := c.Read(); got != 0x11223344 {
		t.Fatalf("got %#x, want %#x", got, 0x11223344)
	}

	c.Writef(0xff, true)
	if !c.Readf(0xff) {
		t.Fatal("Readf should observe set bits")
	}

	c.Writef(0xff, false)
	if c.Readf(0xff) {
		t.Fatal("Readf should observe cleared bits")
	}
}

func TestCell16Widening(t *testing.T) {
	space := make([]byte, 8)
	lo := NewCell16(space, 0)
	hi := NewCell16(space, 2)

	lo.Write(0xBEEF)
	hi.Write(0xCAFE)

	if lo.Read() != 0xBEEF {
		t.Fatalf("lo = %#x, want 0xBEEF", lo.Read())
	}
	if hi.Read() != 0xCAFE {
		t.Fatalf("hi = %#x, want 0xCAFE", hi.Read())
	}
}
