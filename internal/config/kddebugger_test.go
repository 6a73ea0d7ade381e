package config

import "testing"

func TestFieldOffsetLookup(t *testing.T) {
	off, ok := FieldOffset("PsActiveProcessHead")
	if !ok {
		t.Fatal("expected PsActiveProcessHead to be a known field")
	}
	if off != OffsetPsActiveProcessHead {
		t.Errorf("offset = 0x%x, want 0x%x", off, OffsetPsActiveProcessHead)
	}

	if _, ok := FieldOffset("NotARealField"); ok {
		t.Fatal("expected unknown field to report !ok")
	}
}

func TestReadUint64Field(t *testing.T) {
	block := make([]byte, 0x60)
	block[OffsetKernBase] = 0x78
	block[OffsetKernBase+1] = 0x56
	block[OffsetKernBase+2] = 0x34
	block[OffsetKernBase+3] = 0x12

	v, ok := ReadUint64Field(block, OffsetKernBase)
	if !ok {
		t.Fatal("expected a successful read")
	}
	if v != 0x12345678 {
		t.Errorf("value = 0x%x, want 0x12345678", v)
	}
}

func TestReadUint64FieldShortBlock(t *testing.T) {
	block := make([]byte, 4)
	if _, ok := ReadUint64Field(block, OffsetKernBase); ok {
		t.Fatal("expected a short block to report !ok")
	}
}

func TestReadUint16Field(t *testing.T) {
	block := make([]byte, 0x20)
	block[OffsetHeaderSize] = 0xF8
	block[OffsetHeaderSize+1] = 0x00

	v, ok := ReadUint16Field(block, OffsetHeaderSize)
	if !ok {
		t.Fatal("expected a successful read")
	}
	if v != 0x00F8 {
		t.Errorf("value = 0x%x, want 0xF8", v)
	}
}
