package replay

import (
	"context"
	"testing"
)

func TestMemoryMarksAndReportsUsed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	used, err := m.IsUsed(ctx, "0xpayer", "1")
	if err != nil || used {
		t.Fatalf("expected unused, got used=%v err=%v", used, err)
	}

	if err := m.MarkUsed(ctx, "0xpayer", "1", "0xtoken", "tx-1"); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}

	used, err = m.IsUsed(ctx, "0xpayer", "1")
	if err != nil || !used {
		t.Fatalf("expected used after MarkUsed, got used=%v err=%v", used, err)
	}
}

func TestMemoryDistinguishesPayers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.MarkUsed(ctx, "0xpayerA", "1", "0xtoken", "tx-1")

	used, _ := m.IsUsed(ctx, "0xpayerB", "1")
	if used {
		t.Fatal("nonce reuse across distinct payers must not collide")
	}
}
