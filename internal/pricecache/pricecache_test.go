package pricecache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetRefreshesAfterTTL(t *testing.T) {
	calls := 0
	c := New(10*time.Millisecond, func(_ context.Context, symbol string) (Quote, error) {
		calls++
		return Quote{Symbol: symbol, USDPrice: float64(calls)}, nil
	})

	q1, err := c.Get(context.Background(), "USDC")
	if err != nil || q1.USDPrice != 1 {
		t.Fatalf("first fetch: %v %+v", err, q1)
	}
	q2, _ := c.Get(context.Background(), "USDC")
	if q2.USDPrice != 1 {
		t.Fatalf("expected cached price, got %+v", q2)
	}

	time.Sleep(15 * time.Millisecond)
	q3, _ := c.Get(context.Background(), "USDC")
	if q3.USDPrice != 2 {
		t.Fatalf("expected refreshed price, got %+v", q3)
	}
}

func TestGetServesStaleOnFetchFailure(t *testing.T) {
	fail := false
	c := New(1*time.Millisecond, func(_ context.Context, symbol string) (Quote, error) {
		if fail {
			return Quote{}, errors.New("upstream down")
		}
		return Quote{Symbol: symbol, USDPrice: 1.23}, nil
	})

	if _, err := c.Get(context.Background(), "USDC"); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}

	fail = true
	time.Sleep(2 * time.Millisecond)
	q, err := c.Get(context.Background(), "USDC")
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	if q.USDPrice != 1.23 {
		t.Fatalf("expected stale price preserved, got %+v", q)
	}
}

func TestGetReturnsErrorWithNoPriorQuote(t *testing.T) {
	c := New(time.Minute, func(context.Context, string) (Quote, error) {
		return Quote{}, errors.New("upstream down")
	})
	if _, err := c.Get(context.Background(), "USDC"); err == nil {
		t.Fatal("expected error with no cached quote to fall back on")
	}
}
