package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/voicebridge/voicebridge/pkg/protocol"
)

func TestMeterAccumulation(t *testing.T) {
	m := NewMeter(Entitlement{
		Limit:           1000,
		InputTokenRate:  0.5,
		OutputTokenRate: 2,
	})

	deltas := []protocol.Usage{
		{TotalTokens: 30, InputTokens: 20, OutputTokens: 10},
		{TotalTokens: 5, InputTokens: 1, OutputTokens: 4},
		{TotalTokens: 100, InputTokens: 60, OutputTokens: 40},
	}
	for _, d := range deltas {
		m.Record(d)
	}

	total, input, output := m.Tokens()
	if total != 135 || input != 81 || output != 54 {
		t.Errorf("Tokens = (%d, %d, %d), want (135, 81, 54)", total, input, output)
	}

	inCost, outCost := m.Cost()
	if inCost != 81*0.5 {
		t.Errorf("input cost = %v, want %v", inCost, 81*0.5)
	}
	if outCost != 54*2.0 {
		t.Errorf("output cost = %v, want %v", outCost, 54*2.0)
	}
}

func TestMeterCostIndependentOfDeltaOrder(t *testing.T) {
	deltas := []protocol.Usage{
		{TotalTokens: 10, InputTokens: 7, OutputTokens: 3},
		{TotalTokens: 50, InputTokens: 25, OutputTokens: 25},
		{TotalTokens: 2, InputTokens: 0, OutputTokens: 2},
	}

	forward := NewMeter(Entitlement{Limit: 1000, InputTokenRate: 0.1, OutputTokenRate: 0.3})
	for _, d := range deltas {
		forward.Record(d)
	}

	reverse := NewMeter(Entitlement{Limit: 1000, InputTokenRate: 0.1, OutputTokenRate: 0.3})
	for i := len(deltas) - 1; i >= 0; i-- {
		reverse.Record(deltas[i])
	}

	fIn, fOut := forward.Cost()
	rIn, rOut := reverse.Cost()
	if fIn != rIn || fOut != rOut {
		t.Errorf("cost depends on delta order: (%v, %v) vs (%v, %v)", fIn, fOut, rIn, rOut)
	}
}

func TestMeterOverQuota(t *testing.T) {
	t.Run("under limit", func(t *testing.T) {
		m := NewMeter(Entitlement{Limit: 100, InputTokenRate: 1, OutputTokenRate: 1})
		m.Record(protocol.Usage{TotalTokens: 99, InputTokens: 50, OutputTokens: 49})
		if m.OverQuota() {
			t.Error("should not be over quota at cost 99 of 100")
		}
	})

	t.Run("at limit", func(t *testing.T) {
		m := NewMeter(Entitlement{Limit: 100, InputTokenRate: 1, OutputTokenRate: 1})
		m.Record(protocol.Usage{TotalTokens: 100, InputTokens: 50, OutputTokens: 50})
		if !m.OverQuota() {
			t.Error("should be over quota when cost meets the limit")
		}
	})

	t.Run("prior usage counts", func(t *testing.T) {
		m := NewMeter(Entitlement{Used: 95, Limit: 100, InputTokenRate: 1, OutputTokenRate: 1})
		m.Record(protocol.Usage{TotalTokens: 5, InputTokens: 5})
		if !m.OverQuota() {
			t.Error("usage consumed before the session should count toward the limit")
		}
	})
}

func TestMeterFlushAndReset(t *testing.T) {
	t.Run("no tokens, no flush", func(t *testing.T) {
		m := NewMeter(Entitlement{Limit: 100})
		acct := &MockAccounting{}
		if err := m.FlushAndReset(context.Background(), "tok", acct); err != nil {
			t.Fatalf("flush failed: %v", err)
		}
		if acct.Calls() != 0 {
			t.Errorf("flush attempts = %d, want 0", acct.Calls())
		}
	})

	t.Run("success resets counters", func(t *testing.T) {
		m := NewMeter(Entitlement{Limit: 100, InputTokenRate: 1, OutputTokenRate: 1})
		m.Record(protocol.Usage{TotalTokens: 12, InputTokens: 8, OutputTokens: 4})

		acct := &MockAccounting{}
		if err := m.FlushAndReset(context.Background(), "tok", acct); err != nil {
			t.Fatalf("flush failed: %v", err)
		}
		if acct.FlushInput != 8 || acct.FlushOutput != 4 {
			t.Errorf("flushed (%d, %d), want (8, 4)", acct.FlushInput, acct.FlushOutput)
		}

		total, input, output := m.Tokens()
		if total != 0 || input != 0 || output != 0 {
			t.Errorf("Tokens after flush = (%d, %d, %d), want zeros", total, input, output)
		}
		inCost, outCost := m.Cost()
		if inCost != 0 || outCost != 0 {
			t.Errorf("Cost after flush = (%v, %v), want zeros", inCost, outCost)
		}
	})

	t.Run("failure leaves counters unchanged", func(t *testing.T) {
		m := NewMeter(Entitlement{Limit: 100, InputTokenRate: 1, OutputTokenRate: 1})
		m.Record(protocol.Usage{TotalTokens: 12, InputTokens: 8, OutputTokens: 4})

		acct := &MockAccounting{
			FlushFunc: func(ctx context.Context, token string, input, output int64) error {
				return errors.New("accounting store unreachable")
			},
		}
		if err := m.FlushAndReset(context.Background(), "tok", acct); err == nil {
			t.Fatal("expected flush error")
		}

		total, input, output := m.Tokens()
		if total != 12 || input != 8 || output != 4 {
			t.Errorf("Tokens after failed flush = (%d, %d, %d), want (12, 8, 4)", total, input, output)
		}
	})
}
