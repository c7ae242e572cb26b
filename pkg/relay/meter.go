package relay

import (
	"context"
	"time"

	"github.com/voicebridge/voicebridge/pkg/protocol"
)

// Entitlement is the quota and pricing snapshot fetched once per session
// from the verification service. It is never refreshed mid-session.
type Entitlement struct {
	// Used is the monetary usage already consumed before this session.
	Used float64

	// Limit is the hard monetary quota for the account.
	Limit float64

	// ResetAt is when the quota window resets.
	ResetAt time.Time

	// InputTokenRate is the cost per input token.
	InputTokenRate float64

	// OutputTokenRate is the cost per output token.
	OutputTokenRate float64
}

// Accounting receives end-of-session usage deltas.
type Accounting interface {
	// Flush reports token usage for the session identified by token.
	Flush(ctx context.Context, token string, inputTokens, outputTokens int64) error
}

// Meter accumulates token usage for one session and derives cost from the
// entitlement's per-token rates. Cost is always recomputed from the
// running token totals, so the two cannot drift apart. Like the buffer,
// it is owned by a single session and needs no locking.
type Meter struct {
	ent Entitlement

	totalTokens  int64
	inputTokens  int64
	outputTokens int64

	inputCost  float64
	outputCost float64
}

// NewMeter creates a meter priced by the given entitlement snapshot.
func NewMeter(ent Entitlement) *Meter {
	return &Meter{ent: ent}
}

// Record adds a usage delta to the running totals and recomputes cost.
func (m *Meter) Record(u protocol.Usage) {
	m.totalTokens += u.TotalTokens
	m.inputTokens += u.InputTokens
	m.outputTokens += u.OutputTokens

	m.inputCost = float64(m.inputTokens) * m.ent.InputTokenRate
	m.outputCost = float64(m.outputTokens) * m.ent.OutputTokenRate
}

// OverQuota reports whether accumulated cost plus the usage consumed
// before this session meets or exceeds the entitlement limit.
func (m *Meter) OverQuota() bool {
	return m.inputCost+m.outputCost+m.ent.Used >= m.ent.Limit
}

// Tokens returns the running token totals.
func (m *Meter) Tokens() (total, input, output int64) {
	return m.totalTokens, m.inputTokens, m.outputTokens
}

// Cost returns the derived input and output cost.
func (m *Meter) Cost() (input, output float64) {
	return m.inputCost, m.outputCost
}

// FlushAndReset hands the current totals to the accounting collaborator.
// Counters reset to zero only on acknowledged success; on failure they
// are left unchanged so a later flush does not under-report. Nothing is
// sent when no tokens were recorded.
func (m *Meter) FlushAndReset(ctx context.Context, token string, acct Accounting) error {
	if m.inputTokens == 0 && m.outputTokens == 0 {
		return nil
	}
	if err := acct.Flush(ctx, token, m.inputTokens, m.outputTokens); err != nil {
		return err
	}
	m.totalTokens = 0
	m.inputTokens = 0
	m.outputTokens = 0
	m.inputCost = 0
	m.outputCost = 0
	return nil
}
