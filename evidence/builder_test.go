package evidence

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargeflow/dispute"
)

type fakeOrders struct {
	order    Order
	failures int32
	calls    int32
	err      error
	block    bool
}

func (f *fakeOrders) Order(ctx context.Context, _, _ string) (Order, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.block {
		<-ctx.Done()
		return Order{}, ctx.Err()
	}
	if f.err != nil {
		return Order{}, f.err
	}
	if n <= f.failures {
		return Order{}, errors.New("connection reset")
	}
	return f.order, nil
}

type fakeComms struct {
	messages []Message
}

func (f *fakeComms) Messages(context.Context, string, string, string) ([]Message, error) {
	return f.messages, nil
}

type fakeNarrator struct {
	err   error
	facts Facts
}

func (f *fakeNarrator) Draft(_ context.Context, facts Facts) (string, error) {
	f.facts = facts
	if f.err != nil {
		return "", f.err
	}
	return "The order was delivered and signed for.", nil
}

type fakeArchive struct{}

func (fakeArchive) Put(_ context.Context, p Pack) (string, error) {
	return "s3://packs/" + ObjectKey(p), nil
}

var testCfg = Config{CallTimeout: 50 * time.Millisecond, Retries: 3, InitialBackoff: time.Millisecond}

func fullOrder() Order {
	delivered := time.Date(2025, 1, 3, 10, 0, 0, 0, time.UTC)
	return Order{
		OrderID: "O-1", Carrier: "UPS", TrackingRef: "1Z999", ProofOfDeliveryRef: "pod-1",
		DeliveredAt: &delivered, ProductDescription: "Blue ceramic mug", Documents: []string{"invoice-1.pdf"},
	}
}

func testDispute(deadline *time.Time) dispute.Dispute {
	return dispute.Dispute{
		ID: "d1", TenantID: "T1", OrderID: "O-1", AmountMinor: 4200, Currency: "USD",
		Reason: "product_not_received", EvidenceDeadline: deadline,
	}
}

func startPack(t *testing.T, b *Builder, d dispute.Dispute) Pack {
	t.Helper()
	p, err := b.Start(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, StatusBuilding, p.Status)
	return p
}

func TestBuild_ReadyWithAllFacts(t *testing.T) {
	narrator := &fakeNarrator{}
	comms := &fakeComms{messages: []Message{
		{At: time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC), Channel: "email", Author: "customer", Body: "Where is my   order?"},
		{At: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), Channel: "email", Author: "support", Body: "Shipped today."},
	}}
	b := NewBuilder(NewMemoryStore(), &fakeOrders{order: fullOrder()}, comms, narrator, fakeArchive{}, testCfg, nil)
	d := testDispute(nil)

	out, err := b.Build(context.Background(), d, startPack(t, b, d))
	require.NoError(t, err)
	assert.Equal(t, ResultReady, out.Result)
	assert.Equal(t, StatusReady, out.Pack.Status)
	assert.InDelta(t, 1.0, out.Pack.WinProbability, 1e-9)
	assert.NotEmpty(t, out.Pack.Narrative)
	require.Len(t, out.Pack.Communications, 2)
	assert.Equal(t, "Shipped today.", out.Pack.Communications[0].Excerpt)
	assert.Equal(t, "Where is my order?", out.Pack.Communications[1].Excerpt)
	assert.Contains(t, out.Pack.Documents, "invoice-1.pdf")
	assert.True(t, strings.HasPrefix(out.Pack.Documents[len(out.Pack.Documents)-1], "s3://"))

	assert.Equal(t, "UPS", narrator.facts.Carrier)
	assert.Equal(t, 2, narrator.facts.MessageCount)
	assert.True(t, narrator.facts.HasProofOfDelivery)
}

func TestBuild_MissingFactsPastDeadlineFails(t *testing.T) {
	order := fullOrder()
	order.TrackingRef, order.ProofOfDeliveryRef = "", ""
	b := NewBuilder(NewMemoryStore(), &fakeOrders{order: order}, &fakeComms{}, nil, nil, testCfg, nil)

	deadline := time.Now().Add(24 * time.Hour) // inside the 48h safety margin
	d := testDispute(&deadline)

	out, err := b.Build(context.Background(), d, startPack(t, b, d))
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, out.Result)
	assert.Equal(t, StatusFailed, out.Pack.Status)
	assert.Contains(t, out.Reason, "tracking|proof_of_delivery")
}

func TestBuild_MissingFactsWithTimeLeftStaysBuilding(t *testing.T) {
	order := fullOrder()
	order.ProductDescription = ""
	b := NewBuilder(NewMemoryStore(), &fakeOrders{order: order}, &fakeComms{}, nil, nil, testCfg, nil)

	deadline := time.Now().Add(10 * 24 * time.Hour)
	for _, d := range []dispute.Dispute{testDispute(&deadline), testDispute(nil)} {
		out, err := b.Build(context.Background(), d, startPack(t, b, d))
		require.NoError(t, err)
		assert.Equal(t, ResultIncomplete, out.Result)
		assert.Equal(t, StatusBuilding, out.Pack.Status)
		assert.Equal(t, []string{CategoryProductDescription}, out.Pack.Missing)
	}
}

func TestBuild_RetriesTransientOrderFailures(t *testing.T) {
	orders := &fakeOrders{order: fullOrder(), failures: 2}
	b := NewBuilder(NewMemoryStore(), orders, &fakeComms{}, nil, nil, testCfg, nil)
	d := testDispute(nil)

	out, err := b.Build(context.Background(), d, startPack(t, b, d))
	require.NoError(t, err)
	assert.Equal(t, ResultReady, out.Result)
	assert.Equal(t, int32(3), atomic.LoadInt32(&orders.calls))
}

func TestBuild_PersistentOrderFailureFails(t *testing.T) {
	orders := &fakeOrders{order: fullOrder(), failures: 100}
	b := NewBuilder(NewMemoryStore(), orders, &fakeComms{}, nil, nil, testCfg, nil)
	d := testDispute(nil)

	out, err := b.Build(context.Background(), d, startPack(t, b, d))
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, out.Result)
	assert.Equal(t, int32(3), atomic.LoadInt32(&orders.calls))
}

func TestBuild_UnavailableOrderIsMissingNotRetried(t *testing.T) {
	orders := &fakeOrders{err: ErrUnavailable}
	b := NewBuilder(NewMemoryStore(), orders, &fakeComms{}, nil, nil, testCfg, nil)
	d := testDispute(nil)

	out, err := b.Build(context.Background(), d, startPack(t, b, d))
	require.NoError(t, err)
	assert.Equal(t, ResultIncomplete, out.Result)
	assert.Equal(t, int32(1), atomic.LoadInt32(&orders.calls))
}

func TestBuild_SlowSourceTimesOut(t *testing.T) {
	orders := &fakeOrders{block: true}
	cfg := testCfg
	cfg.CallTimeout = 10 * time.Millisecond
	b := NewBuilder(NewMemoryStore(), orders, &fakeComms{}, nil, nil, cfg, nil)
	d := testDispute(nil)

	start := time.Now()
	out, err := b.Build(context.Background(), d, startPack(t, b, d))
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, out.Result)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBuild_NarrativeFailureFails(t *testing.T) {
	narrator := &fakeNarrator{err: errors.New("deadline exceeded")}
	b := NewBuilder(NewMemoryStore(), &fakeOrders{order: fullOrder()}, &fakeComms{}, narrator, nil, testCfg, nil)
	d := testDispute(nil)

	out, err := b.Build(context.Background(), d, startPack(t, b, d))
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, out.Result)
	assert.Contains(t, out.Reason, "text generation")
}

func TestStart_ReusesBuildingPack(t *testing.T) {
	b := NewBuilder(NewMemoryStore(), &fakeOrders{order: fullOrder()}, &fakeComms{}, nil, nil, testCfg, nil)
	d := testDispute(nil)

	first := startPack(t, b, d)
	again := startPack(t, b, d)
	assert.Equal(t, first.ID, again.ID)

	_, err := b.Build(context.Background(), d, first)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	next := startPack(t, b, d)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestMarkSubmitted_MakesPackImmutable(t *testing.T) {
	store := NewMemoryStore()
	b := NewBuilder(store, &fakeOrders{order: fullOrder()}, &fakeComms{}, nil, nil, testCfg, nil)
	d := testDispute(nil)
	out, err := b.Build(context.Background(), d, startPack(t, b, d))
	require.NoError(t, err)

	_, err = store.MarkSubmitted(context.Background(), "T1", out.Pack.ID, time.Now())
	require.NoError(t, err)

	p := out.Pack
	p.Narrative = "rewritten"
	_, err = store.Update(context.Background(), p)
	assert.ErrorIs(t, err, ErrImmutable)
}

func TestWeightsScore(t *testing.T) {
	w := DefaultWeights()
	assert.InDelta(t, 0.0, w.Score(nil), 1e-9)
	assert.InDelta(t, 0.5, w.Score(map[string]bool{CategoryTracking: true, CategoryProofOfDelivery: true}), 1e-9)
	assert.InDelta(t, 0.35, w.Score(map[string]bool{CategoryProductDescription: true, CategoryCommunications: true}), 1e-9)

	custom := Weights{CategoryTracking: 1, CategoryDocuments: 3}
	assert.InDelta(t, 0.75, custom.Score(map[string]bool{CategoryDocuments: true}), 1e-9)
}
