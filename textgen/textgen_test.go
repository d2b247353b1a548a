package textgen

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargeflow/evidence"
)

func TestSanitize_StripsControlCharacters(t *testing.T) {
	got := Sanitize("  hello\x00\x1b[31m world\n ")
	assert.Equal(t, "hello[31m world", got)
}

func TestSanitize_BoundsLength(t *testing.T) {
	got := Sanitize(strings.Repeat("é", maxNarrative+10))
	assert.Len(t, []rune(got), maxNarrative)
}

func TestTemplate_UsesOnlyFacts(t *testing.T) {
	delivered := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	out, err := Template{}.Draft(context.Background(), evidence.Facts{
		OrderID: "O-1", ProductDescription: "Blue mug", Carrier: "UPS", TrackingRef: "1Z9",
		DeliveredAt: &delivered, HasProofOfDelivery: true, MessageCount: 2,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Order O-1 (Blue mug)")
	assert.Contains(t, out, "UPS under tracking reference 1Z9")
	assert.Contains(t, out, "2025-01-03")
	assert.Contains(t, out, "2 message(s)")
}
