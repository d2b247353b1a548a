package dispute

import "strings"

// ProviderStatus is a (processor, external status) pair.
type ProviderStatus struct {
	Processor string
	Status    string
}

// providerStatuses maps normalized provider statuses to internal targets.
var providerStatuses = map[ProviderStatus]Status{
	{"stripe", "warning_needs_response"}: StatusEvidenceRequired,
	{"stripe", "needs_response"}:         StatusEvidenceRequired,
	{"stripe", "warning_under_review"}:   StatusSubmitted,
	{"stripe", "under_review"}:           StatusSubmitted,
	{"stripe", "won"}:                    StatusWon,
	{"stripe", "lost"}:                   StatusLost,
	{"stripe", "charge_refunded"}:        StatusLost,
	{"stripe", "warning_closed"}:         StatusClosed,

	{"paypal", "open"}:                        StatusEvidenceRequired,
	{"paypal", "waiting_for_seller_response"}: StatusEvidenceRequired,
	{"paypal", "under_review"}:                StatusSubmitted,
	{"paypal", "waiting_for_buyer_response"}:  StatusSubmitted,
	{"paypal", "resolved_seller_favour"}:      StatusWon,
	{"paypal", "resolved_buyer_favour"}:       StatusLost,

	{"adyen", "notification_of_chargeback"}: StatusEvidenceRequired,
	{"adyen", "chargeback"}:                 StatusEvidenceRequired,
	{"adyen", "defense_submitted"}:          StatusSubmitted,
	{"adyen", "chargeback_reversed"}:        StatusWon,
	{"adyen", "second_chargeback"}:          StatusLost,
}

// StatusMapping is the result of MapProviderStatus.
type StatusMapping struct {
	Target Status
	// Known is false when the pair is not in the table; Target is then
	// NEEDS_MANUAL and Raw keeps the provider's string verbatim.
	Known bool
	Raw   string
}

// MapProviderStatus normalizes a provider status string through the fixed table.
func MapProviderStatus(processor, raw string) StatusMapping {
	key := ProviderStatus{
		Processor: strings.ToLower(strings.TrimSpace(processor)),
		Status:    strings.ToLower(strings.TrimSpace(raw)),
	}
	if target, ok := providerStatuses[key]; ok {
		return StatusMapping{Target: target, Known: true, Raw: raw}
	}
	return StatusMapping{Target: StatusNeedsManual, Known: false, Raw: raw}
}

// NormalizeProcessor lower-cases and trims a processor name.
func NormalizeProcessor(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
