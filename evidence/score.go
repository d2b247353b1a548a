package evidence

// Evidence categories scored by Weights.
const (
	CategoryTracking           = "tracking"
	CategoryProofOfDelivery    = "proof_of_delivery"
	CategoryProductDescription = "product_description"
	CategoryCommunications     = "communications"
	CategoryDocuments          = "documents"
)

// Weights assigns each category its share of the win-probability.
type Weights map[string]float64

func DefaultWeights() Weights {
	return Weights{
		CategoryTracking:           0.20,
		CategoryProofOfDelivery:    0.30,
		CategoryProductDescription: 0.15,
		CategoryCommunications:     0.20,
		CategoryDocuments:          0.15,
	}
}

// Score returns the weight of the present categories over the total weight.
func (w Weights) Score(present map[string]bool) float64 {
	var total, got float64
	for cat, weight := range w {
		if weight <= 0 {
			continue
		}
		total += weight
		if present[cat] {
			got += weight
		}
	}
	if total == 0 {
		return 0
	}
	return got / total
}

// Present reports which categories the pack carries.
func Present(p Pack) map[string]bool {
	return map[string]bool{
		CategoryTracking:           p.TrackingRef != "",
		CategoryProofOfDelivery:    p.ProofOfDeliveryRef != "",
		CategoryProductDescription: p.ProductDescription != "",
		CategoryCommunications:     len(p.Communications) > 0,
		CategoryDocuments:          len(p.Documents) > 0,
	}
}

// MissingRequired lists required facts absent from p: a product description,
// and tracking or proof of delivery.
func MissingRequired(p Pack) []string {
	var missing []string
	if p.ProductDescription == "" {
		missing = append(missing, CategoryProductDescription)
	}
	if p.TrackingRef == "" && p.ProofOfDeliveryRef == "" {
		missing = append(missing, CategoryTracking+"|"+CategoryProofOfDelivery)
	}
	return missing
}
