package audit

// ChainBreak describes a detected discontinuity in a record's event chain.
type ChainBreak struct {
	EventID      string `json:"event_id"`
	Position     int    `json:"position"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Reason       string `json:"reason"`
}

// ChainVerificationResult summarises a VerifyChain pass.
type ChainVerificationResult struct {
	IsValid        bool          `json:"is_valid"`
	EventsVerified int           `json:"events_verified"`
	ChainBreaks    []*ChainBreak `json:"chain_breaks,omitempty"`
}

// VerifyChain walks a record's events in chronological order and checks that
// every event's stored hash matches its recomputed hash and that each
// previous-hash pointer equals the predecessor's event hash. The first event
// of a chain must carry an empty previous hash.
func VerifyChain(events []*Event) *ChainVerificationResult {
	result := &ChainVerificationResult{IsValid: true}

	prevHash := ""
	for i, e := range events {
		if e.PreviousHash != prevHash {
			result.ChainBreaks = append(result.ChainBreaks, &ChainBreak{
				EventID:      e.ID.String(),
				Position:     i,
				ExpectedHash: prevHash,
				ActualHash:   e.PreviousHash,
				Reason:       "previous hash does not match predecessor",
			})
		}
		if recomputed := e.recomputeHash(); recomputed != e.EventHash {
			result.ChainBreaks = append(result.ChainBreaks, &ChainBreak{
				EventID:      e.ID.String(),
				Position:     i,
				ExpectedHash: recomputed,
				ActualHash:   e.EventHash,
				Reason:       "event hash does not match content",
			})
		}
		prevHash = e.EventHash
		result.EventsVerified++
	}

	result.IsValid = len(result.ChainBreaks) == 0
	return result
}
