package credit

import "github.com/walters954/OpenBookLM/internal/domain"

// GuestInitialCredits is granted once when a guest account is created.
const GuestInitialCredits = 100

// Limits are the monthly per-category caps for one account tier.
type Limits struct {
	AudioGeneration    float64
	DocumentProcessing float64
	ContextTokens      float64
}

var (
	guestLimits = Limits{
		AudioGeneration:    10,
		DocumentProcessing: 20,
		ContextTokens:      4000,
	}
	userLimits = Limits{
		AudioGeneration:    50,
		DocumentProcessing: 100,
		ContextTokens:      16000,
	}
)

// LimitsFor returns the monthly limits for the account tier.
func LimitsFor(isGuest bool) Limits {
	if isGuest {
		return guestLimits
	}
	return userLimits
}

// For returns the cap for one category.
func (l Limits) For(category domain.UsageCategory) float64 {
	switch category {
	case domain.UsageAudioGeneration:
		return l.AudioGeneration
	case domain.UsageDocumentProcessing:
		return l.DocumentProcessing
	case domain.UsageContextTokens:
		return l.ContextTokens
	}
	return 0
}
