package validate

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Confidence for a phone number that parses and is valid for its
// region. Phone confidence is near-binary: format validity says nothing
// about network reachability, so it never reaches email-probe levels.
const validPhoneConfidence = 0.9

// validatePhone format-validates a number against the supplied country
// code. No network traffic is involved; an unparseable or
// region-invalid number simply scores zero.
func validatePhone(phone, countryCode string) (Status, float64) {
	region := strings.ToUpper(strings.TrimSpace(countryCode))

	parsed, err := phonenumbers.Parse(phone, region)
	if err != nil {
		return StatusUndeliverable, 0
	}

	if region != "" {
		if !phonenumbers.IsValidNumberForRegion(parsed, region) {
			return StatusUndeliverable, 0
		}
	} else if !phonenumbers.IsValidNumber(parsed) {
		return StatusUndeliverable, 0
	}

	return StatusDeliverable, validPhoneConfidence
}
