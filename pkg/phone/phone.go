// Package phone normalizes recipient numbers before they reach the provider.
package phone

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const DefaultCountryCode = "+1"

var (
	ErrEmpty       = errors.New("phone number cannot be empty")
	ErrNotPossible = errors.New("phone number has an impossible length for its region")

	nonDialable = regexp.MustCompile(`[^\d+]`)
)

// Format strips everything except digits and '+', then prepends the
// default country code when the result has no leading '+'.
// Format(Format(x)) == Format(x).
func Format(raw string) string {
	return FormatWithCode(raw, DefaultCountryCode)
}

func FormatWithCode(raw, countryCode string) string {
	cleaned := nonDialable.ReplaceAllString(raw, "")
	if cleaned == "" {
		return ""
	}
	if strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	if !strings.HasPrefix(countryCode, "+") {
		countryCode = "+" + countryCode
	}
	return countryCode + cleaned
}

// ValidationResult describes a parsed number.
type ValidationResult struct {
	Possible   bool   `json:"possible"`
	Valid      bool   `json:"valid"`
	E164       string `json:"e164"`
	RegionCode string `json:"region_code"`
}

// Validate parses a formatted number. region is the ISO region used for
// numbers without a country prefix; it defaults to US.
func Validate(number, region string) (*ValidationResult, error) {
	if strings.TrimSpace(number) == "" {
		return nil, ErrEmpty
	}
	if region == "" {
		region = "US"
	}

	parsed, err := phonenumbers.Parse(number, region)
	if err != nil {
		return nil, fmt.Errorf("failed to parse phone number: %w", err)
	}

	return &ValidationResult{
		Possible:   phonenumbers.IsPossibleNumber(parsed),
		Valid:      phonenumbers.IsValidNumber(parsed),
		E164:       phonenumbers.Format(parsed, phonenumbers.E164),
		RegionCode: phonenumbers.GetRegionCodeForNumber(parsed),
	}, nil
}

// CheckSendable rejects numbers that no carrier could route.
// Unassigned but well-formed numbers pass.
func CheckSendable(number string) error {
	res, err := Validate(number, "")
	if err != nil {
		return err
	}
	if !res.Possible {
		return fmt.Errorf("%w: %s", ErrNotPossible, number)
	}
	return nil
}
