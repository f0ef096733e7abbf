// Package phone normalises contact phone numbers to E.164 before they are
// stored or handed to an SMS provider.
package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var ErrEmpty = errors.New("phone number cannot be empty")

// Normalizer parses numbers that lack a country code against a default region.
type Normalizer struct {
	region string
}

func NewNormalizer(defaultRegion string) *Normalizer {
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	return &Normalizer{region: strings.ToUpper(defaultRegion)}
}

// Normalize returns raw in E.164 form, rejecting numbers that do not parse or
// are not valid for their region.
func (n *Normalizer) Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}

	parsed, err := phonenumbers.Parse(raw, n.region)
	if err != nil {
		return "", fmt.Errorf("parse phone number: %w", err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("invalid phone number %q", raw)
	}

	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
