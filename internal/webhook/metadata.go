package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a decimal amount string such as "49.99" into cents.
// An empty string is zero.
func ToMinorUnits(amount string) (int64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		// Refund resources may report the returned amount as negative.
		d = d.Neg()
	}
	return d.Mul(hundred).Round(0).IntPart(), nil
}

// ParseCustomMetadata decodes the custom / custom_id field that checkout
// attaches to PayPal payments. It is normally a JSON object such as
// {"rental_id":7,"payment_id":501}. Older checkouts stored a bare order id,
// which is read as order_id.
func ParseCustomMetadata(custom string) (map[string]string, error) {
	custom = strings.TrimSpace(custom)
	md := map[string]string{}
	if custom == "" {
		return md, nil
	}
	if !strings.HasPrefix(custom, "{") {
		md["order_id"] = custom
		return md, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(custom)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid custom metadata: %w", err)
	}
	for k, val := range raw {
		switch tv := val.(type) {
		case nil:
			continue
		case string:
			md[k] = tv
		case json.Number:
			md[k] = tv.String()
		case bool:
			md[k] = fmt.Sprintf("%t", tv)
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				return nil, err
			}
			md[k] = string(b)
		}
	}
	return md, nil
}
