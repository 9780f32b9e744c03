package reconcile

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		md      map[string]string
		want    Outcome
		wantErr error
	}{
		{
			name: "order payment",
			md:   map[string]string{"order_id": "42"},
			want: Outcome{Kind: OutcomeOrderPayment, OrderID: 42},
		},
		{
			name: "order id wins over rental keys",
			md:   map[string]string{"order_id": "42", "rental_id": "7", "payment_id": "501"},
			want: Outcome{Kind: OutcomeOrderPayment, OrderID: 42},
		},
		{
			name: "rental installment",
			md:   map[string]string{"rental_id": "7", "payment_id": "501"},
			want: Outcome{Kind: OutcomeRentalInstallment, RentalID: 7, PaymentID: 501},
		},
		{
			name: "installment wins over buyout",
			md:   map[string]string{"rental_id": "7", "payment_id": "501", "buyout": "true"},
			want: Outcome{Kind: OutcomeRentalInstallment, RentalID: 7, PaymentID: 501},
		},
		{
			name: "rental buyout",
			md:   map[string]string{"rental_id": "9", "buyout": "true"},
			want: Outcome{Kind: OutcomeRentalBuyout, RentalID: 9},
		},
		{
			name: "buyout flag is presence only",
			md:   map[string]string{"rental_id": "9", "buyout": "0"},
			want: Outcome{Kind: OutcomeRentalBuyout, RentalID: 9},
		},
		{
			name: "rental id alone",
			md:   map[string]string{"rental_id": "9"},
			want: Outcome{Kind: OutcomeUnrecognized},
		},
		{
			name: "no keys",
			md:   map[string]string{"customer": "cus_1"},
			want: Outcome{Kind: OutcomeUnrecognized},
		},
		{
			name: "nil metadata",
			md:   nil,
			want: Outcome{Kind: OutcomeUnrecognized},
		},
		{
			name: "padded id",
			md:   map[string]string{"order_id": " 42 "},
			want: Outcome{Kind: OutcomeOrderPayment, OrderID: 42},
		},
		{
			name:    "empty order id",
			md:      map[string]string{"order_id": ""},
			wantErr: ErrEmptyIdentifier,
		},
		{
			name:    "non numeric order id",
			md:      map[string]string{"order_id": "abc"},
			wantErr: ErrMalformedIdentifier,
		},
		{
			name:    "zero rental id",
			md:      map[string]string{"rental_id": "0", "payment_id": "1"},
			wantErr: ErrMalformedIdentifier,
		},
		{
			name:    "negative payment id",
			md:      map[string]string{"rental_id": "7", "payment_id": "-3"},
			wantErr: ErrMalformedIdentifier,
		},
		{
			name:    "fractional buyout rental id",
			md:      map[string]string{"rental_id": "7.5", "buyout": "1"},
			wantErr: ErrMalformedIdentifier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.md)
			if tt.wantErr != nil {
				var cerr *ClassificationError
				if !errors.As(err, &cerr) {
					t.Fatalf("expected *ClassificationError, got %v", err)
				}
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Classify() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHasClassificationKeys(t *testing.T) {
	if HasClassificationKeys(map[string]string{"note": "x"}) {
		t.Error("unexpected classification keys")
	}
	if !HasClassificationKeys(map[string]string{"buyout": "1"}) {
		t.Error("buyout should count as a classification key")
	}
}

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		o    Outcome
		want string
	}{
		{Outcome{Kind: OutcomeOrderPayment, OrderID: 1}, "order_payment(order=1)"},
		{Outcome{Kind: OutcomeRentalInstallment, RentalID: 2, PaymentID: 3}, "rental_installment(rental=2,payment=3)"},
		{Outcome{Kind: OutcomeRentalBuyout, RentalID: 4}, "rental_buyout(rental=4)"},
		{Outcome{Kind: OutcomeUnrecognized}, "unrecognized"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
