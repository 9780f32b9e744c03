package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/giggatek/reconciler/internal/payment"
)

// PayPal transmission headers. All five are required.
const (
	PayPalTransmissionID   = "PAYPAL-TRANSMISSION-ID"
	PayPalTransmissionTime = "PAYPAL-TRANSMISSION-TIME"
	PayPalCertURL          = "PAYPAL-CERT-URL"
	PayPalAuthAlgo         = "PAYPAL-AUTH-ALGO"
	PayPalTransmissionSig  = "PAYPAL-TRANSMISSION-SIG"
)

var paypalHeaders = []string{
	PayPalTransmissionID,
	PayPalTransmissionTime,
	PayPalCertURL,
	PayPalAuthAlgo,
	PayPalTransmissionSig,
}

// PayPalConfig configures remote signature verification.
type PayPalConfig struct {
	ClientID      string
	ClientSecret  string
	WebhookID     string
	APIBase       string // e.g. https://api-m.paypal.com
	Tolerance     time.Duration
	VerifyTimeout time.Duration

	// HTTPClient is the base client used for both the OAuth token and the
	// verification call. Defaults to a client with VerifyTimeout.
	HTTPClient *http.Client
}

// PayPalVerifier validates the transmission headers locally, then asks
// PayPal's verify-webhook-signature endpoint to confirm the signature.
type PayPalVerifier struct {
	cfg    PayPalConfig
	client *http.Client
	now    func() time.Time
}

// NewPayPalVerifier creates a verifier. The OAuth2 access token is fetched
// lazily and cached until it expires.
func NewPayPalVerifier(cfg PayPalConfig) *PayPalVerifier {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: cfg.VerifyTimeout}
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.APIBase + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	return &PayPalVerifier{
		cfg:    cfg,
		client: cc.Client(tokenCtx),
		now:    time.Now,
	}
}

func (v *PayPalVerifier) Provider() payment.Provider { return payment.ProviderPayPal }

// Verify authenticates body and maps the PayPal event onto a PaymentEvent.
func (v *PayPalVerifier) Verify(ctx context.Context, body []byte, header http.Header) (*payment.PaymentEvent, error) {
	for _, name := range paypalHeaders {
		if header.Get(name) == "" {
			return nil, verificationError(payment.ProviderPayPal, ReasonMissingHeader, name, nil)
		}
	}

	sent, err := time.Parse(time.RFC3339, header.Get(PayPalTransmissionTime))
	if err != nil {
		return nil, verificationError(payment.ProviderPayPal, ReasonMalformedHeader, PayPalTransmissionTime, err)
	}
	if age := v.now().Sub(sent); age > v.cfg.Tolerance || age < -v.cfg.Tolerance {
		return nil, verificationError(payment.ProviderPayPal, ReasonStaleTimestamp,
			fmt.Sprintf("transmission time %s outside %s window", sent.Format(time.RFC3339), v.cfg.Tolerance), nil)
	}

	if err := checkCertURL(header.Get(PayPalCertURL)); err != nil {
		return nil, verificationError(payment.ProviderPayPal, ReasonSignatureMismatch, PayPalCertURL, err)
	}

	if !json.Valid(body) {
		return nil, verificationError(payment.ProviderPayPal, ReasonMalformedPayload, "body is not JSON", nil)
	}

	if err := v.verifyRemote(ctx, body, header); err != nil {
		return nil, err
	}

	pe, err := v.parse(body)
	if err != nil {
		return nil, verificationError(payment.ProviderPayPal, ReasonMalformedPayload, "", err)
	}
	if err := pe.Validate(); err != nil {
		return nil, verificationError(payment.ProviderPayPal, ReasonMalformedPayload, pe.EventType, err)
	}
	return pe, nil
}

// checkCertURL only accepts https certificates served from paypal.com.
func checkCertURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" {
		return fmt.Errorf("cert url scheme %q is not https", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host != "paypal.com" && !strings.HasSuffix(host, ".paypal.com") {
		return fmt.Errorf("cert url host %q is not a paypal.com host", host)
	}
	return nil
}

type verifySignatureRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifySignatureResponse struct {
	VerificationStatus string `json:"verification_status"`
}

func (v *PayPalVerifier) verifyRemote(ctx context.Context, body []byte, header http.Header) error {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.VerifyTimeout)
	defer cancel()

	payload, err := json.Marshal(verifySignatureRequest{
		AuthAlgo:         header.Get(PayPalAuthAlgo),
		CertURL:          header.Get(PayPalCertURL),
		TransmissionID:   header.Get(PayPalTransmissionID),
		TransmissionSig:  header.Get(PayPalTransmissionSig),
		TransmissionTime: header.Get(PayPalTransmissionTime),
		WebhookID:        v.cfg.WebhookID,
		WebhookEvent:     json.RawMessage(body),
	})
	if err != nil {
		return verificationError(payment.ProviderPayPal, ReasonMalformedPayload, "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.cfg.APIBase+"/v1/notifications/verify-webhook-signature", bytes.NewReader(payload))
	if err != nil {
		return verificationError(payment.ProviderPayPal, ReasonRemoteVerifyFailed, "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return verificationError(payment.ProviderPayPal, ReasonRemoteVerifyFailed, "verify request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return verificationError(payment.ProviderPayPal, ReasonRemoteVerifyFailed,
			fmt.Sprintf("verify endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))), nil)
	}

	var out verifySignatureResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return verificationError(payment.ProviderPayPal, ReasonRemoteVerifyFailed, "decode verify response", err)
	}
	if out.VerificationStatus != "SUCCESS" {
		return verificationError(payment.ProviderPayPal, ReasonSignatureMismatch,
			"verification_status="+out.VerificationStatus, nil)
	}
	return nil
}

type paypalEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

// paypalAmount covers both the v1 {total, currency} and the v2
// {value, currency_code} shapes.
type paypalAmount struct {
	Total        string `json:"total"`
	Currency     string `json:"currency"`
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

func (a paypalAmount) value() string {
	if a.Value != "" {
		return a.Value
	}
	return a.Total
}

func (a paypalAmount) currency() string {
	if a.CurrencyCode != "" {
		return strings.ToUpper(a.CurrencyCode)
	}
	return strings.ToUpper(a.Currency)
}

// paypalResource is the union of the sale, capture and refund resources.
type paypalResource struct {
	ID         string       `json:"id"`
	SaleID     string       `json:"sale_id"`
	Amount     paypalAmount `json:"amount"`
	Custom     string       `json:"custom"`
	CustomID   string       `json:"custom_id"`
	ReasonCode string       `json:"reason_code"`
}

type paypalOrder struct {
	ID            string `json:"id"`
	PurchaseUnits []struct {
		CustomID string       `json:"custom_id"`
		Amount   paypalAmount `json:"amount"`
		Payments struct {
			Captures []struct {
				ID     string       `json:"id"`
				Amount paypalAmount `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

var paypalKinds = map[string]payment.EventKind{
	"PAYMENT.SALE.COMPLETED":    payment.KindSucceeded,
	"PAYMENT.CAPTURE.COMPLETED": payment.KindSucceeded,
	"CHECKOUT.ORDER.COMPLETED":  payment.KindSucceeded,
	"PAYMENT.SALE.DENIED":       payment.KindFailed,
	"PAYMENT.CAPTURE.DENIED":    payment.KindFailed,
	"PAYMENT.SALE.REFUNDED":     payment.KindRefunded,
	"PAYMENT.CAPTURE.REFUNDED":  payment.KindRefunded,
	"PAYMENT.SALE.REVERSED":     payment.KindReversed,
	"PAYMENT.CAPTURE.REVERSED":  payment.KindReversed,
}

func (v *PayPalVerifier) parse(body []byte) (*payment.PaymentEvent, error) {
	var env paypalEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}

	pe := &payment.PaymentEvent{
		Provider:   payment.ProviderPayPal,
		EventID:    env.ID,
		EventType:  env.EventType,
		Kind:       payment.KindIgnored,
		Metadata:   map[string]string{},
		ReceivedAt: v.now().UTC(),
	}
	kind, ok := paypalKinds[env.EventType]
	if !ok {
		return pe, nil
	}
	pe.Kind = kind

	var amount paypalAmount
	var custom string
	if env.EventType == "CHECKOUT.ORDER.COMPLETED" {
		var order paypalOrder
		if err := json.Unmarshal(env.Resource, &order); err != nil {
			return nil, fmt.Errorf("decode order resource: %w", err)
		}
		pe.ProviderTransactionID = order.ID
		if len(order.PurchaseUnits) > 0 {
			unit := order.PurchaseUnits[0]
			custom = unit.CustomID
			amount = unit.Amount
			if caps := unit.Payments.Captures; len(caps) > 0 {
				pe.ProviderTransactionID = caps[0].ID
				amount = caps[0].Amount
			}
		}
	} else {
		var res paypalResource
		if err := json.Unmarshal(env.Resource, &res); err != nil {
			return nil, fmt.Errorf("decode resource: %w", err)
		}
		pe.ProviderTransactionID = res.ID
		pe.ReasonCode = res.ReasonCode
		amount = res.Amount
		custom = res.Custom
		if custom == "" {
			custom = res.CustomID
		}
		switch kind {
		case payment.KindRefunded:
			pe.ProviderParentID = res.SaleID
		case payment.KindReversed:
			// Sale reversals reuse the sale id, so the parent is the
			// resource itself unless PayPal names the sale explicitly.
			pe.ProviderParentID = res.SaleID
			if pe.ProviderParentID == "" {
				pe.ProviderParentID = res.ID
			}
		}
	}

	minor, err := ToMinorUnits(amount.value())
	if err != nil {
		return nil, err
	}
	pe.AmountMinorUnits = minor
	pe.Currency = amount.currency()

	md, err := ParseCustomMetadata(custom)
	if err != nil {
		return nil, err
	}
	pe.Metadata = md
	return pe, nil
}
