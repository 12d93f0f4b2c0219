package fawry

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownShape is returned when callback parameters match neither
// recognized shape.
var ErrUnknownShape = errors.New("fawry: unrecognized callback shape")

// CallbackShape identifies which of the provider's two incompatible return
// formats a callback used.
type CallbackShape string

const (
	// ShapeChargeResponse is the 3DS redirect-return shape
	// (type=ChargeResponse with a numeric statusCode).
	ShapeChargeResponse CallbackShape = "charge_response"

	// ShapeWebhookV2 is the server-notification shape keyed on orderStatus.
	ShapeWebhookV2 CallbackShape = "webhook_v2"
)

// CallbackResult is a transient parse of one callback's parameters. It is
// used once to decide a transaction's terminal state, then discarded.
type CallbackResult struct {
	Shape CallbackShape

	// ChargeResponse shape.
	StatusCode        int
	StatusDescription string
	ReferenceNumber   string

	// Webhook V2 shape.
	FawryRefNumber   string
	OrderStatus      string
	OrderAmount      decimal.Decimal
	PaymentMethod    string
	MessageSignature string
	ThreeDSInfo      string

	// Common.
	MerchantRefNum string
	PaymentAmount  decimal.Decimal
}

// ParseCallback inspects query parameters and parses whichever shape they
// carry. The ChargeResponse shape is tried first and short-circuits.
func ParseCallback(params url.Values) (*CallbackResult, error) {
	if strings.EqualFold(params.Get("type"), "ChargeResponse") {
		return parseChargeResponse(params)
	}
	if params.Get("orderStatus") != "" {
		return parseWebhookV2(params)
	}
	return nil, ErrUnknownShape
}

func parseChargeResponse(params url.Values) (*CallbackResult, error) {
	// statusCode arrives as "200" or 200 depending on provider version;
	// tolerate both.
	code, err := strconv.Atoi(strings.TrimSpace(params.Get("statusCode")))
	if err != nil {
		return nil, ErrUnknownShape
	}

	return &CallbackResult{
		Shape:             ShapeChargeResponse,
		StatusCode:        code,
		StatusDescription: params.Get("statusDescription"),
		ReferenceNumber:   params.Get("referenceNumber"),
		MerchantRefNum:    firstNonEmpty(params.Get("merchantRefNumber"), params.Get("merchantRefNum")),
		PaymentAmount:     parseAmount(params.Get("paymentAmount")),
	}, nil
}

func parseWebhookV2(params url.Values) (*CallbackResult, error) {
	return &CallbackResult{
		Shape:            ShapeWebhookV2,
		FawryRefNumber:   params.Get("fawryRefNumber"),
		OrderStatus:      strings.ToLower(params.Get("orderStatus")),
		OrderAmount:      parseAmount(params.Get("orderAmount")),
		PaymentAmount:    parseAmount(params.Get("paymentAmount")),
		PaymentMethod:    params.Get("paymentMethod"),
		MessageSignature: params.Get("messageSignature"),
		ThreeDSInfo:      params.Get("threeDSInfo"),
		MerchantRefNum:   firstNonEmpty(params.Get("merchantRefNumber"), params.Get("merchantRefNum")),
	}, nil
}

func parseAmount(raw string) decimal.Decimal {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return amount
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
