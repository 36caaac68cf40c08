package provider

import (
	"context"
	"time"

	"pricefeed/internal/prices"
)

// Quote is the normalized shape returned by all providers.
// Price stays a string exactly as the vendor sent it; validation happens in
// the aggregate package so one bad price never rejects the whole batch.
type Quote struct {
	Symbol     prices.Symbol `json:"symbol"`
	Price      string        `json:"price"`
	Source     string        `json:"source"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Provider is the quote provider capability. Fetch receives the full batch
// of canonical symbols and returns whatever quotes it could obtain; it fails
// with a *prices.UpstreamError when the vendor cannot serve the batch.
//
//go:generate mockgen -package=provider -destination=mock_provider.go -source=provider.go Provider
type Provider interface {
	Name() string
	Fetch(ctx context.Context, symbols []prices.Symbol) ([]Quote, error)
}
