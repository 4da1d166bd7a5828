package provider

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// Validation errors returned by the Service layer.
var (
	ErrNameRequired         = errors.New("name is required")
	ErrCategoryRequired     = errors.New("category is required")
	ErrEndpointInvalid      = errors.New("endpoint must be a valid http(s) URL")
	ErrPayoutRequired       = errors.New("payout_address is required")
	ErrPricingModelInvalid  = errors.New("pricing_model must be one of: per_request, flat, free")
	ErrPriceInvalid         = errors.New("base_price must not be negative")
	ErrUptimeOutOfRange     = errors.New("uptime_percent must be between 0 and 100")
	ErrFeedbackScoreInvalid = errors.New("score must be an integer from 1 to 5")
)

var validPricingModels = map[string]bool{
	"per_request": true,
	"flat":        true,
	"free":        true,
}

// Service provides validated registration over the provider Store.
type Service struct {
	store *Store
}

// NewService creates a new Service wrapping the given Store.
func NewService(store *Store) *Service {
	return &Service{store: store}
}

// Create validates the input and registers the provider.
func (s *Service) Create(ctx context.Context, input CreateProviderInput) (*Provider, error) {
	input.Category = NormalizeCategory(input.Category)
	if input.PricingModel == "" {
		input.PricingModel = "per_request"
	}
	if input.Currency == "" {
		input.Currency = "USDC"
	}
	if input.UptimePercent == 0 {
		input.UptimePercent = 100
	}
	if err := validateCreate(input); err != nil {
		return nil, err
	}
	return s.store.Create(ctx, input)
}

// GetByID retrieves a provider by its ID.
func (s *Service) GetByID(ctx context.Context, id string) (*Provider, error) {
	return s.store.GetByID(ctx, id)
}

// List returns a paginated list of providers.
func (s *Service) List(ctx context.Context, params ListParams) ([]*Provider, string, error) {
	params.Category = NormalizeCategory(params.Category)
	return s.store.List(ctx, params)
}

// NormalizeCategory lowercases and trims a category name.
func NormalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// ValidateFeedbackScore checks a rating is on the 1-5 scale.
func ValidateFeedbackScore(score int) error {
	if score < 1 || score > 5 {
		return ErrFeedbackScoreInvalid
	}
	return nil
}

func validateCreate(input CreateProviderInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return ErrNameRequired
	}
	if input.Category == "" {
		return ErrCategoryRequired
	}
	if err := validateEndpoint(input.Endpoint); err != nil {
		return err
	}
	if strings.TrimSpace(input.PayoutAddress) == "" {
		return ErrPayoutRequired
	}
	if !validPricingModels[input.PricingModel] {
		return ErrPricingModelInvalid
	}
	if input.BasePrice < 0 {
		return ErrPriceInvalid
	}
	if input.UptimePercent < 0 || input.UptimePercent > 100 {
		return ErrUptimeOutOfRange
	}
	return nil
}

// validateEndpoint checks that the endpoint is a well-formed http(s) URL.
func validateEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return ErrEndpointInvalid
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrEndpointInvalid
	}
	return nil
}
