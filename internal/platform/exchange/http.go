package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type rateResponse struct {
	Rate string `json:"rate"`
}

// HTTPSource reads the rate from a JSON endpoint answering {"rate": "1850.25"}.
type HTTPSource struct {
	client *resty.Client
	path   string
}

// NewHTTPSource builds a source for the endpoint at url. Retries are off;
// the caller bounds the whole lookup with a deadline.
func NewHTTPSource(url string) *HTTPSource {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	return &HTTPSource{client: client, path: url}
}

func (s *HTTPSource) Rate(ctx context.Context) (Rate, error) {
	var body rateResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(s.path)
	if err != nil {
		return Rate{}, fmt.Errorf("GET %s: %w", s.path, err)
	}
	if resp.IsError() {
		return Rate{}, fmt.Errorf("rate endpoint returned status %d", resp.StatusCode())
	}
	return ParseRate(body.Rate)
}
