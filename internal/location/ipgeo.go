package location

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"incident-dispatch-go/internal/apperr"
)

// IPProvider resolves the caller's approximate coordinates from its public IP.
type IPProvider interface {
	Name() string
	Lookup(ctx context.Context) (lat, lon float64, err error)
}

// HTTPIPProvider queries a JSON geolocation endpoint. It understands both the
// latitude/longitude and lat/lon field spellings.
type HTTPIPProvider struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPIPProvider(name, url string, client *http.Client) *HTTPIPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPIPProvider{name: name, url: url, client: client}
}

// DefaultIPProviders returns the public services tried in order.
func DefaultIPProviders(client *http.Client) []IPProvider {
	return []IPProvider{
		NewHTTPIPProvider("ipapi.co", "https://ipapi.co/json/", client),
		NewHTTPIPProvider("ip-api.com", "http://ip-api.com/json/", client),
		NewHTTPIPProvider("ipwho.is", "https://ipwho.is/", client),
	}
}

func (p *HTTPIPProvider) Name() string {
	return p.name
}

type ipLookupResponse struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Status    string   `json:"status"`
	Success   *bool    `json:"success"`
	Error     any      `json:"error"`
}

func (p *HTTPIPProvider) Lookup(ctx context.Context) (float64, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.TransientNetwork, "ip lookup request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, apperr.New(apperr.Unavailable, fmt.Sprintf("ip lookup responded %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.TransientNetwork, "read ip lookup response", err)
	}

	var r ipLookupResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return 0, 0, apperr.Wrap(apperr.Unavailable, "decode ip lookup response", err)
	}
	if r.Status == "fail" || (r.Success != nil && !*r.Success) || r.Error == true {
		return 0, 0, apperr.New(apperr.Unavailable, "ip lookup reported failure")
	}

	switch {
	case r.Latitude != nil && r.Longitude != nil:
		return *r.Latitude, *r.Longitude, nil
	case r.Lat != nil && r.Lon != nil:
		return *r.Lat, *r.Lon, nil
	}
	return 0, 0, apperr.New(apperr.Unavailable, "ip lookup returned no coordinates")
}
