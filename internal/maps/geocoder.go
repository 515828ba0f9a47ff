package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"ridepool/internal/types"
)

// GeoResult is a simplified geocoding result.
type GeoResult struct {
	Point    types.Point
	City     string
	Postcode string
}

// Geocoder handles interactions with the Google Geocoding API.
type Geocoder struct {
	client *maps.Client
}

// NewGeocoder creates a new Geocoder with the given API key.
func NewGeocoder(apiKey string) (*Geocoder, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Geocoder{client: client}, nil
}

// NewGeocoderWithClient wraps an existing maps client.
func NewGeocoderWithClient(client *maps.Client) *Geocoder {
	return &Geocoder{client: client}
}

// Geocode resolves free-form address text to coordinates plus city and
// postcode. It returns (nil, nil) when the provider finds no match, and a
// wrapped ErrUnavailable when the call itself fails.
func (g *Geocoder) Geocode(ctx context.Context, address string) (*GeoResult, error) {
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address})
	if err != nil {
		return nil, fmt.Errorf("%w: geocode: %v", ErrUnavailable, err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	best := results[0]
	out := &GeoResult{
		Point: types.Point{
			Lat: best.Geometry.Location.Lat,
			Lng: best.Geometry.Location.Lng,
		},
	}
	for _, comp := range best.AddressComponents {
		for _, t := range comp.Types {
			switch t {
			case "locality", "postal_town":
				if out.City == "" {
					out.City = comp.LongName
				}
			case "postal_code":
				out.Postcode = comp.LongName
			}
		}
	}
	return out, nil
}
