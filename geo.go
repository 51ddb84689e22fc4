package stackmob

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// EarthRadiusKm is the mean Earth radius used to convert between
// kilometers and the radian distances the geo queries expect.
const EarthRadiusKm = 6371.0

// GeoPoint is a geographic coordinate attached to a geospatial schema
// field. On the wire the platform stores points as a [lon, lat] array;
// query parameters use lat,lon order.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// NewGeoPoint creates a validated GeoPoint.
func NewGeoPoint(lat, lon float64) (GeoPoint, error) {
	p := GeoPoint{Lat: lat, Lon: lon}
	if err := p.Validate(); err != nil {
		return GeoPoint{}, err
	}
	return p, nil
}

// Validate checks the coordinate bounds.
func (p GeoPoint) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", p.Lon)
	}
	return nil
}

// MarshalJSON renders the wire [lon, lat] array.
func (p GeoPoint) MarshalJSON() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal([2]float64{p.Lon, p.Lat})
}

// UnmarshalJSON accepts both the [lon, lat] array and the
// {"lat": ..., "lon": ...} object form older schemas return.
func (p *GeoPoint) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 2 {
			return fmt.Errorf("geopoint array must have 2 elements, got %d", len(arr))
		}
		p.Lon, p.Lat = arr[0], arr[1]
		return p.Validate()
	}

	var obj struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("malformed geopoint: %w", err)
	}
	p.Lat, p.Lon = obj.Lat, obj.Lon
	return p.Validate()
}

// DistanceKm returns the haversine great-circle distance to other in
// kilometers.
func (p GeoPoint) DistanceKm(other GeoPoint) float64 {
	return p.DistanceRadians(other) * EarthRadiusKm
}

// DistanceRadians returns the central angle to other in radians, the
// unit the radius queries use.
func (p GeoPoint) DistanceRadians(other GeoPoint) float64 {
	lat1 := p.Lat * math.Pi / 180
	lat2 := other.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (other.Lon - p.Lon) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * math.Asin(math.Min(1, math.Sqrt(a)))
}

// KmToRadians converts a surface distance to the radian central angle.
func KmToRadians(km float64) float64 {
	return km / EarthRadiusKm
}

// MilesToRadians converts miles to the radian central angle.
func MilesToRadians(miles float64) float64 {
	return miles * 1.609344 / EarthRadiusKm
}

// queryCoord renders a coordinate for query parameters, lat,lon order.
func (p GeoPoint) queryCoord() string {
	return formatFloat(p.Lat) + "," + formatFloat(p.Lon)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
