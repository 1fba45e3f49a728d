// Package location models the location templates referenced by device
// requirements and scoring criteria, and the geodesic helpers that evaluate
// device coordinates against them.
package location

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	"github.com/c360/mbp/errors"
)

// EarthRadiusMeters is the mean earth radius used for all distances.
const EarthRadiusMeters = 6371008.8

// Shape identifies the kind of a location template.
type Shape string

// Template shapes
const (
	ShapePoint    Shape = "point"
	ShapeCircle   Shape = "circle"
	ShapePolygon  Shape = "polygon"
	ShapeInformal Shape = "informal"
)

// Coordinates is a WGS84 latitude/longitude pair in degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinates are within the WGS84 ranges.
func (c Coordinates) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180 &&
		!math.IsNaN(c.Latitude) && !math.IsNaN(c.Longitude)
}

func (c Coordinates) latLng() s2.LatLng {
	return s2.LatLngFromDegrees(c.Latitude, c.Longitude)
}

// Template is a named location a user can reference from device templates.
// Which fields are meaningful depends on Shape.
type Template struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Shape is serialized as "type" to match the repository query format.
	Shape Shape `json:"type"`

	// point, circle
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	// circle, in meters
	Radius float64 `json:"radius,omitempty"`
	// polygon, at least three vertices
	Points []Coordinates `json:"pointsList,omitempty"`
	// informal
	Description string `json:"description,omitempty"`
}

// Center returns the point or circle center.
func (t *Template) Center() Coordinates {
	return Coordinates{Latitude: t.Latitude, Longitude: t.Longitude}
}

// Validate checks the fields required by the template's shape.
func (t *Template) Validate() error {
	v := errors.NewValidationError("invalid location template")
	if strings.TrimSpace(t.Name) == "" {
		v.Add("name", "The name must not be empty.")
	}

	switch t.Shape {
	case ShapePoint, ShapeCircle:
		if !t.Center().Valid() {
			v.Add("latitude", "The coordinates are out of range.")
		}
		if t.Shape == ShapeCircle && !(t.Radius > 0) {
			v.Add("radius", "The radius must be greater than zero.")
		}
	case ShapePolygon:
		if len(t.Points) < 3 {
			v.Add("pointsList", "A polygon needs at least three points.")
		}
		for i, p := range t.Points {
			if !p.Valid() {
				v.Add(fmt.Sprintf("pointsList[%d]", i), "The coordinates are out of range.")
			}
		}
	case ShapeInformal:
		if strings.TrimSpace(t.Description) == "" {
			v.Add("description", "The description must not be empty.")
		}
	default:
		v.Addf("type", "Unknown location template type %q.", t.Shape)
	}
	return v.OrNil()
}

// QueryDetails renders the template as the "details" object of a location
// requirement sent to discovery repositories.
func (t *Template) QueryDetails() map[string]any {
	details := map[string]any{"type": string(t.Shape)}
	switch t.Shape {
	case ShapePoint:
		details["latitude"] = t.Latitude
		details["longitude"] = t.Longitude
	case ShapeCircle:
		details["latitude"] = t.Latitude
		details["longitude"] = t.Longitude
		details["radius"] = t.Radius
	case ShapePolygon:
		points := make([]map[string]float64, 0, len(t.Points))
		for _, p := range t.Points {
			points = append(points, map[string]float64{"latitude": p.Latitude, "longitude": p.Longitude})
		}
		details["points"] = points
	case ShapeInformal:
		details["description"] = t.Description
	}
	return details
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Coordinates) float64 {
	return AngleToMeters(a.latLng().Distance(b.latLng()))
}

// AngleToMeters converts a central angle to a surface distance.
func AngleToMeters(angle s1.Angle) float64 {
	return angle.Radians() * EarthRadiusMeters
}

// PointTolerance is how far a device may be from a point template and still
// count as being at that location.
const PointTolerance = 25.0

// Contains reports whether c lies inside the template's area. For points it
// checks proximity within PointTolerance. Informal templates contain nothing.
func (t *Template) Contains(c Coordinates) bool {
	if !c.Valid() {
		return false
	}
	switch t.Shape {
	case ShapePoint:
		return Distance(t.Center(), c) <= PointTolerance
	case ShapeCircle:
		return Distance(t.Center(), c) <= t.Radius
	case ShapePolygon:
		return polygonContains(t.Points, c)
	default:
		return false
	}
}

func polygonContains(vertices []Coordinates, c Coordinates) bool {
	if len(vertices) < 3 {
		return false
	}
	points := make([]s2.Point, 0, len(vertices))
	for _, v := range vertices {
		points = append(points, s2.PointFromLatLng(v.latLng()))
	}
	loop := s2.LoopFromPoints(points)
	// Vertex order from map drawings is arbitrary; the smaller side is the area.
	loop.Normalize()
	return loop.ContainsPoint(s2.PointFromLatLng(c.latLng()))
}
