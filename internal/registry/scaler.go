// File: internal/registry/scaler.go
package registry

// Size is a width/height pair in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Scaler maps captured-image coordinates onto the live viewport. On a
// high-density display the captured image is larger than the interactive
// viewport, so pointer actions planned against a capture land wrong without
// rescaling. A Scaler is built fresh from each capture's dimensions; the
// ratio is never carried across navigations.
type Scaler struct {
	sx float64
	sy float64
}

// NewScaler derives the scale from the live viewport and the dimensions of
// the capture the coordinates were planned against. Degenerate capture
// dimensions yield the identity scale.
func NewScaler(viewport, capture Size) Scaler {
	s := Scaler{sx: 1, sy: 1}
	if capture.Width > 0 && viewport.Width > 0 {
		s.sx = viewport.Width / capture.Width
	}
	if capture.Height > 0 && viewport.Height > 0 {
		s.sy = viewport.Height / capture.Height
	}
	return s
}

// ToViewport translates one captured-image point into viewport space.
func (s Scaler) ToViewport(x, y float64) (float64, float64) {
	return x * s.sx, y * s.sy
}
