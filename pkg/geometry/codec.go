package geometry

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedGeometry is returned when a vertices cell cannot be read as a
// non-empty polygon.
var ErrMalformedGeometry = errors.New("malformed geometry")

// Parse reads a vertices cell of the form "[[[x1, y1], [x2, y2], ...]]", a
// list of polygons of which only the first is used.
func Parse(text string) (Polygon, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.Wrap(ErrMalformedGeometry, "empty vertices")
	}

	var polygons [][][]float64
	if err := json.Unmarshal([]byte(text), &polygons); err != nil {
		return nil, errors.Wrapf(ErrMalformedGeometry, "decode %q: %v", truncate(text), err)
	}
	if len(polygons) == 0 || len(polygons[0]) == 0 {
		return nil, errors.Wrapf(ErrMalformedGeometry, "no vertices in %q", truncate(text))
	}

	poly := make(Polygon, 0, len(polygons[0]))
	for i, pair := range polygons[0] {
		if len(pair) != 2 {
			return nil, errors.Wrapf(ErrMalformedGeometry, "vertex %d has %d coordinates", i, len(pair))
		}
		poly = append(poly, Vertex{X: pair[0], Y: pair[1]})
	}
	return poly, nil
}

// Format writes the polygon back as a single-polygon list, spaced the way the
// annotation tool writes it: "[[[1, 2], [3, 4]]]".
func Format(p Polygon) string {
	var b strings.Builder
	b.WriteString("[[")
	for i, v := range p {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('[')
		b.WriteString(formatCoord(v.X))
		b.WriteString(", ")
		b.WriteString(formatCoord(v.Y))
		b.WriteByte(']')
	}
	b.WriteString("]]")
	return b.String()
}

func formatCoord(c float64) string {
	if c == math.Trunc(c) && math.Abs(c) < 1<<53 {
		return strconv.FormatInt(int64(c), 10)
	}
	return strconv.FormatFloat(c, 'f', -1, 64)
}

func truncate(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
