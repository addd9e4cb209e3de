package fusion

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/cnxyang/fusion/utils"
)

// shadeAmbient and shadeDiffuse split the lighting of the rendered scene.
const (
	shadeAmbient = 0.2
	shadeDiffuse = 0.8
)

// RenderScene fills a pre-sized Rows*Cols*3 byte buffer with a shaded view of
// the latest raycast: the fused surface color modulated by a headlight at the
// camera. Pixels the last raycast missed stay black. Before the first fused
// frame the buffer is zeroed.
func (s *System) RenderScene(out []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, h := s.intrinsics.Width, s.intrinsics.Height
	if len(out) != w*h*3 {
		return errors.Errorf("output buffer has %d bytes, expected %d", len(out), w*h*3)
	}
	for i := range out {
		out[i] = 0
	}
	if s.lastRaycast == nil {
		return nil
	}

	light := r3.Vector{X: 0, Y: 0, Z: -1}
	nm := s.lastRaycast.NMap
	colors := s.lastRaycast.Color
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			n, ok := nm.At(x, y)
			if !ok {
				continue
			}
			shade := shadeAmbient + shadeDiffuse*utils.Clamp(n.Dot(light), 0, 1)
			i := (y*w + x) * 3
			r, g, b := colors[i], colors[i+1], colors[i+2]
			if r == 0 && g == 0 && b == 0 {
				// depth-only maps carry no color; shade a neutral surface
				r, g, b = 200, 200, 200
			}
			out[i] = uint8(shade * float64(r))
			out[i+1] = uint8(shade * float64(g))
			out[i+2] = uint8(shade * float64(b))
		}
	}
	return nil
}
