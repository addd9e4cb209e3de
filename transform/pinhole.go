// Package transform holds the pinhole camera model used to project between
// image space and camera space at each level of the tracking pyramid.
package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intrinsics are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrapf(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective
// projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err = json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	if err = intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return intrinsics, nil
}

// Level returns the intrinsics of pyramid level i, where level 0 is the full
// resolution camera and each level above halves the image.
func (params PinholeCameraIntrinsics) Level(i int) PinholeCameraIntrinsics {
	s := float64(int(1) << uint(i))
	return PinholeCameraIntrinsics{
		Width:  params.Width >> uint(i),
		Height: params.Height >> uint(i),
		Fx:     params.Fx / s,
		Fy:     params.Fy / s,
		Ppx:    params.Ppx / s,
		Ppy:    params.Ppy / s,
	}
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) r3.Vector {
	xOverZ := (x - params.Ppx) / params.Fx
	yOverZ := (y - params.Ppy) / params.Fy
	return r3.Vector{X: xOverZ * z, Y: yOverZ * z, Z: z}
}

// PointToPixel projects a 3D point in the camera frame to a (sub-pixel) image
// plane position. Points at or behind the camera plane project to (-1, -1) so
// that bounds checks filter them out.
func (params *PinholeCameraIntrinsics) PointToPixel(pt r3.Vector) r2.Point {
	if pt.Z > 0. {
		return r2.Point{
			X: (pt.X/pt.Z)*params.Fx + params.Ppx,
			Y: (pt.Y/pt.Z)*params.Fy + params.Ppy,
		}
	}
	return r2.Point{X: -1.0, Y: -1.0}
}

// InBounds reports whether the projected position lies inside the image,
// leaving a one pixel border so bilinear lookups stay valid.
func (params *PinholeCameraIntrinsics) InBounds(pt r2.Point) bool {
	return pt.X >= 0 && pt.Y >= 0 &&
		pt.X < float64(params.Width-1) && pt.Y < float64(params.Height-1)
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// Round rounds a sub-pixel position to integer pixel coordinates.
func Round(pt r2.Point) (int, int) {
	return int(math.Round(pt.X)), int(math.Round(pt.Y))
}
