// Package orientation makes uploaded photos upright. It reads the EXIF
// orientation tag of JPEG uploads, bakes the rotation and mirroring into the
// pixel grid and re-encodes the result without any metadata.
//
// Everything in this package is a pure function of its input: there is no
// shared state between calls and nothing is cached.
package orientation

import (
	"time"

	"github.com/nexvision/intake/internal/media/sniffer"
)

const (
	// DefaultQuality is the JPEG quality used for general uploads.
	DefaultQuality = 0.92
	// HighQuality is used when the output feeds a generative model.
	HighQuality = 0.95

	// MetadataScanLimit bounds how much of an upload is scanned for the
	// orientation tag. Exif always sits in the first APP segments.
	MetadataScanLimit = 128 << 10
)

// Tag is one of the eight EXIF orientation states.
type Tag int

const (
	TagIdentity Tag = 1
	tagMax      Tag = 8
)

// Transform is the rotation and mirroring that makes a stored image upright.
// Flips are applied to the stored image before it is rotated clockwise by
// Rotate degrees.
type Transform struct {
	Rotate int  `json:"rotate"`
	FlipH  bool `json:"flipH"`
	FlipV  bool `json:"flipV"`
}

// IsIdentity reports whether t leaves the image unchanged.
func (t Transform) IsIdentity() bool {
	return t.Rotate == 0 && !t.FlipH && !t.FlipV
}

// SwapsDimensions reports whether t exchanges width and height.
func (t Transform) SwapsDimensions() bool {
	return t.Rotate == 90 || t.Rotate == 270
}

var transforms = [...]Transform{
	1: {},
	2: {FlipH: true},
	3: {Rotate: 180},
	4: {Rotate: 180, FlipH: true},
	5: {Rotate: 270, FlipH: true},
	6: {Rotate: 90},
	7: {Rotate: 90, FlipH: true},
	8: {Rotate: 270},
}

// Lookup returns the transform for tag. Out of range tags map to identity.
func Lookup(tag Tag) Transform {
	if tag < TagIdentity || tag > tagMax {
		return transforms[TagIdentity]
	}
	return transforms[tag]
}

// RawImage is an uploaded file as received from the client.
type RawImage struct {
	Name      string
	MediaType string
	Data      []byte
}

// IsJPEG reports whether the declared media type marks the upload as JPEG,
// falling back to the file name when no specific type was declared. Only JPEG uploads are scanned for orientation metadata.
func (r RawImage) IsJPEG() bool {
	return sniffer.DeclaresJPEG(r.MediaType, r.Name)
}

// Dimensions are pixel dimensions taken from the decoded image data.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CorrectedImage is an upright, metadata-free JPEG.
type CorrectedImage struct {
	Name       string
	MediaType  string
	Data       []byte
	Width      int
	Height     int
	Tag        Tag
	Applied    Transform
	Fallback   bool
	ModifiedAt time.Time
}

// Info describes the orientation state of an upload.
type Info struct {
	Tag             Tag       `json:"tag"`
	Transform       Transform `json:"transform"`
	NeedsCorrection bool      `json:"needsCorrection"`
}

// Inspect reads the orientation tag of img and resolves its transform.
func Inspect(img RawImage) Info {
	tag := ReadTag(img)
	return Info{
		Tag:             tag,
		Transform:       Lookup(tag),
		NeedsCorrection: tag != TagIdentity,
	}
}

// NeedsCorrection reports whether img carries a non-identity orientation.
// Non-JPEG uploads are never parsed and always report false.
func NeedsCorrection(img RawImage) bool {
	return ReadTag(img) != TagIdentity
}

func (t Tag) String() string {
	switch t {
	case 1:
		return "normal"
	case 2:
		return "mirror-horizontal"
	case 3:
		return "rotate-180"
	case 4:
		return "mirror-vertical"
	case 5:
		return "mirror-horizontal-rotate-270"
	case 6:
		return "rotate-90"
	case 7:
		return "mirror-horizontal-rotate-90"
	case 8:
		return "rotate-270"
	default:
		return "unknown"
	}
}
