package orientation

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	markerSOI  = 0xFFD8
	markerEOI  = 0xFFD9
	markerSOS  = 0xFFDA
	markerAPP1 = 0xFFE1

	tiffMagic      = 42
	tagOrientation = 0x0112
	typeShort      = 3
	ifdEntrySize   = 12
)

var exifHeader = []byte("Exif\x00\x00")

var (
	errShortBuffer    = errors.New("orientation: unexpected end of data")
	errNotJPEG        = errors.New("orientation: missing start of image marker")
	errBadMarker      = errors.New("orientation: invalid segment marker")
	errBadSegment     = errors.New("orientation: invalid segment length")
	errNoExif         = errors.New("orientation: no exif segment")
	errByteOrder      = errors.New("orientation: invalid tiff byte order")
	errTIFFMagic      = errors.New("orientation: invalid tiff magic")
	errNoOrientation  = errors.New("orientation: orientation tag not present")
	errOrientationFmt = errors.New("orientation: orientation tag is not a single short")
)

// ReadTag returns the EXIF orientation of img. Uploads that are not JPEG, or
// whose metadata is missing, truncated or malformed, report TagIdentity.
func ReadTag(img RawImage) Tag {
	if !img.IsJPEG() {
		return TagIdentity
	}
	tag, err := parseJPEG(img.Data)
	if err != nil {
		return TagIdentity
	}
	return tag
}

// cursor reads fixed-width integers from buf. Every read checks the remaining
// length first and reports errShortBuffer instead of panicking.
type cursor struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.pos
}

func (c *cursor) seek(off uint32) error {
	if uint64(off) > uint64(len(c.buf)) {
		return errShortBuffer
	}
	c.pos = int(off)
	return nil
}

func (c *cursor) skip(n int) error {
	if n < 0 || n > c.remaining() {
		return errShortBuffer
	}
	c.pos += n
	return nil
}

func (c *cursor) next(n int) ([]byte, error) {
	if n < 0 || n > c.remaining() {
		return nil, errShortBuffer
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) uint16() (uint16, error) {
	b, err := c.next(2)
	if err != nil {
		return 0, err
	}
	return c.order.Uint16(b), nil
}

func (c *cursor) uint32() (uint32, error) {
	b, err := c.next(4)
	if err != nil {
		return 0, err
	}
	return c.order.Uint32(b), nil
}

// parseJPEG walks the marker segments of a JPEG stream looking for the Exif
// APP1 segment and returns the orientation stored in its IFD0.
func parseJPEG(data []byte) (Tag, error) {
	if len(data) > MetadataScanLimit {
		data = data[:MetadataScanLimit]
	}
	c := &cursor{buf: data, order: binary.BigEndian}

	soi, err := c.uint16()
	if err != nil {
		return TagIdentity, err
	}
	if soi != markerSOI {
		return TagIdentity, errNotJPEG
	}

	for {
		marker, err := c.uint16()
		if err != nil {
			return TagIdentity, errNoExif
		}
		if marker&0xFF00 != 0xFF00 {
			return TagIdentity, errBadMarker
		}
		if marker == markerSOS || marker == markerEOI {
			return TagIdentity, errNoExif
		}

		length, err := c.uint16()
		if err != nil {
			return TagIdentity, err
		}
		if length < 2 {
			return TagIdentity, errBadSegment
		}
		size := int(length) - 2

		if marker != markerAPP1 {
			if err := c.skip(size); err != nil {
				return TagIdentity, err
			}
			continue
		}

		// An Exif segment cut off by the scan limit still carries its
		// header and IFD0 up front, so parse whatever is available.
		if size > c.remaining() {
			size = c.remaining()
		}
		payload, _ := c.next(size)
		if bytes.HasPrefix(payload, exifHeader) {
			return parseTIFF(payload[len(exifHeader):])
		}
	}
}

// parseTIFF reads the TIFF header at the start of tiff and scans IFD0 for
// the orientation entry.
func parseTIFF(tiff []byte) (Tag, error) {
	c := &cursor{buf: tiff, order: binary.BigEndian}

	order, err := c.next(2)
	if err != nil {
		return TagIdentity, err
	}
	switch string(order) {
	case "II":
		c.order = binary.LittleEndian
	case "MM":
		c.order = binary.BigEndian
	default:
		return TagIdentity, errByteOrder
	}

	magic, err := c.uint16()
	if err != nil {
		return TagIdentity, err
	}
	if magic != tiffMagic {
		return TagIdentity, errTIFFMagic
	}

	ifd0, err := c.uint32()
	if err != nil {
		return TagIdentity, err
	}
	if err := c.seek(ifd0); err != nil {
		return TagIdentity, err
	}

	count, err := c.uint16()
	if err != nil {
		return TagIdentity, err
	}

	for i := 0; i < int(count); i++ {
		if c.remaining() < ifdEntrySize {
			return TagIdentity, errShortBuffer
		}
		id, _ := c.uint16()
		typ, _ := c.uint16()
		n, _ := c.uint32()
		if id != tagOrientation {
			_ = c.skip(4)
			continue
		}
		if typ != typeShort || n != 1 {
			return TagIdentity, errOrientationFmt
		}
		v, _ := c.uint16()
		return clampTag(int(v)), nil
	}

	return TagIdentity, errNoOrientation
}

func clampTag(v int) Tag {
	if v < int(TagIdentity) {
		return TagIdentity
	}
	if v > int(tagMax) {
		return tagMax
	}
	return Tag(v)
}
