// Package exifinfo dumps the full EXIF block of an upload for diagnostics.
// Orientation handling itself lives in the orientation package and does not
// depend on this one.
package exifinfo

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dsoprea/go-exif/v3"
)

// maxTags bounds the dump returned to API clients.
const maxTags = 200

type Tag struct {
	IFD   string `json:"ifd"`
	ID    uint16 `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Dump returns the flattened EXIF tags of data. Images without EXIF yield an
// empty slice and no error.
func Dump(data []byte) ([]Tag, error) {
	raw, err := exif.SearchAndExtractExifWithReader(bytes.NewReader(data))
	switch {
	case errors.Is(err, exif.ErrNoExif):
		return []Tag{}, nil
	case err != nil:
		return nil, fmt.Errorf("exif: search: %w", err)
	}

	entries, _, err := exif.GetFlatExifData(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("exif: parse: %w", err)
	}

	tags := make([]Tag, 0, min(len(entries), maxTags))
	for _, e := range entries {
		if len(tags) == maxTags {
			break
		}
		tags = append(tags, Tag{
			IFD:   e.IfdPath,
			ID:    e.TagId,
			Name:  e.TagName,
			Type:  e.TagTypeName,
			Value: e.Formatted,
		})
	}
	return tags, nil
}

// Orientation returns the Orientation tag value from a dump, if present.
func Orientation(tags []Tag) (string, bool) {
	for _, t := range tags {
		if t.Name == "Orientation" && t.IFD == "IFD" {
			return t.Value, true
		}
	}
	return "", false
}
