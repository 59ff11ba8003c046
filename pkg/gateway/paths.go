package gateway

import (
	"fmt"
	"strconv"

	errs "mediagate/pkg/errors"
	"mediagate/pkg/fetch"
)

// Variant is one media rendition exposed by the API
type Variant int

const (
	ImagePreview Variant = iota
	ImageFull
	VideoPreview
	VideoFull
)

func (v Variant) String() string {
	switch v {
	case ImagePreview:
		return "image/preview"
	case ImageFull:
		return "image/full"
	case VideoPreview:
		return "video/preview"
	case VideoFull:
		return "video/full"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Class reports how the variant is fetched
func (v Variant) Class() fetch.Class {
	if v == VideoPreview || v == VideoFull {
		return fetch.Video
	}
	return fetch.Image
}

// StoragePath derives the upstream path of a post: "{id/1000}/{id}/{id}"
func StoragePath(id int64) string {
	return fmt.Sprintf("%d/%d/%d", id/1000, id, id)
}

// Resolver computes candidate locators from the configured hosts.
// Both URLs carry a trailing slash.
type Resolver struct {
	MainURL string
	CDNURL  string
}

// Candidates returns the locators for a variant in priority order
func (r Resolver) Candidates(v Variant, id int64) []string {
	path := "posts/" + StoragePath(id)
	cdn := r.CDNURL + path
	switch v {
	case ImagePreview:
		return []string{cdn + ".pic256avif.avif", cdn + ".pic256.jpg"}
	case ImageFull:
		return []string{cdn + ".pic.jpg", cdn + ".picsmall.jpg"}
	case VideoPreview:
		return []string{cdn + ".mov256.mp4", r.MainURL + path + ".mov256.mp4"}
	case VideoFull:
		return []string{cdn + ".mov.mp4", cdn + ".mov480.mp4"}
	default:
		return nil
	}
}

// ParseID parses a non-negative post id
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, errs.New(errs.ErrorTypeInvalid, 400, fmt.Sprintf("invalid id %q", s))
	}
	return id, nil
}
