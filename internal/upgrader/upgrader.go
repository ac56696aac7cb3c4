// ============================================================================
// Format Upgrader
// ============================================================================
//
// Package: internal/upgrader
// File: upgrader.go
// Purpose: Turns a project identifier into a current-schema project document.
//
// Flow:
//   Fetcher.Fetch(id)          raw bytes (HTTP or local directory)
//     ↓
//   blockgraph.DetectVersion   1 / 2 / 3
//     ↓
//   3 → returned unchanged
//   2 → Converter.Convert (external command), result must detect as 3
//   1 → rejected, no converter exists for the binary format
//
// Every failure returned from Normalize is a NormalizeError for the caller;
// this package only reports the cause.
//
// ============================================================================

package upgrader

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/blockseq/internal/blockgraph"
	"github.com/ChuLiYu/blockseq/pkg/types"
)

var (
	// ErrLegacyFormat means the project uses the binary schema 1 format.
	ErrLegacyFormat = errors.New("schema 1 projects cannot be upgraded")
	// ErrNoConverter means a schema 2 project arrived without a converter configured.
	ErrNoConverter = errors.New("no converter configured for schema 2")
	// ErrConvert means the converter failed or produced something other than schema 3.
	ErrConvert = errors.New("conversion failed")
)

// Fetcher retrieves a project's raw document.
type Fetcher interface {
	Fetch(ctx context.Context, id types.ProjectID) ([]byte, error)
}

// Converter upgrades a schema 2 document to schema 3.
type Converter interface {
	Convert(ctx context.Context, id types.ProjectID, body []byte) ([]byte, error)
}

// Document is a normalized project body plus the version it arrived in.
type Document struct {
	Body          []byte
	SourceVersion int
}

// Upgrader combines a Fetcher and an optional Converter.
type Upgrader struct {
	fetcher   Fetcher
	converter Converter
}

// New creates an Upgrader. converter may be nil.
func New(fetcher Fetcher, converter Converter) *Upgrader {
	return &Upgrader{fetcher: fetcher, converter: converter}
}

// Normalize fetches the project and brings it to the current schema.
func (u *Upgrader) Normalize(ctx context.Context, id types.ProjectID) (Document, error) {
	body, err := u.fetcher.Fetch(ctx, id)
	if err != nil {
		return Document{}, err
	}

	version, err := blockgraph.DetectVersion(body)
	if err != nil {
		return Document{}, err
	}

	switch version {
	case blockgraph.Current:
		return Document{Body: body, SourceVersion: version}, nil

	case 2:
		if u.converter == nil {
			return Document{SourceVersion: version}, ErrNoConverter
		}
		converted, err := u.converter.Convert(ctx, id, body)
		if err != nil {
			return Document{SourceVersion: version}, err
		}
		if v, err := blockgraph.DetectVersion(converted); err != nil || v != blockgraph.Current {
			return Document{SourceVersion: version}, fmt.Errorf("%w: converter output is not schema %d", ErrConvert, blockgraph.Current)
		}
		return Document{Body: converted, SourceVersion: version}, nil

	default:
		return Document{SourceVersion: version}, ErrLegacyFormat
	}
}
