package pipeline

import (
	"context"

	"github.com/factline/factline/internal/archive"
	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/objstore"
	"github.com/factline/factline/internal/translate"
)

// MimetypeComputer sniffs content mimetype and encoding.
type MimetypeComputer struct{}

func (MimetypeComputer) Kind() model.Kind { return model.KindContentMimetype }

func (MimetypeComputer) Tool() model.ToolSpec {
	return model.ToolSpec{
		Name:          "factline-mimetype",
		Version:       "1.0.0",
		Configuration: map[string]any{"sniff_bytes": 512},
	}
}

func (MimetypeComputer) Compute(_ context.Context, subject model.Subject, content []byte) ([]model.Row, error) {
	if content == nil {
		return nil, nil
	}
	mt, enc := translate.Mimetype(content)
	return []model.Row{{
		Subject: subject,
		Payload: model.MimetypePayload(mt, enc),
	}}, nil
}

// ContentMetadataComputer extracts intrinsic metadata from content that
// is itself a recognized manifest, currently npm package.json.
type ContentMetadataComputer struct{}

func (ContentMetadataComputer) Kind() model.Kind { return model.KindContentMetadata }

func (ContentMetadataComputer) Tool() model.ToolSpec {
	return model.ToolSpec{
		Name:          "factline-content-metadata",
		Version:       "1.0.0",
		Configuration: map[string]any{"mappings": []any{"npm"}},
	}
}

func (ContentMetadataComputer) Compute(_ context.Context, subject model.Subject, content []byte) ([]model.Row, error) {
	md, ok := translate.PackageJSON(content)
	if !ok {
		return nil, nil
	}
	return []model.Row{{
		Subject: subject,
		Payload: model.MetadataPayload(md, "npm"),
	}}, nil
}

// DirectoryMetadataComputer derives metadata for a directory by
// locating a manifest among its entries and translating it. Directory
// listings come from the graph store, manifest bytes from the object
// store; a graph miss surfaces as a retryable lagging-lookup error so
// the pipeline's bounded backoff gets a chance to see the replica
// catch up.
type DirectoryMetadataComputer struct {
	Graph   archive.Graph
	Objects objstore.Reader
}

func (DirectoryMetadataComputer) Kind() model.Kind { return model.KindDirectoryMetadata }

func (DirectoryMetadataComputer) Tool() model.ToolSpec {
	return model.ToolSpec{
		Name:          "factline-directory-metadata",
		Version:       "1.0.0",
		Configuration: map[string]any{"mappings": []any{"npm"}},
	}
}

func (c DirectoryMetadataComputer) Compute(ctx context.Context, subject model.Subject, _ []byte) ([]model.Row, error) {
	entries, err := c.Graph.Directory(ctx, subject)
	if err != nil {
		return nil, err
	}
	md, ok, err := c.translateManifest(ctx, entries)
	if err != nil || !ok {
		return nil, err
	}
	return []model.Row{{
		Subject: subject,
		Payload: model.MetadataPayload(md, "npm"),
	}}, nil
}

func (c DirectoryMetadataComputer) translateManifest(ctx context.Context, entries []archive.DirEntry) (map[string]any, bool, error) {
	for _, e := range entries {
		if e.Type != "file" || e.Name != "package.json" {
			continue
		}
		content, err := c.Objects.Get(ctx, e.Target)
		if err != nil {
			return nil, false, err
		}
		md, ok := translate.PackageJSON(content)
		return md, ok, nil
	}
	return nil, false, nil
}

// OriginMetadataComputer derives intrinsic metadata for an origin URL
// by resolving its head snapshot's root directory and reusing the
// directory translation.
type OriginMetadataComputer struct {
	Graph   archive.Graph
	Objects objstore.Reader
}

func (OriginMetadataComputer) Kind() model.Kind { return model.KindOriginIntrinsicMetadata }

func (OriginMetadataComputer) Tool() model.ToolSpec {
	return model.ToolSpec{
		Name:          "factline-origin-metadata",
		Version:       "1.0.0",
		Configuration: map[string]any{"mappings": []any{"npm"}},
	}
}

func (c OriginMetadataComputer) Compute(ctx context.Context, origin model.Subject, _ []byte) ([]model.Row, error) {
	dir, err := c.Graph.OriginHead(ctx, origin)
	if err != nil {
		return nil, err
	}
	entries, err := c.Graph.Directory(ctx, dir)
	if err != nil {
		return nil, err
	}
	inner := DirectoryMetadataComputer{Graph: c.Graph, Objects: c.Objects}
	md, ok, err := inner.translateManifest(ctx, entries)
	if err != nil || !ok {
		return nil, err
	}
	payload := model.MetadataPayload(md, "npm")
	payload["from_directory"] = string(dir)
	return []model.Row{{
		Subject: origin,
		Payload: payload,
	}}, nil
}
