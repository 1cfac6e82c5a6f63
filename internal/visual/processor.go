package visual

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/dealdecision-ai/ingestion-engine/internal/domain"
	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/queue"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

const extractPayloadSchema = `{
	"type": "object",
	"required": ["document_id", "extractor_version", "image_uris"],
	"properties": {
		"document_id": {"type": "string", "minLength": 1},
		"deal_id": {"type": "string"},
		"extractor_version": {"type": "string", "minLength": 1},
		"image_uris": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
		"page_indexes": {"type": "array", "items": {"type": "integer", "minimum": 0}}
	}
}`

// ExtractPayload is the extract_visuals job payload. PageIndexes, when it
// matches ImageURIs in length, gives the page index of each image.
type ExtractPayload struct {
	DocumentID       string   `json:"document_id"`
	DealID           string   `json:"deal_id,omitempty"`
	ExtractorVersion string   `json:"extractor_version"`
	ImageURIs        []string `json:"image_uris"`
	PageIndexes      []int    `json:"page_indexes,omitempty"`
}

// Result counts what a run produced.
type Result struct {
	Pages         int `json:"pages"`
	EmptyPages    int `json:"empty_pages"`
	Assets        int `json:"assets"`
	LinksInserted int `json:"links_inserted"`
	PersistErrors int `json:"persist_errors"`
}

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	PageConcurrency int
}

// Processor runs extract_visuals jobs.
type Processor struct {
	cfg    ProcessorConfig
	vision Vision
	sink   *Sink
	mapper URIMapper
	schema *jsonschema.Schema
	logger *observability.Logger
}

// NewProcessor creates a visual extraction processor.
func NewProcessor(cfg ProcessorConfig, vision Vision, sink *Sink, mapper URIMapper, logger *observability.Logger) (*Processor, error) {
	if cfg.PageConcurrency <= 0 {
		cfg.PageConcurrency = 2
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	schema, err := compileSchema("extract_visuals.json", extractPayloadSchema)
	if err != nil {
		return nil, err
	}
	return &Processor{
		cfg:    cfg,
		vision: vision,
		sink:   sink,
		mapper: mapper,
		schema: schema,
		logger: logger.WithOperation("extract_visuals"),
	}, nil
}

// Handle is the queue processor for extract_visuals.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	payload, err := p.decode(job.Payload)
	if err != nil {
		job.Tracker.Fail(ctx, err.Error())
		return err
	}

	res, err := p.Extract(ctx, payload, func(done, total int) {
		job.Tracker.Progress(ctx, done*100/total, fmt.Sprintf("processed %d/%d pages", done, total))
	})
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("%d assets from %d pages", res.Assets, res.Pages)
	if res.PersistErrors > 0 {
		return fmt.Errorf("%s; %d assets failed to persist", msg, res.PersistErrors)
	}
	job.Tracker.Succeed(ctx, msg)
	return nil
}

func (p *Processor) decode(raw json.RawMessage) (ExtractPayload, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return ExtractPayload{}, domain.InputError("extract_visuals payload is not JSON", err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return ExtractPayload{}, domain.InputError("invalid extract_visuals payload", err)
	}
	var payload ExtractPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ExtractPayload{}, domain.InputError("invalid extract_visuals payload", err)
	}
	return payload, nil
}

// Extract sends every page to the vision service and persists the assets.
// Pages run concurrently up to the configured limit.
func (p *Processor) Extract(ctx context.Context, payload ExtractPayload, progress func(done, total int)) (Result, error) {
	pages := pagesFor(payload)
	logger := p.logger.WithDocument(payload.DocumentID)

	var (
		mu   sync.Mutex
		res  = Result{Pages: len(pages)}
		done atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.PageConcurrency)
	for _, page := range pages {
		page := page
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pr := p.extractPage(gctx, payload, page)

			mu.Lock()
			res.Assets += pr.Assets
			res.LinksInserted += pr.LinksInserted
			res.PersistErrors += pr.PersistErrors
			if pr.Assets == 0 && pr.PersistErrors == 0 {
				res.EmptyPages++
			}
			mu.Unlock()

			if progress != nil {
				progress(int(done.Add(1)), len(pages))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	logger.Info().
		Int("pages", res.Pages).
		Int("assets", res.Assets).
		Int("links_inserted", res.LinksInserted).
		Int("persist_errors", res.PersistErrors).
		Msg("visual extraction finished")
	return res, nil
}

func (p *Processor) extractPage(ctx context.Context, payload ExtractPayload, page PageImage) Result {
	assets := p.vision.ExtractPage(ctx, VisionRequest{
		DocumentID:       payload.DocumentID,
		PageIndex:        page.PageIndex,
		ImageURI:         page.Path,
		ExtractorVersion: payload.ExtractorVersion,
	})

	var res Result
	for _, a := range assets {
		rec := p.buildRecord(payload, page, a)
		saved, err := p.sink.Save(ctx, rec)
		if err != nil {
			p.logger.Error().
				Err(err).
				Str("document_id", payload.DocumentID).
				Int("page_index", page.PageIndex).
				Msg("failed to persist visual asset")
			res.PersistErrors++
			continue
		}
		res.Assets++
		if saved.LinkInserted {
			res.LinksInserted++
		}
	}
	return res
}

func (p *Processor) buildRecord(payload ExtractPayload, page PageImage, a VisionAsset) *AssetRecord {
	assetType := coerceString(a["asset_type"])
	if assetType == "" {
		assetType = coerceString(a["type"])
	}
	bbox := coerceBBox(a["bbox"])
	confidence := coerceConfidence(a["confidence"])

	var imageURI *string
	for _, key := range []string{"image_uri", "image_path", "crop_path"} {
		if imageURI = p.mapper.Map(coerceString(a[key])); imageURI != nil {
			break
		}
	}
	if imageURI == nil {
		imageURI = p.mapper.Map(page.Path)
	}

	var hash *string
	if h := coerceString(a["image_hash"]); h != "" {
		hash = &h
	}

	flags := coerceMap(a["quality_flags"]).Clone()
	if flags == nil {
		flags = storage.JSONMap{}
	}
	structured := coerceMap(a["structured_json"]).Clone()
	ocr := coerceString(a["ocr_text"])

	key := SegmentKey(flags, structured,
		coerceString(a["title"]), coerceString(a["heading"]),
		coerceString(structured["title"]), coerceString(structured["heading"]),
		ocr,
	)
	flags["segment_key"] = string(key)

	ext := storage.VisualExtraction{
		ExtractorVersion: payload.ExtractorVersion,
		OCRBlocks:        coerceBlocks(a["ocr_blocks"]),
		StructuredJSON:   structured,
		Units:            coerceStrings(a["units"]),
		Labels:           coerceMap(a["labels"]),
		Confidence:       confidence,
	}
	if ocr != "" {
		ext.OCRText = &ocr
	}
	if mv := coerceString(a["model_version"]); mv != "" {
		ext.ModelVersion = &mv
	}

	ref := storage.JSONMap{
		"source":      "vision",
		"asset_type":  normalizeAssetType(assetType),
		"bbox":        bbox,
		"segment_key": string(key),
	}
	if imageURI != nil {
		ref["image_uri"] = *imageURI
	}

	return &AssetRecord{
		Asset: storage.VisualAsset{
			DocumentID:       payload.DocumentID,
			PageIndex:        page.PageIndex,
			AssetType:        normalizeAssetType(assetType),
			BBox:             bbox,
			ImageURI:         imageURI,
			ImageHash:        hash,
			ExtractorVersion: payload.ExtractorVersion,
			Confidence:       confidence,
			QualityFlags:     flags,
		},
		Extraction: ext,
		Ref:        ref,
	}
}

func pagesFor(payload ExtractPayload) []PageImage {
	indexes := payload.PageIndexes
	if len(indexes) != len(payload.ImageURIs) {
		indexes = NormalizePageIndexes(payload.ImageURIs)
	}
	pages := make([]PageImage, len(payload.ImageURIs))
	for i, uri := range payload.ImageURIs {
		pages[i] = PageImage{PageIndex: indexes[i], Path: uri}
	}
	return pages
}
