package visual

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/segment"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

// OfficeFormat is a structured document family that skips the vision service.
type OfficeFormat string

const (
	OfficeNone         OfficeFormat = ""
	OfficeSpreadsheet  OfficeFormat = "spreadsheet"
	OfficeWord         OfficeFormat = "word"
	OfficePresentation OfficeFormat = "presentation"
)

const (
	syntheticConfidence = 0.9
	sampleRows          = 5
)

// DetectOffice classifies a document by file extension, falling back to its type.
func DetectOffice(fileName, docType string) OfficeFormat {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm", ".xls", ".csv":
		return OfficeSpreadsheet
	case ".docx", ".doc":
		return OfficeWord
	case ".pptx", ".ppt":
		return OfficePresentation
	}

	t := strings.ToLower(docType)
	switch {
	case strings.Contains(t, "excel"), strings.Contains(t, "spreadsheet"), strings.Contains(t, "sheet"):
		return OfficeSpreadsheet
	case strings.Contains(t, "word"):
		return OfficeWord
	case strings.Contains(t, "powerpoint"), strings.Contains(t, "presentation"):
		return OfficePresentation
	}
	return OfficeNone
}

// sheet is a spreadsheet tab reduced to what classification needs.
type sheet struct {
	Name     string
	Headers  []string
	RowCount int
	Sample   [][]string
}

// SyntheticBuilder derives visual assets from structured office content.
type SyntheticBuilder struct {
	sink             *Sink
	extractorVersion string
	logger           *observability.Logger
}

// NewSyntheticBuilder creates a builder writing through sink.
func NewSyntheticBuilder(sink *Sink, extractorVersion string, logger *observability.Logger) *SyntheticBuilder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SyntheticBuilder{sink: sink, extractorVersion: extractorVersion, logger: logger.WithOperation("synthetic_assets")}
}

// Build writes one asset per sheet, section or slide of doc. file holds the
// original bytes when available; spreadsheets are read from it directly.
func (b *SyntheticBuilder) Build(ctx context.Context, doc *storage.Document, format OfficeFormat, file []byte) (Result, error) {
	var records []*AssetRecord
	switch format {
	case OfficeSpreadsheet:
		records = b.spreadsheetRecords(doc, file)
	case OfficeWord:
		records = b.textRecords(doc, "section", wordSections(doc.FullContent), "")
	case OfficePresentation:
		records = b.textRecords(doc, "slide", slideTexts(doc.FullContent), "")
	default:
		return Result{}, fmt.Errorf("unsupported office format %q", format)
	}

	res := Result{Pages: len(records)}
	for _, rec := range records {
		saved, err := b.sink.Save(ctx, rec)
		if err != nil {
			b.logger.Error().Err(err).Str("document_id", doc.ID).Int("page_index", rec.Asset.PageIndex).Msg("failed to persist synthetic asset")
			res.PersistErrors++
			continue
		}
		res.Assets++
		if saved.LinkInserted {
			res.LinksInserted++
		}
	}

	b.logger.Info().
		Str("document_id", doc.ID).
		Str("format", string(format)).
		Int("assets", res.Assets).
		Msg("synthetic assets built")

	if res.PersistErrors > 0 {
		return res, fmt.Errorf("%d synthetic assets failed to persist", res.PersistErrors)
	}
	return res, nil
}

func (b *SyntheticBuilder) spreadsheetRecords(doc *storage.Document, file []byte) []*AssetRecord {
	sheets := readWorkbook(file)
	if len(sheets) == 0 {
		sheets = contentSheets(doc.FullContent)
	}

	records := make([]*AssetRecord, 0, len(sheets))
	for i, sh := range sheets {
		var text strings.Builder
		text.WriteString(sh.Name)
		text.WriteString("\n")
		text.WriteString(strings.Join(sh.Headers, " "))
		for _, row := range sh.Sample {
			text.WriteString("\n")
			text.WriteString(strings.Join(row, " "))
		}
		body := strings.TrimSpace(text.String())

		key := segmentKeyWithBias(nil, nil, segment.Financials, body)
		structured := storage.JSONMap{
			"sheet":     sh.Name,
			"headers":   sh.Headers,
			"row_count": sh.RowCount,
			"source":    "structured_content",
		}
		records = append(records, b.record(doc, i, storage.AssetTable, "sheet:"+sh.Name, key, body, structured,
			storage.JSONMap{"source": "structured_content", "sheet": sh.Name}))
	}
	return records
}

func (b *SyntheticBuilder) textRecords(doc *storage.Document, unit string, texts []titledText, bias segment.Key) []*AssetRecord {
	records := make([]*AssetRecord, 0, len(texts))
	for i, t := range texts {
		body := strings.TrimSpace(t.Title + "\n" + t.Text)
		key := segmentKeyWithBias(nil, nil, bias, body)
		structured := storage.JSONMap{
			unit:     i,
			"title":  t.Title,
			"source": "structured_content",
		}
		records = append(records, b.record(doc, i, storage.AssetImageText, fmt.Sprintf("%s:%d:%s", unit, i, t.Title), key, body, structured,
			storage.JSONMap{"source": "structured_content", unit: i}))
	}
	return records
}

func (b *SyntheticBuilder) record(doc *storage.Document, page int, assetType, identity string, key segment.Key, text string, structured, ref storage.JSONMap) *AssetRecord {
	sum := sha256.Sum256([]byte(identity))
	hash := hex.EncodeToString(sum[:])

	ext := storage.VisualExtraction{
		ExtractorVersion: b.extractorVersion,
		StructuredJSON:   structured,
		Confidence:       syntheticConfidence,
	}
	if text != "" {
		ext.OCRText = &text
	}

	ref["segment_key"] = string(key)
	return &AssetRecord{
		Asset: storage.VisualAsset{
			DocumentID:       doc.ID,
			PageIndex:        page,
			AssetType:        assetType,
			BBox:             storage.FullPage,
			ImageHash:        &hash,
			ExtractorVersion: b.extractorVersion,
			Confidence:       syntheticConfidence,
			QualityFlags:     storage.JSONMap{"synthetic": true, "segment_key": string(key)},
		},
		Extraction: ext,
		Ref:        ref,
	}
}

// readWorkbook parses xlsx bytes. Unreadable input yields nil.
func readWorkbook(file []byte) []sheet {
	if len(file) == 0 {
		return nil
	}
	f, err := excelize.OpenReader(bytes.NewReader(file))
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []sheet
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			continue
		}
		sh := sheet{Name: name}
		if len(rows) > 0 {
			sh.Headers = rows[0]
			sh.RowCount = len(rows) - 1
			for _, row := range rows[1:] {
				if len(sh.Sample) == sampleRows {
					break
				}
				sh.Sample = append(sh.Sample, row)
			}
		}
		out = append(out, sh)
	}
	return out
}

// contentSheets reads sheets from extractor content:
// {"sheets": [{"name": ..., "headers": [...], "rows": [[...], ...]}]}.
func contentSheets(content storage.JSONMap) []sheet {
	items, _ := content["sheets"].([]interface{})
	var out []sheet
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name := coerceString(m["name"])
		if name == "" {
			name = coerceString(m["sheet"])
		}
		if name == "" {
			name = fmt.Sprintf("Sheet%d", i+1)
		}
		sh := sheet{Name: name, Headers: coerceStrings(m["headers"])}
		rows, _ := m["rows"].([]interface{})
		sh.RowCount = len(rows)
		if n, ok := coerceNumber(m["row_count"]); ok && len(rows) == 0 {
			sh.RowCount = int(n)
		}
		for _, r := range rows {
			if len(sh.Sample) == sampleRows {
				break
			}
			sh.Sample = append(sh.Sample, coerceCells(r))
		}
		out = append(out, sh)
	}
	return out
}

func coerceCells(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

type titledText struct {
	Title string
	Text  string
}

// wordSections reads {"sections": [{"heading"|"title": ..., "content"|"text": ...}]}.
func wordSections(content storage.JSONMap) []titledText {
	return titledItems(content["sections"], []string{"heading", "title"}, []string{"content", "text"})
}

// slideTexts reads {"slides": [{"title": ..., "text"|"content"|"notes": ...}]}.
func slideTexts(content storage.JSONMap) []titledText {
	return titledItems(content["slides"], []string{"title", "heading"}, []string{"text", "content", "notes"})
}

func titledItems(v interface{}, titleKeys, textKeys []string) []titledText {
	items, _ := v.([]interface{})
	var out []titledText
	for _, item := range items {
		switch it := item.(type) {
		case string:
			out = append(out, titledText{Text: it})
		case map[string]interface{}:
			var t titledText
			for _, k := range titleKeys {
				if t.Title = coerceString(it[k]); t.Title != "" {
					break
				}
			}
			for _, k := range textKeys {
				if t.Text = coerceString(it[k]); t.Text != "" {
					break
				}
			}
			if t.Title == "" && t.Text == "" {
				continue
			}
			out = append(out, t)
		}
	}
	return out
}
