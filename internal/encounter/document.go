// Package encounter defines the clinical domain model for the extraction
// pipeline: source documents, page-range chunks, per-chunk draft encounters,
// and the reconciled records committed at the end of a run.
package encounter

import "fmt"

// Document is an OCR'd medical document handed to the pipeline.
// Immutable once a run starts.
type Document struct {
	ShellFileID string `json:"shell_file_id"`
	PatientID   string `json:"patient_id"`
	Pages       []Page `json:"pages"`
}

// TotalPages returns the number of pages in the document.
func (d *Document) TotalPages() int {
	return len(d.Pages)
}

// Validate checks the document is usable as pipeline input. Pages must be
// present, numbered 1..N in order, with no gaps.
func (d *Document) Validate() error {
	if d.ShellFileID == "" {
		return fmt.Errorf("document missing shell file id")
	}
	if len(d.Pages) == 0 {
		return fmt.Errorf("document %s has no pages", d.ShellFileID)
	}
	for i, p := range d.Pages {
		if p.Number != i+1 {
			return fmt.Errorf("document %s: page %d out of order (expected %d)", d.ShellFileID, p.Number, i+1)
		}
	}
	return nil
}

// Page carries one page of recognized text from upstream OCR.
type Page struct {
	Number      int          `json:"number"`
	Text        string       `json:"text"`
	Confidence  float64      `json:"confidence"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Annotation is a positional text region from the OCR layer.
type Annotation struct {
	Text   string     `json:"text"`
	Bounds [4]float64 `json:"bounds"` // x, y, width, height
}

// Chunk is a contiguous page range processed in one inference call.
type Chunk struct {
	StartPage   int `json:"start_page"`
	EndPage     int `json:"end_page"`
	ChunkNumber int `json:"chunk_number"` // 1-based
	TotalChunks int `json:"total_chunks"`
}

// IsLast reports whether this is the final chunk of the run.
func (c Chunk) IsLast() bool {
	return c.ChunkNumber == c.TotalChunks
}

// PageCount returns the number of pages covered by the chunk.
func (c Chunk) PageCount() int {
	return c.EndPage - c.StartPage + 1
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk %d/%d [%d-%d]", c.ChunkNumber, c.TotalChunks, c.StartPage, c.EndPage)
}

// PageRange is an inclusive page span within the document.
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Valid reports whether the range is well-formed (1-based, start <= end).
func (r PageRange) Valid() bool {
	return r.Start >= 1 && r.End >= r.Start
}

// ContiguousRanges reports whether the ordered ranges form one unbroken span.
// Adjacent or overlapping ranges count as contiguous.
func ContiguousRanges(ranges []PageRange) bool {
	for i := 1; i < len(ranges); i++ {
		if ranges[i].Start > ranges[i-1].End+1 {
			return false
		}
	}
	return true
}
