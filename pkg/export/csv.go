// Package export serializes batch results to the fixed CSV format.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/veriflow/logocheck/pkg/types"
)

// Header is the fixed CSV column list, in order
var Header = []string{
	"Image_Path_or_URL",
	"Is_Valid",
	"Confidence",
	"Detected_By",
	"Bounding_Box",
	"Error",
	"Timestamp",
	"Batch_ID",
}

// Results renders a batch's result sequence as CSV. Rows follow
// result-append order; missing fields are empty strings.
func Results(batchID string, results []types.Result) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(Header); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, r := range results {
		row := []string{
			r.Input,
			r.IsValid,
			formatConfidence(r.Confidence),
			r.DetectedBy,
			formatBBox(r.BBox),
			r.Error,
			r.Timestamp.UTC().Format(time.RFC3339),
			batchID,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatConfidence(c *float64) string {
	if c == nil {
		return ""
	}
	return strconv.FormatFloat(*c, 'f', -1, 64)
}

// formatBBox serializes four coordinates as "[x1,y1,x2,y2]"
func formatBBox(bbox []int) string {
	if len(bbox) == 0 {
		return ""
	}
	parts := make([]string, len(bbox))
	for i, v := range bbox {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Parse reads CSV bytes back into result records. Used to verify the
// round trip between a stored result sequence and its export.
func Parse(data []byte) ([]types.Result, error) {
	r := csv.NewReader(bytes.NewReader(data))
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("csv has no header row")
	}

	var results []types.Result
	for _, row := range rows[1:] {
		if len(row) != len(Header) {
			return nil, fmt.Errorf("csv row has %d columns, want %d", len(row), len(Header))
		}

		res := types.Result{
			Input:      row[0],
			IsValid:    row[1],
			DetectedBy: row[3],
			Error:      row[5],
		}
		if row[2] != "" {
			c, err := strconv.ParseFloat(row[2], 64)
			if err != nil {
				return nil, fmt.Errorf("bad confidence %q: %w", row[2], err)
			}
			res.Confidence = &c
		}
		if row[4] != "" {
			bbox, err := parseBBox(row[4])
			if err != nil {
				return nil, err
			}
			res.BBox = bbox
		}
		if row[6] != "" {
			ts, err := time.Parse(time.RFC3339, row[6])
			if err != nil {
				return nil, fmt.Errorf("bad timestamp %q: %w", row[6], err)
			}
			res.Timestamp = ts
		}
		results = append(results, res)
	}
	return results, nil
}

func parseBBox(s string) ([]int, error) {
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := strings.Split(s, ",")

	bbox := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad bounding box %q: %w", s, err)
		}
		bbox[i] = v
	}
	return bbox, nil
}
