// Package fcs parses FCS (Flow Cytometry Standard) files: the ASCII
// header, the delimited TEXT segment, and the binary DATA segment.
package fcs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Magic is the byte sequence every FCS file starts with.
var Magic = []byte("FCS")

// headerSize covers the version string and the three segment offset pairs.
const headerSize = 58

// Parameter describes one measurement channel of an FCS file.
type Parameter struct {
	Index     int    `json:"index"`
	ShortName string `json:"pnn"`     // $PnN
	StainName string `json:"pns"`     // $PnS
	Range     int    `json:"range"`   // $PnR
	Display   string `json:"display"` // LIN or LOG, from $PnE
}

// Metadata is the parsed summary of an FCS file.
type Metadata struct {
	Version         string      `json:"version"`
	TotalEvents     int         `json:"total_events"`
	TotalParameters int         `json:"total_parameters"`
	Parameters      []Parameter `json:"parameters"`
}

// Parser extracts metadata from an FCS file on disk. The upload finalizer
// depends on this interface so tests can substitute failing parsers.
type Parser interface {
	Parse(path string) (*Metadata, error)
}

// FlowParser is the standard Parser implementation.
type FlowParser struct{}

// ValidateHeader checks that data begins with the FCS magic bytes.
// It is used to reject non-FCS payloads on the first uploaded chunk
// before any further bytes are accepted.
func ValidateHeader(data []byte) error {
	if len(data) < len(Magic) {
		return fmt.Errorf("payload too small to validate FCS header (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:len(Magic)], Magic) {
		return fmt.Errorf("missing FCS magic header")
	}
	return nil
}

// Parse reads the FCS header and TEXT segment and returns file metadata.
func (FlowParser) Parse(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fcs file: %w", err)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("read fcs header: %w", err)
	}
	if err := ValidateHeader(header); err != nil {
		return nil, err
	}

	version := strings.TrimSpace(string(header[:10]))

	textBegin, err := headerOffset(header, 10)
	if err != nil {
		return nil, fmt.Errorf("text segment begin: %w", err)
	}
	textEnd, err := headerOffset(header, 18)
	if err != nil {
		return nil, fmt.Errorf("text segment end: %w", err)
	}
	if textEnd <= textBegin {
		return nil, fmt.Errorf("invalid text segment offsets %d..%d", textBegin, textEnd)
	}

	keywords, err := readTextSegment(f, textBegin, textEnd)
	if err != nil {
		return nil, err
	}

	totalEvents, err := keywordInt(keywords, "$TOT")
	if err != nil {
		return nil, err
	}
	totalParams, err := keywordInt(keywords, "$PAR")
	if err != nil {
		return nil, err
	}

	params := make([]Parameter, 0, totalParams)
	for i := 1; i <= totalParams; i++ {
		pnn := keywords[fmt.Sprintf("$P%dN", i)]
		if pnn == "" {
			pnn = fmt.Sprintf("P%d", i)
		}
		pns := keywords[fmt.Sprintf("$P%dS", i)]
		if pns == "" {
			pns = pnn
		}
		pnr, _ := strconv.Atoi(keywords[fmt.Sprintf("$P%dR", i)])

		params = append(params, Parameter{
			Index:     i,
			ShortName: pnn,
			StainName: pns,
			Range:     pnr,
			Display:   displayType(keywords[fmt.Sprintf("$P%dE", i)]),
		})
	}

	return &Metadata{
		Version:         version,
		TotalEvents:     totalEvents,
		TotalParameters: totalParams,
		Parameters:      params,
	}, nil
}

// displayType maps a $PnE amplification keyword to LIN or LOG.
// "0,0" (or absent) means linear; any other exponent means log display.
func displayType(pne string) string {
	pne = strings.TrimSpace(pne)
	if pne == "" || pne == "0,0" {
		return "LIN"
	}
	return "LOG"
}

// headerOffset parses one 8-byte right-justified ASCII offset field.
func headerOffset(header []byte, pos int) (int64, error) {
	field := strings.TrimSpace(string(header[pos : pos+8]))
	if field == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse header offset %q: %w", field, err)
	}
	return n, nil
}

// readTextSegment reads the delimited TEXT segment and returns its
// keyword/value pairs. The first byte of the segment is the delimiter.
func readTextSegment(f *os.File, begin, end int64) (map[string]string, error) {
	buf := make([]byte, end-begin+1)
	if _, err := f.ReadAt(buf, begin); err != nil {
		return nil, fmt.Errorf("read text segment: %w", err)
	}

	delim := buf[0]
	fields := strings.Split(string(buf[1:]), string(delim))

	keywords := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key := strings.ToUpper(strings.TrimSpace(fields[i]))
		if key == "" {
			continue
		}
		keywords[key] = strings.TrimSpace(fields[i+1])
	}
	return keywords, nil
}

// keywordInt extracts a required integer keyword.
func keywordInt(keywords map[string]string, key string) (int, error) {
	raw, ok := keywords[key]
	if !ok {
		return 0, fmt.Errorf("missing required keyword %s", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("keyword %s: %w", key, err)
	}
	return n, nil
}

// readEvents decodes the DATA segment into column-major float64 slices,
// one per parameter. Only floating-point data types ($DATATYPE F and D)
// are supported.
func readEvents(f *os.File, keywords map[string]string, header []byte, events, params int) ([][]float64, error) {
	dataBegin, err := headerOffset(header, 26)
	if err != nil {
		return nil, err
	}
	dataEnd, err := headerOffset(header, 34)
	if err != nil {
		return nil, err
	}
	// FCS 3.x files larger than the 8-digit header fields record the data
	// offsets in TEXT keywords instead.
	if dataBegin == 0 || dataEnd == 0 {
		if dataBegin, err = keywordInt64(keywords, "$BEGINDATA"); err != nil {
			return nil, err
		}
		if dataEnd, err = keywordInt64(keywords, "$ENDDATA"); err != nil {
			return nil, err
		}
	}
	if dataEnd <= dataBegin {
		return nil, fmt.Errorf("invalid data segment offsets %d..%d", dataBegin, dataEnd)
	}

	datatype := strings.ToUpper(keywords["$DATATYPE"])
	var width int64
	switch datatype {
	case "F":
		width = 4
	case "D":
		width = 8
	default:
		return nil, fmt.Errorf("unsupported $DATATYPE %q (only F and D)", datatype)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if strings.HasPrefix(keywords["$BYTEORD"], "4,3,2,1") || strings.HasPrefix(keywords["$BYTEORD"], "2,1") {
		order = binary.BigEndian
	}

	need := int64(events) * int64(params) * width
	if avail := dataEnd - dataBegin + 1; avail < need {
		return nil, fmt.Errorf("data segment too small: have %d bytes, need %d", avail, need)
	}

	raw := make([]byte, need)
	if _, err := f.ReadAt(raw, dataBegin); err != nil {
		return nil, fmt.Errorf("read data segment: %w", err)
	}

	columns := make([][]float64, params)
	for p := range columns {
		columns[p] = make([]float64, events)
	}

	pos := 0
	for e := 0; e < events; e++ {
		for p := 0; p < params; p++ {
			var v float64
			if width == 4 {
				v = float64(math.Float32frombits(order.Uint32(raw[pos:])))
			} else {
				v = math.Float64frombits(order.Uint64(raw[pos:]))
			}
			columns[p][e] = v
			pos += int(width)
		}
	}
	return columns, nil
}

// keywordInt64 extracts a required int64 keyword.
func keywordInt64(keywords map[string]string, key string) (int64, error) {
	n, err := keywordInt(keywords, key)
	return int64(n), err
}
