// Package testutil provides shared test utilities for fcsd tests.
package testutil

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// FCSParam describes one parameter of a synthetic FCS file.
type FCSParam struct {
	Name  string
	Stain string
	Amp   string // $PnE value; empty means linear
}

// BuildFCS builds a valid FCS 3.1 byte stream with the given parameters
// and column-major event data. Every column must have the same length.
func BuildFCS(t *testing.T, params []FCSParam, columns [][]float64) []byte {
	t.Helper()

	if len(params) != len(columns) {
		t.Fatalf("params/columns mismatch: %d vs %d", len(params), len(columns))
	}
	events := 0
	if len(columns) > 0 {
		events = len(columns[0])
	}
	for i, col := range columns {
		if len(col) != events {
			t.Fatalf("column %d has %d events, expected %d", i, len(col), events)
		}
	}

	fields := []string{
		"$TOT", fmt.Sprintf("%d", events),
		"$PAR", fmt.Sprintf("%d", len(params)),
		"$DATATYPE", "F",
		"$BYTEORD", "1,2,3,4",
	}
	for i, p := range params {
		amp := p.Amp
		if amp == "" {
			amp = "0,0"
		}
		stain := p.Stain
		if stain == "" {
			stain = p.Name
		}
		n := i + 1
		fields = append(fields,
			fmt.Sprintf("$P%dN", n), p.Name,
			fmt.Sprintf("$P%dS", n), stain,
			fmt.Sprintf("$P%dR", n), "262144",
			fmt.Sprintf("$P%dE", n), amp,
		)
	}
	text := "/" + strings.Join(fields, "/") + "/"

	const headerSize = 58
	textBegin := headerSize
	textEnd := textBegin + len(text) - 1
	dataBegin := textEnd + 1
	dataEnd := dataBegin + events*len(params)*4 - 1
	if events == 0 {
		dataEnd = dataBegin
	}

	header := fmt.Sprintf("FCS3.1    %8d%8d%8d%8d%8d%8d",
		textBegin, textEnd, dataBegin, dataEnd, 0, 0)
	if len(header) != headerSize {
		t.Fatalf("bad header length %d", len(header))
	}

	out := make([]byte, 0, dataEnd+1)
	out = append(out, header...)
	out = append(out, text...)
	for e := 0; e < events; e++ {
		for p := range params {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(columns[p][e])))
			out = append(out, buf[:]...)
		}
	}
	return out
}

// SampleFCS builds a small three-parameter FCS file with deterministic
// values: FSC-A and SSC-A linear scatter channels plus one log
// fluorescence channel.
func SampleFCS(t *testing.T, events int) []byte {
	t.Helper()

	columns := make([][]float64, 3)
	for p := range columns {
		columns[p] = make([]float64, events)
		for e := 0; e < events; e++ {
			columns[p][e] = float64(e + p*10)
		}
	}
	return BuildFCS(t, []FCSParam{
		{Name: "FSC-A"},
		{Name: "SSC-A"},
		{Name: "FL1-A", Stain: "CD3 FITC", Amp: "4,0"},
	}, columns)
}

// WriteFCSFile writes FCS bytes to a file under dir and returns its path.
func WriteFCSFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write fcs file: %v", err)
	}
	return path
}

// ChunkPayloads splits data into chunkSize pieces, one payload per chunk
// index, mirroring how a client would slice an upload.
func ChunkPayloads(data []byte, chunkSize int64) [][]byte {
	var chunks [][]byte
	for off := int64(0); off < int64(len(data)); off += chunkSize {
		end := off + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}
