// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
)

// ISO-8601 with microseconds and zone offset.
const createdLayout = "2006-01-02T15:04:05.000000Z07:00"

// ErrMalformedRow marks a data row that could not be parsed. The Reader has
// already moved past it, so callers may continue with the next row.
var ErrMalformedRow = errors.New("malformed row")

// Reader reads pulse datasets.
type Reader struct {
	br   *bufio.Reader
	hdr  Header
	line int
}

// Open parses the dataset header and positions the reader at the first row.
func Open(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	hdr, lines, err := readHeader(br)
	if err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	return &Reader{br: br, hdr: hdr, line: lines}, nil
}

// Header returns the parsed header block.
func (rd *Reader) Header() Header {
	return rd.hdr
}

// Next returns the next data row. Comment and blank lines are skipped. It
// returns io.EOF after the last row, and an error wrapping ErrMalformedRow
// for a row that does not parse.
func (rd *Reader) Next() (Record, error) {
	for {
		line, err := rd.br.ReadString('\n')
		if len(line) == 0 && err != nil {
			return Record{}, err
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return Record{}, err
		}
		rd.line++

		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}

		rec, perr := parseRecord(line)
		if perr != nil {
			return Record{}, fmt.Errorf("line %d: %w: %w", rd.line, ErrMalformedRow, perr)
		}
		return rec, nil
	}
}

// ReadPulses reads a whole dataset and groups rows into pulses in file order.
// It is strict: the first malformed row ends the read with an error, unlike
// ScanDataset which skips such rows. To salvage a dataset holding a torn row,
// iterate with a Reader and continue past ErrMalformedRow.
func ReadPulses(r io.Reader) (Header, []Pulse, error) {
	rd, err := Open(r)
	if err != nil {
		return Header{}, nil, err
	}

	var pulses []Pulse
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rd.hdr, pulses, err
		}

		if len(pulses) == 0 || pulses[len(pulses)-1].ID != rec.PulseID {
			pulses = append(pulses, Pulse{RunName: rd.hdr.RunName, ID: rec.PulseID})
		}
		p := &pulses[len(pulses)-1]
		if rec.Index != p.Len() {
			return rd.hdr, pulses, fmt.Errorf("pulse %d: sample index %d out of sequence, expected %d", rec.PulseID, rec.Index, p.Len())
		}
		p.Time = append(p.Time, rec.Time)
		p.Voltage = append(p.Voltage, rec.Voltage)
		p.Current = append(p.Current, rec.Current)
	}

	return rd.hdr, pulses, nil
}

// ReadHeader parses only the leading comment block of a dataset.
func ReadHeader(r io.Reader) (Header, error) {
	hdr, _, err := readHeader(bufio.NewReader(r))
	return hdr, err
}

func readHeader(br *bufio.Reader) (Header, int, error) {
	var hdr Header
	lines := 0
	for {
		b, err := br.Peek(1)
		if errors.Is(err, io.EOF) {
			return hdr, lines, nil
		}
		if err != nil {
			return hdr, lines, err
		}
		if b[0] != '#' {
			return hdr, lines, nil
		}

		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return hdr, lines, err
		}
		lines++
		parseHeaderLine(&hdr, line)
	}
}

func parseHeaderLine(hdr *Header, line string) {
	line = strings.TrimSpace(strings.TrimPrefix(line, "#"))

	switch {
	case strings.HasPrefix(line, "RUN_NAME="):
		hdr.RunName = strings.TrimPrefix(line, "RUN_NAME=")
	case strings.HasPrefix(line, "created="):
		hdr.Created = parseCreated(strings.TrimPrefix(line, "created="))
	case strings.HasPrefix(line, "columns:"):
		cols := strings.Split(strings.TrimSpace(strings.TrimPrefix(line, "columns:")), ",")
		last := strings.TrimSpace(cols[len(cols)-1])
		if strings.HasPrefix(last, "i_") {
			hdr.CurrentUnit = strings.TrimPrefix(last, "i_")
		}
	}
}

func parseCreated(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseRecord(line string) (Record, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return Record{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	var rec Record
	var err error
	if rec.PulseID, err = strconv.Atoi(strings.TrimSpace(fields[0])); err != nil {
		return Record{}, fmt.Errorf("error parsing pulse_id: %w", err)
	}
	if rec.Index, err = strconv.Atoi(strings.TrimSpace(fields[1])); err != nil {
		return Record{}, fmt.Errorf("error parsing sample_idx: %w", err)
	}
	if rec.Time, err = strconv.ParseFloat(strings.TrimSpace(fields[2]), 64); err != nil {
		return Record{}, fmt.Errorf("error parsing time_s: %w", err)
	}
	if rec.Voltage, err = strconv.ParseFloat(strings.TrimSpace(fields[3]), 64); err != nil {
		return Record{}, fmt.Errorf("error parsing u_V: %w", err)
	}
	if rec.Current, err = strconv.ParseFloat(strings.TrimSpace(fields[4]), 64); err != nil {
		return Record{}, fmt.Errorf("error parsing current: %w", err)
	}

	return rec, nil
}

// ScanSummary is the result of a one-time dataset scan at run start.
type ScanSummary struct {
	NextPulseID int // One more than the largest pulse id found, 1 for a new dataset
	MaxPulseID  int // Largest pulse id found, 0 if none
	Rows        int // Data rows whose pulse id parsed
	Skipped     int // Data rows whose leading field did not parse
}

// ScanNextPulseID returns the next free pulse id for the dataset at path.
func ScanNextPulseID(path string) (int, error) {
	s, err := ScanDataset(path)
	if err != nil {
		return 0, err
	}
	return s.NextPulseID, nil
}

// ScanDataset reads every non-comment line of the dataset at path and tracks
// the largest leading pulse id. Lines whose leading field is not an integer
// are counted in Skipped and otherwise ignored. An absent dataset yields
// NextPulseID 1.
func ScanDataset(path string) (ScanSummary, error) {
	summary := ScanSummary{NextPulseID: 1}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return summary, nil
	}
	if err != nil {
		return summary, fmt.Errorf("error opening dataset: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 && line[0] != '#' {
			scanLine(&summary, line)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("error scanning dataset: %w", err)
		}
	}

	summary.NextPulseID = summary.MaxPulseID + 1
	return summary, nil
}

func scanLine(s *ScanSummary, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	field, _, _ := strings.Cut(line, ",")
	id, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		s.Skipped++
		return
	}

	s.Rows++
	if id > s.MaxPulseID {
		s.MaxPulseID = id
	}
}
