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

// ErrUnitMismatch is returned when an existing dataset header names a
// different current unit than the run is about to write.
var ErrUnitMismatch = errors.New("dataset current unit mismatch")

// Dataset bundles the fixed parameters of one dataset file.
type Dataset struct {
	Path        string
	RunName     string
	CurrentUnit string
}

// Ensure creates the dataset file with its header if needed.
func (d Dataset) Ensure() error {
	return EnsureDataset(d.Path, d.RunName, d.CurrentUnit)
}

// Scan reads the existing dataset to find the next free pulse id.
func (d Dataset) Scan() (ScanSummary, error) {
	return ScanDataset(d.Path)
}

// Append writes a pulse under the dataset's run name and unit.
func (d Dataset) Append(p Pulse) error {
	p.RunName = d.RunName
	return AppendPulse(d.Path, p, d.CurrentUnit)
}

// EnsureDataset creates the dataset file with a header block iff it is absent
// or empty. An existing header is never rewritten; if it declares a different
// current unit ErrUnitMismatch is returned.
func EnsureDataset(path, runName, currentUnit string) error {
	if strings.ContainsAny(runName, "\r\n") {
		return fmt.Errorf("run name %q must be a single line", runName)
	}

	info, err := os.Stat(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error checking dataset: %w", err)
	}
	if err == nil && info.Size() > 0 {
		return checkHeader(path, currentUnit)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("error creating dataset: %w", err)
	}

	hdr := Header{
		RunName:     runName,
		Created:     time.Now(),
		CurrentUnit: currentUnit,
	}
	if err := writeHeader(f, hdr); err != nil {
		_ = f.Close()
		return fmt.Errorf("error writing header: %w", err)
	}

	return f.Close()
}

func checkHeader(path, currentUnit string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening dataset: %w", err)
	}
	defer f.Close()

	hdr, err := ReadHeader(f)
	if err != nil {
		return fmt.Errorf("error reading header: %w", err)
	}

	// Files without a column line carry no unit to compare against.
	if hdr.CurrentUnit != "" && hdr.CurrentUnit != currentUnit {
		return fmt.Errorf("%w: %s has i_%s, run writes i_%s", ErrUnitMismatch, path, hdr.CurrentUnit, currentUnit)
	}

	return nil
}

func writeHeader(w io.Writer, hdr Header) error {
	writer := bufio.NewWriter(w)

	if _, err := writer.WriteString(fmt.Sprintf("# RUN_NAME=%s\n", hdr.RunName)); err != nil {
		return err
	}
	if _, err := writer.WriteString(fmt.Sprintf("# created=%s\n", hdr.Created.Format(createdLayout))); err != nil {
		return err
	}
	if _, err := writer.WriteString(fmt.Sprintf("# columns: %s\n", hdr.Columns())); err != nil {
		return err
	}

	return writer.Flush()
}

// AppendPulse appends one row per sample of p to the dataset at path in a
// single write. The dataset is created first if it does not exist.
func AppendPulse(path string, p Pulse, currentUnit string) error {
	if err := p.validate(); err != nil {
		return err
	}
	if err := EnsureDataset(path, p.RunName, currentUnit); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("error opening dataset: %w", err)
	}

	terminated, err := endsWithNewline(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("error checking dataset tail: %w", err)
	}

	// Roughly 64 bytes per row at 9 significant digits.
	buf := make([]byte, 0, p.Len()*64+1)
	if !terminated {
		// A torn row from an interrupted write stays on its own line.
		buf = append(buf, '\n')
	}
	for i := 0; i < p.Len(); i++ {
		buf = appendRecord(buf, p.ID, p.Sample(i))
	}

	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("error appending pulse %d: %w", p.ID, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("error syncing pulse %d: %w", p.ID, err)
	}

	return f.Close()
}

// endsWithNewline reports whether f is empty or its last byte is a newline.
func endsWithNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, nil
	}

	var last [1]byte
	if _, err := f.ReadAt(last[:], info.Size()-1); err != nil {
		return false, err
	}
	return last[0] == '\n', nil
}

// appendRecord formats a row as "%d,%d,%.9e,%.9e,%.9e\n".
func appendRecord(buf []byte, pulseID int, s Sample) []byte {
	buf = strconv.AppendInt(buf, int64(pulseID), 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(s.Index), 10)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, s.Time, 'e', 9, 64)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, s.Voltage, 'e', 9, 64)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, s.Current, 'e', 9, 64)
	return append(buf, '\n')
}
