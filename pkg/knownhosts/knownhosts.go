/*
Copyright 2025 The knownhosts-sync Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package knownhosts provides a typed representation of SSH known-hosts
// files.  Records are parsed once per line and all further operations work
// on parsed fields, never on raw text prefixes.
package knownhosts

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrMalformed is returned for lines that do not have at least the three
// fields of a known-hosts record (hostnames, key type, key material).
var ErrMalformed = errors.New("malformed known-hosts line")

// Record is one line of a known-hosts file.
type Record struct {
	// Hostnames is the comma-separated first field, split.  Always has at
	// least one element.
	Hostnames []string
	// KeyType is the second field (e.g. "ssh-ed25519").
	KeyType string
	// KeyMaterial is everything after the key type, preserved byte-for-byte
	// (base64 key and any trailing comment).
	KeyMaterial string
}

// ParseLine parses a single known-hosts line into a Record.  Blank lines
// and '#' comments return ErrMalformed wrapped with a description; callers
// that tolerate them should test with IsContent first.
func ParseLine(line string) (Record, error) {
	if !IsContent(line) {
		return Record{}, fmt.Errorf("%w: blank or comment", ErrMalformed)
	}

	rest := strings.TrimRight(line, "\r\n")
	hostField, rest := splitField(rest)
	keyType, keyMaterial := splitField(rest)
	if hostField == "" || keyType == "" || keyMaterial == "" {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}

	return Record{
		Hostnames:   strings.Split(hostField, ","),
		KeyType:     keyType,
		KeyMaterial: keyMaterial,
	}, nil
}

// splitField cuts the leading whitespace-delimited field off s, returning
// the field and the remainder with its leading whitespace removed.
func splitField(s string) (string, string) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t")
}

// IsContent reports whether line holds a record, as opposed to a blank
// line or comment.
func IsContent(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed != "" && !strings.HasPrefix(trimmed, "#")
}

// Normalized returns a copy of the record with only the first hostname
// retained.  Bastion known-hosts files commonly list a host's canonical
// name first, followed by aliases and addresses; only the canonical name
// is kept.  All other fields pass through unchanged.
func (r Record) Normalized() Record {
	return Record{
		Hostnames:   r.Hostnames[:1],
		KeyType:     r.KeyType,
		KeyMaterial: r.KeyMaterial,
	}
}

// Line re-serializes the record as a known-hosts line (no newline).
func (r Record) Line() string {
	return strings.Join(r.Hostnames, ",") + " " + r.KeyType + " " + r.KeyMaterial
}

// Matches reports whether target names this record.  A hostname matches
// when it equals the target after each side is trimmed of at most one
// trailing dot, so an absolute DNS name ("host.example.org.") matches the
// same record as its non-absolute form.
func (r Record) Matches(target string) bool {
	want := strings.TrimSuffix(target, ".")
	for _, h := range r.Hostnames {
		if strings.TrimSuffix(h, ".") == want {
			return true
		}
	}
	return false
}

// PublicKey parses and returns the record's key material.  This is for
// validation and diagnostics; synthesis always reuses the raw bytes.
func (r Record) PublicKey() (ssh.PublicKey, error) {
	_, _, key, _, _, err := ssh.ParseKnownHosts([]byte(r.Line()))
	if err != nil {
		return nil, fmt.Errorf("can't parse key material for %q: %w", r.Hostnames[0], err)
	}
	return key, nil
}

// ParseSkip describes a line that could not be turned into a Record.
type ParseSkip struct {
	Line int // 1-based line number
	Text string
	Err  error
}

// File is an ordered, append-only sequence of Records.  It is built in
// memory and serialized once; the on-disk generations (current, .new,
// .old) are managed by the publish package.
type File struct {
	records []Record
}

// Parse reads a known-hosts stream into a File.  Blank lines and comments
// are dropped silently; malformed record lines are dropped and reported in
// the returned skip list.
func Parse(r io.Reader) (*File, []ParseSkip, error) {
	f := &File{}
	var skips []ParseSkip

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if !IsContent(line) {
			continue
		}
		rec, err := ParseLine(line)
		if err != nil {
			skips = append(skips, ParseSkip{Line: lineno, Text: line, Err: err})
			continue
		}
		f.records = append(f.records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, skips, fmt.Errorf("can't read known-hosts data: %w", err)
	}
	return f, skips, nil
}

// Len returns the number of records.
func (f *File) Len() int {
	return len(f.records)
}

// Records returns the records in order.  The slice is shared; callers must
// not mutate it.
func (f *File) Records() []Record {
	return f.records
}

// Append adds a record at the end of the file.
func (f *File) Append(rec Record) {
	f.records = append(f.records, rec)
}

// Normalize applies Record.Normalized to every record in place.
func (f *File) Normalize() {
	for i := range f.records {
		f.records[i] = f.records[i].Normalized()
	}
}

// Matches returns all records matching target (see Record.Matches).
func (f *File) Matches(target string) []Record {
	var out []Record
	for _, rec := range f.records {
		if rec.Matches(target) {
			out = append(out, rec)
		}
	}
	return out
}

// Bytes serializes the file, one record per line, with a trailing newline
// when the file is non-empty.
func (f *File) Bytes() []byte {
	var buf bytes.Buffer
	for _, rec := range f.records {
		buf.WriteString(rec.Line())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
