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

// Package zone extracts CNAME records from DNS zone-file fragments.  A
// fragment is split into $ORIGIN-delimited sections by a line scan, and
// each selected section is handed to the miekg/dns zone parser with its
// origin.  Only CNAME records are of interest; everything else in the zone
// is ignored.
package zone

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/miekg/dns"
)

// CNAMEPair is one alias->target CNAME extracted from a zone fragment,
// together with the domain under which the alias will be synthesized.
type CNAMEPair struct {
	// Alias is the owner name relative to its section's origin, as written
	// in the zone (e.g. "icinga").
	Alias string
	// Target is the CNAME target.  Targets written as absolute names keep
	// their trailing dot; targets relative to the section origin are
	// reported in their short form.
	Target string
	// Domain qualifies the alias in the synthesized known-hosts entry.
	Domain string
}

// section is a run of zone lines governed by a single origin.
type section struct {
	origin string // fully qualified, with trailing dot
	lines  []string
}

// ExtractFile reads the zone fragment at path and extracts CNAME pairs.
//
// With a non-empty origin, extraction is restricted to the contiguous
// section between the first $ORIGIN directive whose label starts with
// "<origin>." (or equals origin) and the next $ORIGIN directive; the pair
// domain is that directive's label without its trailing dot.  No matching
// directive yields no pairs; that is a silent no-op, not an error.
//
// With an empty origin the whole file is used and the pair domain is the
// file's base name.
//
// A missing file returns os.ErrNotExist (callers treat it as a non-fatal
// skip).  Syntax the zone parser cannot digest is reported alongside any
// pairs already extracted; it does not discard them.
func ExtractFile(path, origin string) ([]CNAMEPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Extract(f, filepath.Base(path), origin)
}

// Extract is ExtractFile on an already-open fragment; name is used both in
// diagnostics and as the domain in whole-file mode.
func Extract(r io.Reader, name, origin string) ([]CNAMEPair, error) {
	sections, err := splitSections(r, name)
	if err != nil {
		return nil, err
	}

	var pairs []CNAMEPair
	var parseErrs []string
	for _, sec := range sections {
		if origin != "" && !originMatches(sec.origin, origin) {
			continue
		}
		domain := strings.TrimSuffix(sec.origin, ".")
		if origin == "" {
			domain = name
		}
		secPairs, err := extractSection(sec, name, domain)
		pairs = append(pairs, secPairs...)
		if err != nil {
			parseErrs = append(parseErrs, err.Error())
		}
		if origin != "" {
			// Only the first matching section forms the requested range.
			break
		}
	}

	if len(parseErrs) > 0 {
		return pairs, fmt.Errorf("zone %s: %s", name, strings.Join(parseErrs, "; "))
	}
	return pairs, nil
}

// splitSections scans the fragment line by line and groups lines under the
// $ORIGIN directive governing them.  Lines before any directive fall under
// an implicit origin derived from the fragment name.
func splitSections(r io.Reader, name string) ([]section, error) {
	sections := []section{{origin: dns.Fqdn(name)}}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "$ORIGIN") {
			fields := strings.Fields(trimmed)
			if len(fields) < 2 {
				continue
			}
			sections = append(sections, section{origin: dns.Fqdn(fields[1])})
			continue
		}
		cur := &sections[len(sections)-1]
		cur.lines = append(cur.lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("can't read zone %s: %w", name, err)
	}

	// The implicit leading section is often empty (files that open with
	// $ORIGIN); drop it so it can't match a requested origin.
	if len(sections[0].lines) == 0 {
		sections = sections[1:]
	}
	return sections, nil
}

// originMatches reports whether a section origin label satisfies the
// requested origin.  The request is typically the leading label(s) of the
// directive ("eqiad" selects "$ORIGIN eqiad.wmnet.").
func originMatches(label, origin string) bool {
	want := strings.TrimSuffix(origin, ".")
	label = strings.TrimSuffix(label, ".")
	return label == want || strings.HasPrefix(label, want+".")
}

// extractSection runs the zone parser over one section and collects CNAME
// pairs.  Owner and target names are mapped back to the form the zone
// author wrote: names under the section origin lose the origin suffix,
// anything else stays absolute.
func extractSection(sec section, name, domain string) ([]CNAMEPair, error) {
	var pairs []CNAMEPair

	text := strings.Join(sec.lines, "\n")
	zp := dns.NewZoneParser(strings.NewReader(text), sec.origin, name)
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		cname, isCNAME := rr.(*dns.CNAME)
		if !isCNAME {
			continue
		}
		alias := relativeTo(cname.Hdr.Name, sec.origin)
		target := relativeTo(cname.Target, sec.origin)
		pairs = append(pairs, CNAMEPair{Alias: alias, Target: target, Domain: domain})
	}
	if err := zp.Err(); err != nil {
		return pairs, fmt.Errorf("parse error: %v", err)
	}
	return pairs, nil
}

// relativeTo strips origin from fqdn when fqdn sits directly under it,
// recovering the short relative name; absolute names outside the origin
// are returned unchanged (trailing dot intact).
func relativeTo(fqdn, origin string) string {
	if origin == "." {
		return fqdn
	}
	if short, found := strings.CutSuffix(fqdn, "."+origin); found && short != "" {
		return short
	}
	return fqdn
}
