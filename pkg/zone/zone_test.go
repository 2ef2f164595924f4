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

package zone

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const wmnetFragment = `
; Eqiad
$ORIGIN eqiad.wmnet.
icinga          1H  IN CNAME   alert1001.wikimedia.org.
puppet          1H  IN CNAME   puppetmaster1001
alert1001       1H  IN A       10.64.0.85

$ORIGIN codfw.wmnet.
icinga          1H  IN CNAME   alert2001.wikimedia.org.
`

func TestExtractOriginSection(t *testing.T) {
	pairs, err := Extract(strings.NewReader(wmnetFragment), "wmnet", "eqiad")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expect := []CNAMEPair{
		{Alias: "icinga", Target: "alert1001.wikimedia.org.", Domain: "eqiad.wmnet"},
		{Alias: "puppet", Target: "puppetmaster1001", Domain: "eqiad.wmnet"},
	}
	if !reflect.DeepEqual(pairs, expect) {
		t.Errorf("expected %v, got %v", expect, pairs)
	}
}

func TestExtractSecondSection(t *testing.T) {
	pairs, err := Extract(strings.NewReader(wmnetFragment), "wmnet", "codfw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expect := []CNAMEPair{
		{Alias: "icinga", Target: "alert2001.wikimedia.org.", Domain: "codfw.wmnet"},
	}
	if !reflect.DeepEqual(pairs, expect) {
		t.Errorf("expected %v, got %v", expect, pairs)
	}
}

func TestExtractNoMatchingOrigin(t *testing.T) {
	pairs, err := Extract(strings.NewReader(wmnetFragment), "wmnet", "esams")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 0 {
		t.Errorf("expected no pairs, got %v", pairs)
	}
}

func TestExtractWholeFile(t *testing.T) {
	input := `
icinga          1H  IN CNAME   alert1001
www             1H  IN CNAME   webserver.external.example.
alert1001       1H  IN A       208.80.154.88
`
	pairs, err := Extract(strings.NewReader(input), "wikimedia.org", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expect := []CNAMEPair{
		{Alias: "icinga", Target: "alert1001", Domain: "wikimedia.org"},
		{Alias: "www", Target: "webserver.external.example.", Domain: "wikimedia.org"},
	}
	if !reflect.DeepEqual(pairs, expect) {
		t.Errorf("expected %v, got %v", expect, pairs)
	}
}

func TestExtractWholeFileSpansSections(t *testing.T) {
	// Without a requested origin every section contributes, and the domain
	// stays the fragment name.
	pairs, err := Extract(strings.NewReader(wmnetFragment), "wmnet", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("expected 3 pairs, got %v", pairs)
	}
	for _, p := range pairs {
		if p.Domain != "wmnet" {
			t.Errorf("expected domain wmnet, got %q", p.Domain)
		}
	}
}

func TestExtractParseErrorKeepsPairs(t *testing.T) {
	input := `
$ORIGIN eqiad.wmnet.
icinga          1H  IN CNAME   alert1001
this is not a zone record at all @@@
`
	pairs, err := Extract(strings.NewReader(input), "wmnet", "eqiad")
	if err == nil {
		t.Fatal("expected a parse error")
	}
	expect := []CNAMEPair{
		{Alias: "icinga", Target: "alert1001", Domain: "eqiad.wmnet"},
	}
	if !reflect.DeepEqual(pairs, expect) {
		t.Errorf("expected %v, got %v", expect, pairs)
	}
}

func TestExtractFileMissing(t *testing.T) {
	_, err := ExtractFile(filepath.Join(t.TempDir(), "no-such-zone"), "eqiad")
	if !os.IsNotExist(err) {
		t.Fatalf("expected a not-exist error, got: %v", err)
	}
}

func TestExtractFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wmnet")
	if err := os.WriteFile(path, []byte(wmnetFragment), 0644); err != nil {
		t.Fatal(err)
	}

	pairs, err := ExtractFile(path, "codfw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 1 || pairs[0].Alias != "icinga" {
		t.Errorf("unexpected pairs: %v", pairs)
	}
}

func TestOriginMatches(t *testing.T) {
	cases := []struct {
		label  string
		origin string
		exp    bool
	}{
		{"eqiad.wmnet.", "eqiad", true},
		{"eqiad.wmnet.", "eqiad.wmnet", true},
		{"eqiad.wmnet.", "eqiad.wmnet.", true},
		{"codfw.wmnet.", "eqiad", false},
		{"eqiad.wmnet.", "eqia", false},
		{"eqiad.", "eqiad", true},
	}

	for _, tc := range cases {
		if got := originMatches(tc.label, tc.origin); got != tc.exp {
			t.Errorf("originMatches(%q, %q): expected %v, got %v", tc.label, tc.origin, tc.exp, got)
		}
	}
}

func TestRelativeTo(t *testing.T) {
	cases := []struct {
		fqdn   string
		origin string
		exp    string
	}{
		{"icinga.eqiad.wmnet.", "eqiad.wmnet.", "icinga"},
		{"alert1001.wikimedia.org.", "eqiad.wmnet.", "alert1001.wikimedia.org."},
		{"eqiad.wmnet.", "eqiad.wmnet.", "eqiad.wmnet."},
		{"a.b.eqiad.wmnet.", "eqiad.wmnet.", "a.b"},
		{"anything.example.", ".", "anything.example."},
	}

	for _, tc := range cases {
		if got := relativeTo(tc.fqdn, tc.origin); got != tc.exp {
			t.Errorf("relativeTo(%q, %q): expected %q, got %q", tc.fqdn, tc.origin, tc.exp, got)
		}
	}
}
