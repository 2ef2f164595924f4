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

package merge

import (
	"strings"
	"testing"

	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/knownhosts"
	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/zone"
)

func parseFile(t *testing.T, lines ...string) *knownhosts.File {
	t.Helper()
	f, skips, err := knownhosts.Parse(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}
	return f
}

func TestMergeSynthesizes(t *testing.T) {
	f := parseFile(t,
		"bast1.example.com ssh-ed25519 AAAAbast",
		"host1.example.com ssh-rsa AAAAhost root@host1",
	)

	pairs := []zone.CNAMEPair{
		{Alias: "bast", Target: "bast1.example.com.", Domain: "example.com"},
		{Alias: "svc", Target: "host1.example.com", Domain: "eqiad.wmnet"},
	}
	added, skips := Merge(f, pairs, Options{})
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}
	if len(added) != 2 {
		t.Fatalf("expected 2 added records, got %d", len(added))
	}
	if got := added[0].Line(); got != "bast.example.com ssh-ed25519 AAAAbast" {
		t.Errorf("unexpected record: %q", got)
	}
	// The matched record's trailing fields ride along verbatim.
	if got := added[1].Line(); got != "svc.eqiad.wmnet ssh-rsa AAAAhost root@host1" {
		t.Errorf("unexpected record: %q", got)
	}
	if f.Len() != 4 {
		t.Errorf("expected the file to grow to 4 records, got %d", f.Len())
	}
}

func TestMergeDynaRecord(t *testing.T) {
	f := parseFile(t, "dyna.wikimedia.org ssh-rsa AAAAdyna")

	pairs := []zone.CNAMEPair{
		{Alias: "wiki", Target: "dyna.wikimedia.org.", Domain: "eqiad.wmnet"},
		{Alias: "api", Target: "dyna.wikimedia.org", Domain: "eqiad.wmnet"},
	}
	added, skips := Merge(f, pairs, Options{DynaRecord: "dyna.wikimedia.org."})
	if len(added) != 0 {
		t.Fatalf("expected no records, got %v", added)
	}
	if len(skips) != 2 {
		t.Fatalf("expected 2 skips, got %v", skips)
	}
	for _, s := range skips {
		if s.Reason != SkipDynaRecord {
			t.Errorf("%s: expected reason %q, got %q", s.Pair.Alias, SkipDynaRecord, s.Reason)
		}
	}
}

func TestMergeNoMatch(t *testing.T) {
	f := parseFile(t, "host1.example.com ssh-rsa AAAAhost")

	pairs := []zone.CNAMEPair{
		{Alias: "ghost", Target: "nosuchhost.example.com.", Domain: "example.com"},
	}
	added, skips := Merge(f, pairs, Options{})
	if len(added) != 0 {
		t.Fatalf("expected no records, got %v", added)
	}
	if len(skips) != 1 || skips[0].Reason != SkipNoMatch || skips[0].Matches != 0 {
		t.Fatalf("expected a no-match skip, got %v", skips)
	}
}

func TestMergeAmbiguous(t *testing.T) {
	f := parseFile(t,
		"host1.example.com ssh-rsa AAAAone",
		"host1.example.com. ssh-ed25519 AAAAtwo",
	)

	pairs := []zone.CNAMEPair{
		{Alias: "svc", Target: "host1.example.com", Domain: "example.com"},
	}
	added, skips := Merge(f, pairs, Options{})
	if len(added) != 0 {
		t.Fatalf("expected no records, got %v", added)
	}
	if len(skips) != 1 || skips[0].Reason != SkipAmbiguous || skips[0].Matches != 2 {
		t.Fatalf("expected an ambiguous skip with 2 matches, got %v", skips)
	}
}

func TestMergeChains(t *testing.T) {
	// An alias appended by an earlier pair is a candidate for later pairs.
	f := parseFile(t, "host1.example.com ssh-rsa AAAAhost")

	pairs := []zone.CNAMEPair{
		{Alias: "svc", Target: "host1.example.com.", Domain: "eqiad.wmnet"},
		{Alias: "alias", Target: "svc.eqiad.wmnet.", Domain: "eqiad.wmnet"},
	}
	added, skips := Merge(f, pairs, Options{})
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}
	if len(added) != 2 {
		t.Fatalf("expected 2 records, got %d", len(added))
	}
	if got := added[1].Line(); got != "alias.eqiad.wmnet ssh-rsa AAAAhost" {
		t.Errorf("unexpected record: %q", got)
	}
}

func TestMergeNoDedup(t *testing.T) {
	f := parseFile(t, "host1.example.com ssh-rsa AAAAhost")

	pairs := []zone.CNAMEPair{
		{Alias: "svc", Target: "host1.example.com.", Domain: "example.com"},
		{Alias: "svc", Target: "host1.example.com.", Domain: "example.com"},
	}
	added, skips := Merge(f, pairs, Options{})
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}
	if len(added) != 2 {
		t.Fatalf("expected duplicate records to both survive, got %d", len(added))
	}
	if added[0].Line() != added[1].Line() {
		t.Errorf("expected identical records, got %q and %q", added[0].Line(), added[1].Line())
	}
}

func TestMergeDeterministic(t *testing.T) {
	pairs := []zone.CNAMEPair{
		{Alias: "svc", Target: "host1.example.com.", Domain: "eqiad.wmnet"},
		{Alias: "other", Target: "host2.example.com.", Domain: "eqiad.wmnet"},
	}

	run := func() string {
		f := parseFile(t,
			"host1.example.com ssh-rsa AAAAone",
			"host2.example.com ssh-ed25519 AAAAtwo",
		)
		Merge(f, pairs, Options{})
		return string(f.Bytes())
	}
	if first, second := run(), run(); first != second {
		t.Errorf("expected identical output, got:\n%s\nand:\n%s", first, second)
	}
}
