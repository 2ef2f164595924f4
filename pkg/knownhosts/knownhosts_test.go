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

package knownhosts

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// A real ed25519 public key so PublicKey() can round-trip it.
const ed25519Key = "AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl"

func TestParseLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		exp  Record
		fail bool
	}{{
		name: "single hostname",
		line: "bast1003.wikimedia.org ssh-ed25519 AAAAbast",
		exp: Record{
			Hostnames:   []string{"bast1003.wikimedia.org"},
			KeyType:     "ssh-ed25519",
			KeyMaterial: "AAAAbast",
		},
	}, {
		name: "hostname aliases and address",
		line: "bast1003.wikimedia.org,bast1003,208.80.153.54 ssh-ed25519 AAAAbast",
		exp: Record{
			Hostnames:   []string{"bast1003.wikimedia.org", "bast1003", "208.80.153.54"},
			KeyType:     "ssh-ed25519",
			KeyMaterial: "AAAAbast",
		},
	}, {
		name: "trailing comment rides along",
		line: "host.wmnet ssh-rsa AAAArsa root@host",
		exp: Record{
			Hostnames:   []string{"host.wmnet"},
			KeyType:     "ssh-rsa",
			KeyMaterial: "AAAArsa root@host",
		},
	}, {
		name: "tab separated",
		line: "host.wmnet\tssh-rsa\tAAAArsa",
		exp: Record{
			Hostnames:   []string{"host.wmnet"},
			KeyType:     "ssh-rsa",
			KeyMaterial: "AAAArsa",
		},
	}, {
		name: "hashed hostname",
		line: "|1|salt|hash ssh-rsa AAAArsa",
		exp: Record{
			Hostnames:   []string{"|1|salt|hash"},
			KeyType:     "ssh-rsa",
			KeyMaterial: "AAAArsa",
		},
	}, {
		name: "blank",
		line: "",
		fail: true,
	}, {
		name: "comment",
		line: "# a comment",
		fail: true,
	}, {
		name: "two fields",
		line: "host.wmnet ssh-rsa",
		fail: true,
	}, {
		name: "one field",
		line: "host.wmnet",
		fail: true,
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := ParseLine(tc.line)
			if err != nil {
				if !tc.fail {
					t.Fatalf("unexpected error: %v", err)
				}
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got: %v", err)
				}
				return
			}
			if tc.fail {
				t.Fatal("unexpected success")
			}
			if !reflect.DeepEqual(rec, tc.exp) {
				t.Errorf("expected %+v, got %+v", tc.exp, rec)
			}
		})
	}
}

func TestNormalized(t *testing.T) {
	cases := []struct {
		line string
		exp  string
	}{{
		line: "host.wmnet ssh-rsa AAAArsa",
		exp:  "host.wmnet ssh-rsa AAAArsa",
	}, {
		line: "host.wmnet,host,10.64.0.1 ssh-rsa AAAArsa",
		exp:  "host.wmnet ssh-rsa AAAArsa",
	}, {
		line: "host.wmnet,10.64.0.1 ssh-rsa AAAArsa root@host",
		exp:  "host.wmnet ssh-rsa AAAArsa root@host",
	}}

	for _, tc := range cases {
		rec, err := ParseLine(tc.line)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.line, err)
		}
		if got := rec.Normalized().Line(); got != tc.exp {
			t.Errorf("%q: expected %q, got %q", tc.line, tc.exp, got)
		}
	}
}

func TestMatches(t *testing.T) {
	cases := []struct {
		hosts  string
		target string
		exp    bool
	}{
		{"bast1.example.com.,10.0.0.1", "bast1.example.com", true},
		{"bast1.example.com,10.0.0.1", "bast1.example.com.", true},
		{"bast1.example.com.", "bast1.example.com.", true},
		{"bast1.example.com", "bast1.example.com", true},
		{"10.0.0.1,bast1.example.com", "bast1.example.com", true},
		{"bast1.example.com", "bast1.example", false},
		{"bast10.example.com", "bast1.example.com", false},
		{"bast1.example.com", "bast1", false},
	}

	for _, tc := range cases {
		rec, err := ParseLine(tc.hosts + " ssh-rsa AAAArsa")
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.hosts, err)
		}
		if got := rec.Matches(tc.target); got != tc.exp {
			t.Errorf("%q vs %q: expected %v, got %v", tc.hosts, tc.target, tc.exp, got)
		}
	}
}

func TestPublicKey(t *testing.T) {
	rec := Record{
		Hostnames:   []string{"github.com"},
		KeyType:     "ssh-ed25519",
		KeyMaterial: ed25519Key,
	}
	key, err := rec.PublicKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.Type() != "ssh-ed25519" {
		t.Errorf("expected key type ssh-ed25519, got %q", key.Type())
	}

	rec.KeyMaterial = "not-base64!"
	if _, err := rec.PublicKey(); err == nil {
		t.Error("expected an error for junk key material")
	}
}

func TestParse(t *testing.T) {
	input := strings.Join([]string{
		"# fleet known hosts",
		"",
		"bast1003.wikimedia.org,bast1003 ssh-ed25519 AAAAbast",
		"brokenline onlytwofields",
		"alert1001.wikimedia.org ssh-rsa AAAAalert",
		"",
	}, "\n")

	f, skips, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", f.Len())
	}
	if len(skips) != 1 {
		t.Fatalf("expected 1 skip, got %d", len(skips))
	}
	if skips[0].Line != 4 {
		t.Errorf("expected skip at line 4, got %d", skips[0].Line)
	}
	if !errors.Is(skips[0].Err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got: %v", skips[0].Err)
	}
}

func TestFileNormalizeAndBytes(t *testing.T) {
	input := strings.Join([]string{
		"bast1003.wikimedia.org,bast1003,208.80.153.54 ssh-ed25519 AAAAbast",
		"alert1001.wikimedia.org,10.64.0.85 ssh-rsa AAAAalert root@alert1001",
	}, "\n")

	f, _, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.Normalize()

	expect := strings.Join([]string{
		"bast1003.wikimedia.org ssh-ed25519 AAAAbast",
		"alert1001.wikimedia.org ssh-rsa AAAAalert root@alert1001",
		"",
	}, "\n")
	if got := string(f.Bytes()); got != expect {
		t.Errorf("expected:\n%s\ngot:\n%s", expect, got)
	}
}

func TestFileMatches(t *testing.T) {
	input := strings.Join([]string{
		"host.wmnet ssh-rsa AAAAone",
		"other.wmnet ssh-rsa AAAAtwo",
		"host.wmnet. ssh-rsa AAAAthree",
	}, "\n")

	f, _, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := f.Matches("nosuch.wmnet"); len(got) != 0 {
		t.Errorf("expected no matches, got %d", len(got))
	}
	if got := f.Matches("other.wmnet"); len(got) != 1 {
		t.Errorf("expected 1 match, got %d", len(got))
	}
	// Dotted and non-dotted forms of the same name both match.
	if got := f.Matches("host.wmnet"); len(got) != 2 {
		t.Errorf("expected 2 matches, got %d", len(got))
	}
}

func TestFileBytesEmpty(t *testing.T) {
	f := &File{}
	if got := f.Bytes(); len(got) != 0 {
		t.Errorf("expected no bytes, got %q", got)
	}
}
