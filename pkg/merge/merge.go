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

// Package merge resolves CNAME pairs against a working known-hosts file
// and synthesizes records for the aliases.  The merge is a function of
// (records, pairs) -> (new records, diagnostics); it performs no I/O.
package merge

import (
	"strings"

	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/knownhosts"
	"gitlab.wikimedia.org/repos/sre/knownhosts-sync/pkg/zone"
)

// SkipReason classifies why a CNAME pair produced no record.
type SkipReason string

const (
	// SkipDynaRecord means the target is the shared dynamic-failover
	// record.  It resolves to an active/passive pool, not a stable host
	// identity, so synthesizing a key entry for it would be misleading.
	// This skip is expected and silent.
	SkipDynaRecord SkipReason = "dyna-record"
	// SkipNoMatch means no record in the working file matched the target.
	SkipNoMatch SkipReason = "no-match"
	// SkipAmbiguous means more than one record matched the target.
	SkipAmbiguous SkipReason = "ambiguous"
)

// Skip is a non-fatal diagnostic for one discarded CNAME pair.
type Skip struct {
	Pair    zone.CNAMEPair
	Reason  SkipReason
	Matches int
}

// Options configures a merge.
type Options struct {
	// DynaRecord is the well-known dynamic-failover target to discard.
	// Compared with trailing dots trimmed on both sides.
	DynaRecord string
}

// Merge resolves each pair in order against file and appends a synthesized
// record for every pair whose target matches exactly one record.  The
// returned slice holds just the appended records; skips describe every
// discarded pair.
//
// Matching runs against the file as it grows, so an alias synthesized by
// an earlier pair is visible to later ones, and the same alias can be
// appended more than once across repeated zone passes.  Neither is
// deduplicated; re-running with unchanged inputs reproduces the same
// output byte for byte.
func Merge(file *knownhosts.File, pairs []zone.CNAMEPair, opts Options) ([]knownhosts.Record, []Skip) {
	var added []knownhosts.Record
	var skips []Skip

	dyna := strings.TrimSuffix(opts.DynaRecord, ".")
	for _, pair := range pairs {
		if dyna != "" && strings.TrimSuffix(pair.Target, ".") == dyna {
			skips = append(skips, Skip{Pair: pair, Reason: SkipDynaRecord})
			continue
		}

		matches := file.Matches(pair.Target)
		if len(matches) != 1 {
			reason := SkipNoMatch
			if len(matches) > 1 {
				reason = SkipAmbiguous
			}
			skips = append(skips, Skip{Pair: pair, Reason: reason, Matches: len(matches)})
			continue
		}

		rec := knownhosts.Record{
			Hostnames:   []string{pair.Alias + "." + pair.Domain},
			KeyType:     matches[0].KeyType,
			KeyMaterial: matches[0].KeyMaterial,
		}
		file.Append(rec)
		added = append(added, rec)
	}

	return added, skips
}
