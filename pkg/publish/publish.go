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

// Package publish manages the on-disk generations of the known-hosts file:
// the authoritative file, the staged ".new" working file, and the ".old"
// backup.  The staged file is written via a temp file and rename so it is
// never observed half-written, and the swap of ".new" into the
// authoritative path is the single state-changing transition of a run.
package publish

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevinburke/ssh_config"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const fileMode = os.FileMode(0644)

// Publisher owns the three generations of one known-hosts file.
type Publisher struct {
	dir  string
	name string
}

// New returns a Publisher for the named file under dir.
func New(dir, name string) *Publisher {
	return &Publisher{dir: dir, name: name}
}

// Path is the authoritative file path.
func (p *Publisher) Path() string {
	return filepath.Join(p.dir, p.name)
}

// NewPath is the staged working file path.
func (p *Publisher) NewPath() string {
	return p.Path() + ".new"
}

// OldPath is the backup path.
func (p *Publisher) OldPath() string {
	return p.Path() + ".old"
}

// WriteNew stages content as the ".new" generation.  The content lands in
// a temp file in the same directory first and is renamed into place, so a
// partial ".new" is never visible.
func (p *Publisher) WriteNew(content []byte) error {
	tmp, err := os.CreateTemp(p.dir, p.name+".tmp-*")
	if err != nil {
		return fmt.Errorf("can't create temp file in %s: %w", p.dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("can't write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("can't close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("can't chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, p.NewPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("can't stage %s: %w", p.NewPath(), err)
	}
	return nil
}

// Current reads the authoritative file.  A missing file is an empty
// baseline, not an error.
func (p *Publisher) Current() ([]byte, error) {
	data, err := os.ReadFile(p.Path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Diff compares the authoritative file (or an empty baseline) with the
// staged file and returns a line-level rendering of the changes plus the
// line-count delta.  This is purely informational.
func (p *Publisher) Diff() (string, int, error) {
	cur, err := p.Current()
	if err != nil {
		return "", 0, err
	}
	staged, err := os.ReadFile(p.NewPath())
	if err != nil {
		return "", 0, err
	}

	delta := lineCount(staged) - lineCount(cur)

	dmp := diffmatchpatch.New()
	c1, c2, lines := dmp.DiffLinesToChars(string(cur), string(staged))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(c1, c2, false), lines)

	var buf strings.Builder
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		default:
			continue
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			buf.WriteString(prefix)
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	return buf.String(), delta, nil
}

func lineCount(data []byte) int {
	return bytes.Count(data, []byte("\n"))
}

// Publish moves the staged file into the authoritative path.  An existing
// authoritative file is renamed to the ".old" backup first (replacing any
// previous backup), so the backup exists before the swap and the
// authoritative path is only ever touched by a rename.
func (p *Publisher) Publish() error {
	if _, err := os.Stat(p.Path()); err == nil {
		if err := os.Rename(p.Path(), p.OldPath()); err != nil {
			return fmt.Errorf("can't back up %s: %w", p.Path(), err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("can't stat %s: %w", p.Path(), err)
	}
	if err := os.Rename(p.NewPath(), p.Path()); err != nil {
		return fmt.Errorf("can't publish %s: %w", p.Path(), err)
	}
	return nil
}

// CheckClientConfig reports whether the SSH client configuration at
// configPath references knownHostsPath in a UserKnownHostsFile directive.
// A missing config file reports false with no error.  The config is only
// ever read.
func CheckClientConfig(configPath, knownHostsPath string) (bool, error) {
	f, err := os.Open(configPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return false, fmt.Errorf("can't parse %s: %w", configPath, err)
	}

	home, _ := os.UserHomeDir()
	for _, host := range cfg.Hosts {
		for _, node := range host.Nodes {
			kv, ok := node.(*ssh_config.KV)
			if !ok || !strings.EqualFold(kv.Key, "UserKnownHostsFile") {
				continue
			}
			// The directive takes a whitespace-separated list of files.
			for _, val := range strings.Fields(kv.Value) {
				if home != "" && strings.HasPrefix(val, "~/") {
					val = filepath.Join(home, val[2:])
				}
				if val == knownHostsPath {
					return true, nil
				}
			}
		}
	}
	return false, nil
}
