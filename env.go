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

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Overridden in tests.
var envWarnfOverride func(format string, args ...any)

func envWarnf(format string, args ...any) {
	if envWarnfOverride != nil {
		envWarnfOverride(format, args...)
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}

// envValue returns the value of the last set variable among key and alts.
// Alts are deprecated names kept for compatibility; using one warns.
func envValue(key string, alts ...string) (string, bool) {
	val := os.Getenv(key)
	found := val != ""
	for _, alt := range alts {
		if v := os.Getenv(alt); v != "" {
			envWarnf("env %s has been deprecated, use %s instead\n", alt, key)
			val = v
			found = true
		}
	}
	return val, found
}

func envString(def string, key string, alts ...string) string {
	if val, ok := envValue(key, alts...); ok {
		return val
	}
	return def
}

func envStringArray(def string, key string, alts ...string) []string {
	parse := func(s string) []string {
		return strings.Split(s, ",")
	}

	if val, ok := envValue(key, alts...); ok {
		return parse(val)
	}
	return parse(def)
}

func envBoolOrError(def bool, key string, alts ...string) (bool, error) {
	val, ok := envValue(key, alts...)
	if !ok {
		return def, nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("ERROR: invalid bool env %s=%q: %w", key, val, err)
	}
	return parsed, nil
}
func envBool(def bool, key string, alts ...string) bool {
	val, err := envBoolOrError(def, key, alts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
		return false
	}
	return val
}

func envIntOrError(def int, key string, alts ...string) (int, error) {
	val, ok := envValue(key, alts...)
	if !ok {
		return def, nil
	}
	parsed, err := strconv.ParseInt(val, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("ERROR: invalid int env %s=%q: %w", key, val, err)
	}
	return int(parsed), nil
}
func envInt(def int, key string, alts ...string) int {
	val, err := envIntOrError(def, key, alts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
		return 0
	}
	return val
}

func envFloatOrError(def float64, key string, alts ...string) (float64, error) {
	val, ok := envValue(key, alts...)
	if !ok {
		return def, nil
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("ERROR: invalid float env %s=%q: %w", key, val, err)
	}
	return parsed, nil
}
func envFloat(def float64, key string, alts ...string) float64 {
	val, err := envFloatOrError(def, key, alts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
		return 0
	}
	return val
}

func envDurationOrError(def time.Duration, key string, alts ...string) (time.Duration, error) {
	val, ok := envValue(key, alts...)
	if !ok {
		return def, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("ERROR: invalid duration env %s=%q: %w", key, val, err)
	}
	return parsed, nil
}
func envDuration(def time.Duration, key string, alts ...string) time.Duration {
	val, err := envDurationOrError(def, key, alts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
		return 0
	}
	return val
}
