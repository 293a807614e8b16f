/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package syncengine

import (
	"math"
	"os"
	"regexp"
	"strings"
)

const (
	minFilteredLength = 8
	entropyThreshold  = 4.5
)

// sensitivePatterns is a data table rather than inline control flow,
// following the original implementation's structure, so new heuristics
// are additions to the table, not new branches.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)password\s*=\s*\S+`),
	regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), // credit-card-shaped digit runs
	regexp.MustCompile(`\b[A-Za-z0-9+/]{20,}={0,2}\b`), // base64-looking blob >=20 chars
}

// benignHighEntropyAllowList exempts patterns that are legitimately
// high-entropy but not secrets (e.g. full git commit SHAs), reducing
// false positives from the entropy check alone.
var benignHighEntropyAllowList = []*regexp.Regexp{
	regexp.MustCompile(`^[0-9a-f]{40}$`),  // git SHA-1
	regexp.MustCompile(`^[0-9a-f]{64}$`),  // git SHA-256 / sha256 digest
}

// looksSensitive implements the L1 "sensitive content heuristics"
// filter: content length >= 8 AND (a curated pattern matches OR
// Shannon entropy exceeds the threshold), unless the content is on the
// benign high-entropy allow-list.
func looksSensitive(text string) bool {
	if len(text) < minFilteredLength {
		return false
	}
	for _, allow := range benignHighEntropyAllowList {
		if allow.MatchString(strings.TrimSpace(text)) {
			return false
		}
	}
	for _, p := range sensitivePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return shannonEntropy(text) > entropyThreshold
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	n := float64(len(s))
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// sensitiveContext implements the L1 "sensitive context heuristics"
// filter.
func sensitiveContext() bool {
	if os.Getenv("SUDO_USER") != "" {
		return true
	}
	if strings.Contains(os.Getenv("TERM"), "password") {
		return true
	}
	return false
}

// shouldFilter applies both safety filters, in order; a positive
// answer from either skips the sync.
func shouldFilter(text string) bool {
	return looksSensitive(text) || sensitiveContext()
}
