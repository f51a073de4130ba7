// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package testutil contains helpers shared by tests.
package testutil

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

func IterCount() int {
	iters := 1000
	if testing.Short() {
		iters /= 10
	}
	return iters
}

// RandSource returns a seeded rand source; the seed is logged and can
// be pinned with the ENCPROBE_SEED env var to replay a failure.
func RandSource(t *testing.T) rand.Source {
	seed := time.Now().UnixNano()
	if fixed := os.Getenv("ENCPROBE_SEED"); fixed != "" {
		seed, _ = strconv.ParseInt(fixed, 0, 64)
	}
	t.Logf("seed=%v", seed)
	return rand.NewSource(seed)
}
