// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package hash provides compact content signatures used as set keys
// for probed instruction byte sequences.
package hash

import (
	"crypto/sha1"
	"encoding/hex"
)

type Sig [sha1.Size]byte

func Hash(pieces ...[]byte) Sig {
	h := sha1.New()
	for _, data := range pieces {
		h.Write(data)
	}
	var sig Sig
	copy(sig[:], h.Sum(nil))
	return sig
}

func (sig *Sig) String() string {
	return hex.EncodeToString((*sig)[:])
}
