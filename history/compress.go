/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package history

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const compressThreshold = 100 * 1024 // 100 KiB

// maybeCompress applies Zstd level 3 to plaintext larger than the
// threshold, reporting whether compression was used.
func maybeCompress(plaintext []byte) (compressed bool, body []byte) {
	if len(plaintext) <= compressThreshold {
		return false, plaintext
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(3)))
	if err != nil {
		return false, plaintext
	}
	defer enc.Close()
	return true, enc.EncodeAll(plaintext, nil)
}

func decompress(body []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("history: zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("history: zstd decode: %w", err)
	}
	return out, nil
}
