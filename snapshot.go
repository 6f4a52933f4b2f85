// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package logunit

import "encoding/base64"

// spacesToBlobs/blobsToSpaces translate between the engine's in-memory
// per-stream address-space encoding (raw bytes, see addrspace.Set.Marshal)
// and the base64-string shape types.MetaStore's opaque metadata map persists
// (spec.md §6: "map<stream_id, base64 string>").
func spacesToBlobs(spaces map[string][]byte) map[string]string {
	out := make(map[string]string, len(spaces))
	for k, v := range spaces {
		out[k] = base64.StdEncoding.EncodeToString(v)
	}
	return out
}

func blobsToSpaces(blobs map[string]string) map[string][]byte {
	out := make(map[string][]byte, len(blobs))
	for k, v := range blobs {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			continue
		}
		out[k] = b
	}
	return out
}
