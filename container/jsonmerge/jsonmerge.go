// Package jsonmerge implements the leaf-level override merge used by
// aggregate projections and the pricing model.
package jsonmerge

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Merge overlays src onto dst: nested objects merge recursively, every
// other value is replaced by src. dst is modified and returned.
func Merge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]interface{})
		dstMap, dstIsMap := dst[key].(map[string]interface{})
		if srcIsMap && dstIsMap {
			dst[key] = Merge(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
	return dst
}

// MergeRaw merges two JSON documents, returning the merged encoding.
func MergeRaw(dst, src json.RawMessage) (json.RawMessage, error) {
	var dstMap, srcMap map[string]interface{}
	if len(dst) > 0 {
		if err := json.Unmarshal(dst, &dstMap); err != nil {
			return nil, errors.Wrap(err, "could not decode merge target")
		}
	}
	if err := json.Unmarshal(src, &srcMap); err != nil {
		return nil, errors.Wrap(err, "could not decode merge source")
	}
	merged, err := json.Marshal(Merge(dstMap, srcMap))
	return merged, errors.Wrap(err, "could not encode merged document")
}
