// Package cachekey derives deterministic fingerprints from the
// cache-affecting parameters of a request, and decides which requests are
// eligible for response caching at all.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/gatecore-ai/gatecore/backend"
)

// ErrInvalidParams marks a request whose parameters cannot be folded into a
// fingerprint. Callers treat this as "not cacheable", never as a
// caller-visible failure.
var ErrInvalidParams = fmt.Errorf("invalid cache key params")

// Fingerprint folds the cache-affecting request parameters into a
// fixed-length collision-resistant hash. Two requests with identical
// effective parameters always produce the same fingerprint regardless of
// extra-parameter insertion order.
func Fingerprint(req backend.Request) (string, error) {
	if req.Model == "" || len(req.Messages) == 0 {
		return "", ErrInvalidParams
	}

	h := sha256.New()
	writeField(h, "model", req.Model)

	// Message order is significant for chat completions; canonicalize each
	// message but preserve sequence.
	for i, m := range req.Messages {
		writeField(h, "msg."+strconv.Itoa(i), m.Role+"\x1f"+m.Name+"\x1f"+m.Content)
	}

	writeField(h, "temperature", canonFloat(req.Temperature))
	writeField(h, "top_p", canonFloat(req.TopP))
	if req.MaxTokens != nil {
		writeField(h, "max_tokens", strconv.Itoa(*req.MaxTokens))
	} else {
		writeField(h, "max_tokens", "")
	}
	writeField(h, "stream", strconv.FormatBool(req.Stream))

	// Extra parameters are an ordered mapping: keys sorted, values
	// canonicalized through JSON (object keys sort on marshal).
	if len(req.Extra) > 0 {
		keys := make([]string, 0, len(req.Extra))
		for k := range req.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := json.Marshal(req.Extra[k])
			if err != nil {
				return "", fmt.Errorf("%w: extra param %q: %v", ErrInvalidParams, k, err)
			}
			writeField(h, "extra."+k, string(v))
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsCacheable reports whether a request may be served from or written to the
// response cache. Only deterministic requests qualify: zero temperature, or
// an explicit opt-in. A skip policy always wins.
func IsCacheable(req backend.Request) bool {
	if req.CachePolicy == backend.CacheSkip {
		return false
	}
	if req.Model == "" || len(req.Messages) == 0 {
		return false
	}
	if req.CachePolicy == backend.CacheOptIn {
		return true
	}
	return req.Temperature != nil && *req.Temperature == 0
}

func writeField(h interface{ Write([]byte) (int, error) }, name, value string) {
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0x1e})
	_, _ = h.Write([]byte(value))
	_, _ = h.Write([]byte{0x1e})
}

func canonFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}
