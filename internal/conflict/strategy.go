package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"

	syncerr "github.com/InnNhi24/vibetune-sync/internal/errors"
)

// ResolveFunc computes the payload to persist for a conflict. It must be
// deterministic: no randomness and no clock reads.
type ResolveFunc func(local, server json.RawMessage, rule Rule) (json.RawMessage, error)

func builtinStrategies() map[Strategy]ResolveFunc {
	return map[Strategy]ResolveFunc{
		ServerWins:          resolveServerWins,
		ClientWins:          resolveClientWins,
		LatestTimestampWins: resolveLatestTimestamp,
		FieldMerge:          resolveFieldMerge,
	}
}

func resolveServerWins(_, server json.RawMessage, _ Rule) (json.RawMessage, error) {
	return server, nil
}

func resolveClientWins(local, _ json.RawMessage, _ Rule) (json.RawMessage, error) {
	return local, nil
}

// resolveLatestTimestamp keeps the strictly newer side. Ties and unreadable
// timestamps fall back to the server.
func resolveLatestTimestamp(local, server json.RawMessage, _ Rule) (json.RawMessage, error) {
	lt, lok := timestampOf(local)
	st, sok := timestampOf(server)

	if lok && (!sok || lt.After(st)) {
		return local, nil
	}

	return server, nil
}

// resolveFieldMerge starts from the server payload and overlays the local
// values of rule.MergeFields. It only applies when everything else is
// identical after canonicalisation.
func resolveFieldMerge(local, server json.RawMessage, rule Rule) (json.RawMessage, error) {
	if !OnlyFieldsDiffer(local, server, rule.MergeFields) {
		return nil, syncerr.ErrMergeRejected
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(server, &base); err != nil {
		return nil, fmt.Errorf("decoding server payload: %w", err)
	}

	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(local, &overlay); err != nil {
		return nil, fmt.Errorf("decoding local payload: %w", err)
	}

	if base == nil {
		base = make(map[string]json.RawMessage)
	}

	for _, f := range rule.MergeFields {
		v, ok := overlay[f]
		if !ok || isAbsent(v) {
			continue
		}

		base[f] = v
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encoding merged payload: %w", err)
	}

	return merged, nil
}

// OnlyFieldsDiffer reports whether local and server are equivalent once
// fields, timestamps and the device tag are stripped from both.
func OnlyFieldsDiffer(local, server json.RawMessage, fields []string) bool {
	drop := append(append([]string{}, mergeIgnoredFields...), fields...)

	ca, err := canonical(local, drop)
	if err != nil {
		return false
	}

	cb, err := canonical(server, drop)
	if err != nil {
		return false
	}

	return bytes.Equal(ca, cb)
}
