package sync

import (
	"fmt"
	"hash/fnv"
	"sort"

	"golang.org/x/sync/singleflight"
)

// FlightKey derives the dedup key for a sync run: the credential identity
// plus a digest of the sorted affected session ids. Different accounts or
// different session subsets never contend; two concurrent runs over the
// same set collapse into one.
func FlightKey(identity string, sessions []Session) string {
	ids := make([]string, 0, len(sessions))

	for i := range sessions {
		if sessions[i].IsDerived() {
			continue
		}

		ids = append(ids, sessions[i].ID)
	}

	sort.Strings(ids)

	h := fnv.New64a()

	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}

	return fmt.Sprintf("%s:%016x", identity, h.Sum64())
}

// flightGuard collapses concurrent identical operations into a single
// execution and fans the result out to every caller. singleflight
// registers the in-flight call before the work function runs, so there is
// no window in which a second caller can miss it and start a duplicate.
type flightGuard struct {
	group singleflight.Group
}

// do runs fn under the key, or joins an in-flight run with the same key.
// shared reports whether the result was fanned out to multiple callers.
func (g *flightGuard) do(key string, fn func() (*Report, error)) (report *Report, shared bool, err error) {
	v, err, shared := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if v != nil {
		report = v.(*Report)
	}

	return report, shared, err
}

// doString is the string-result variant, used for the narrower
// ensure-destination-calendar operation.
func (g *flightGuard) doString(key string, fn func() (string, error)) (string, error) {
	v, err, _ := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}
