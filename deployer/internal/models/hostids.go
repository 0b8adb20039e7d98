package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// HostIDs is the normalized exclusion set of a deployment: integers,
// de-duplicated, in first-seen order.
type HostIDs []int64

// UnmarshalJSON accepts a scalar or a list of numbers or numeric strings.
func (h *HostIDs) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("excluded host ids: %w", err)
	}
	ids, err := NormalizeHostIDs(raw)
	if err != nil {
		return err
	}
	*h = ids
	return nil
}

func (h HostIDs) Contains(id int64) bool {
	for _, v := range h {
		if v == id {
			return true
		}
	}
	return false
}

// NormalizeHostIDs turns raw input into HostIDs. Both 3 and [3, "3", 3]
// normalize to [3]. nil and empty strings yield an empty set.
func NormalizeHostIDs(raw interface{}) (HostIDs, error) {
	var items []interface{}
	switch v := raw.(type) {
	case nil:
		return HostIDs{}, nil
	case HostIDs:
		items = make([]interface{}, len(v))
		for i, id := range v {
			items[i] = id
		}
	case []int64:
		items = make([]interface{}, len(v))
		for i, id := range v {
			items[i] = id
		}
	case []int:
		items = make([]interface{}, len(v))
		for i, id := range v {
			items[i] = id
		}
	case []string:
		items = make([]interface{}, len(v))
		for i, id := range v {
			items[i] = id
		}
	case []interface{}:
		items = v
	default:
		items = []interface{}{v}
	}

	out := make(HostIDs, 0, len(items))
	seen := make(map[int64]struct{}, len(items))
	for _, item := range items {
		id, skip, err := toHostID(item)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func toHostID(v interface{}) (id int64, skip bool, err error) {
	id, skip, err = rawHostID(v)
	if err != nil || skip {
		return id, skip, err
	}
	if id <= 0 {
		return 0, false, fmt.Errorf("host id %d is not positive", id)
	}
	return id, false, nil
}

func rawHostID(v interface{}) (int64, bool, error) {
	switch n := v.(type) {
	case nil:
		return 0, true, nil
	case int:
		return int64(n), false, nil
	case int32:
		return int64(n), false, nil
	case int64:
		return n, false, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, false, fmt.Errorf("host id %v is not an integer", n)
		}
		// float64(math.MaxInt64) rounds up to 2^63.
		if n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false, fmt.Errorf("host id %v is out of range", n)
		}
		return int64(n), false, nil
	case json.Number:
		return parseHostID(n.String())
	case string:
		return parseHostID(n)
	default:
		return 0, false, fmt.Errorf("host id of type %T not supported", v)
	}
}

func parseHostID(s string) (int64, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("host id %q is not an integer", s)
	}
	return id, false, nil
}
