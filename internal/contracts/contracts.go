package contracts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// All subscribes to every active contract in the directory.
const All = "all"

// Parse reads a subscription list: the sentinel "all" or a comma separated
// list of contract ids. Duplicates are dropped and ids are sorted.
func Parse(raw string) (ids []int64, all bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false, fmt.Errorf("no contracts given")
	}
	if strings.EqualFold(raw, All) {
		return nil, true, nil
	}
	seen := make(map[int64]struct{})
	replacer := strings.NewReplacer(" ", ",", ";", ",")
	for _, part := range strings.Split(replacer.Replace(raw), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.EqualFold(part, All) {
			return nil, false, fmt.Errorf("%q must be used on its own", All)
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, false, fmt.Errorf("invalid contract id %q", part)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, false, fmt.Errorf("no contracts given")
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, false, nil
}

// Format renders ids the way Parse accepts them.
func Format(ids []int64, all bool) string {
	if all {
		return All
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

// DefaultTopic names the output topic for an output mode.
func DefaultTopic(exchange, mode string) string {
	exchange = strings.ToLower(strings.TrimSpace(exchange))
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "full" {
		return exchange + "_orderbook"
	}
	return exchange + "_orderbook_" + mode
}
