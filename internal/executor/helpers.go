package executor

import (
	"sort"
	"strconv"
)

func sortInt64s(s []int64) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
