package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"KB", 10}, {"MB", 20}, {"GB", 30}, {"TB", 40},
	{"K", 10}, {"M", 20}, {"G", 30}, {"T", 40},
}

// ParseSize parses a byte count such as 4096, 64K, 2M or 1GB. The suffixes
// are powers of 1024.
func ParseSize(s string) (uint64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	shift := uint(0)

	for _, u := range sizeSuffixes {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSuffix(s, u.suffix)
			shift = u.shift

			break
		}
	}

	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, err
	}

	if n > (^uint64(0))>>shift {
		return 0, errors.Errorf("size %s overflows", s)
	}

	return n << shift, nil
}
