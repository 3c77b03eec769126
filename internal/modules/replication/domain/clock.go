package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HLC is a hybrid logical clock stamp. Commands carry one so peers can order
// activity across origins for display; replay order never depends on it.
type HLC struct {
	Wall    int64  `json:"wall"`
	Counter int64  `json:"counter"`
	Origin  string `json:"origin"`
}

func (h HLC) String() string {
	return fmt.Sprintf("%d:%d:%s", h.Wall, h.Counter, h.Origin)
}

func (h HLC) IsZero() bool {
	return h.Wall == 0 && h.Counter == 0
}

func ParseHLC(raw string) (HLC, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return HLC{}, fmt.Errorf("hlc %q: want wall:counter:origin", raw)
	}
	wall, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return HLC{}, fmt.Errorf("hlc wall: %w", err)
	}
	counter, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return HLC{}, fmt.Errorf("hlc counter: %w", err)
	}
	return HLC{Wall: wall, Counter: counter, Origin: parts[2]}, nil
}

func CompareHLC(a, b HLC) int {
	switch {
	case a.Wall != b.Wall:
		if a.Wall < b.Wall {
			return -1
		}
		return 1
	case a.Counter != b.Counter:
		if a.Counter < b.Counter {
			return -1
		}
		return 1
	default:
		return strings.Compare(a.Origin, b.Origin)
	}
}

// NextHLC stamps a local event.
func NextHLC(now time.Time, last HLC, origin string) HLC {
	wall := now.UTC().UnixMilli()
	if wall < last.Wall {
		wall = last.Wall
	}
	counter := int64(0)
	if wall == last.Wall {
		counter = last.Counter + 1
	}
	return HLC{Wall: wall, Counter: counter, Origin: origin}
}

// ObserveHLC folds a received stamp into the local clock so later local
// stamps sort after everything already seen.
func ObserveHLC(last, remote HLC) HLC {
	if CompareHLC(remote, last) > 0 {
		return HLC{Wall: remote.Wall, Counter: remote.Counter, Origin: last.Origin}
	}
	return last
}
