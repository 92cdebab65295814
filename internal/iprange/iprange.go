// Package iprange parses and iterates the IP and port range expressions used
// by discovery rules. A range list is a comma separated union of single
// addresses, CIDR blocks, full "a-b" intervals and (for IPv4) last-octet
// shorthand intervals such as "192.168.0.1-254".
package iprange

import (
	"fmt"
	"math/big"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// Range is one inclusive address interval. From and To always share the same
// address family.
type Range struct {
	From netip.Addr
	To   netip.Addr
}

// List is a union of address intervals in rule definition order.
type List []Range

// Parse parses a single range expression.
func Parse(expr string) (Range, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Range{}, fmt.Errorf("empty ip range")
	}

	if strings.Contains(expr, "/") {
		prefix, err := netip.ParsePrefix(expr)
		if err != nil {
			return Range{}, fmt.Errorf("parse cidr %q: %w", expr, err)
		}
		return Range{From: prefix.Masked().Addr(), To: prefixLast(prefix)}, nil
	}

	// Addresses never contain '-', so a dash splits an interval. This holds
	// for IPv6 too.
	if dash := strings.LastIndex(expr, "-"); dash > 0 {
		from, err := netip.ParseAddr(strings.TrimSpace(expr[:dash]))
		if err != nil {
			return Range{}, fmt.Errorf("parse ip range %q: %w", expr, err)
		}
		rest := strings.TrimSpace(expr[dash+1:])

		var to netip.Addr
		if strings.ContainsAny(rest, ".:") {
			if to, err = netip.ParseAddr(rest); err != nil {
				return Range{}, fmt.Errorf("parse ip range %q: %w", expr, err)
			}
		} else {
			// Last-octet shorthand: 192.168.0.1-254.
			octet, err := strconv.Atoi(rest)
			if err != nil || octet < 0 || octet > 255 || !from.Is4() {
				return Range{}, fmt.Errorf("invalid ip range boundary %q", rest)
			}
			b := from.As4()
			b[3] = byte(octet)
			to = netip.AddrFrom4(b)
		}
		if from.Is4() != to.Is4() || to.Less(from) {
			return Range{}, fmt.Errorf("invalid ip range %q", expr)
		}
		return Range{From: from, To: to}, nil
	}

	addr, err := netip.ParseAddr(expr)
	if err != nil {
		return Range{}, fmt.Errorf("parse ip %q: %w", expr, err)
	}
	return Range{From: addr, To: addr}, nil
}

// ParseList parses a comma separated union of range expressions.
func ParseList(expr string) (List, error) {
	var list List
	for _, part := range strings.Split(expr, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		r, err := Parse(part)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("empty ip range list %q", expr)
	}
	return list, nil
}

// Contains reports whether addr falls inside the interval.
func (r Range) Contains(addr netip.Addr) bool {
	if addr.Is4() != r.From.Is4() {
		return false
	}
	return !addr.Less(r.From) && !r.To.Less(addr)
}

// Volume returns the number of addresses in the interval.
func (r Range) Volume() uint64 {
	from := new(big.Int).SetBytes(r.From.AsSlice())
	to := new(big.Int).SetBytes(r.To.AsSlice())
	n := new(big.Int).Sub(to, from)
	n.Add(n, big.NewInt(1))
	if !n.IsUint64() {
		return ^uint64(0)
	}
	return n.Uint64()
}

// Volume returns the number of unique addresses in the union. Addresses
// covered by more than one interval are counted once.
func (l List) Volume() uint64 {
	return l.familyVolume(true) + l.familyVolume(false)
}

func (l List) familyVolume(v4 bool) uint64 {
	var ranges []Range
	for _, r := range l {
		if r.From.Is4() == v4 {
			ranges = append(ranges, r)
		}
	}
	if len(ranges) == 0 {
		return 0
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].From.Less(ranges[j].From) })

	var total uint64
	cur := ranges[0]
	for _, r := range ranges[1:] {
		if !cur.To.Less(r.From) {
			// Overlapping intervals merge.
			if cur.To.Less(r.To) {
				cur.To = r.To
			}
			continue
		}
		total += cur.Volume()
		cur = r
	}
	return total + cur.Volume()
}

// Contains reports whether any interval of the union contains addr.
func (l List) Contains(addr netip.Addr) bool {
	for _, r := range l {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// Iter walks the unique addresses of a range union in definition order.
// Addresses repeated across intervals are yielded on their first occurrence
// only.
type Iter struct {
	list List
	idx  int
	cur  rangeIter
}

// NewIter creates an iterator over the unique addresses of the union.
func NewIter(list List) *Iter {
	it := &Iter{list: list}
	if len(list) > 0 {
		it.cur = newRangeIter(list[0])
	}
	return it
}

// Next returns the next unique address. ok is false when the union is
// exhausted.
func (it *Iter) Next() (addr netip.Addr, ok bool) {
	for it.idx < len(it.list) {
		if addr, ok = it.cur.next(); ok {
			if it.list[:it.idx].Contains(addr) {
				continue // already yielded by an earlier interval
			}
			return addr, true
		}
		it.idx++
		if it.idx < len(it.list) {
			it.cur = newRangeIter(it.list[it.idx])
		}
	}
	return netip.Addr{}, false
}

type rangeIter struct {
	next_ netip.Addr
	last  netip.Addr
	done  bool
}

func newRangeIter(r Range) rangeIter {
	return rangeIter{next_: r.From, last: r.To}
}

func (ri *rangeIter) next() (netip.Addr, bool) {
	if ri.done {
		return netip.Addr{}, false
	}
	addr := ri.next_
	if addr == ri.last {
		ri.done = true
	} else {
		ri.next_ = ri.next_.Next()
	}
	return addr, true
}

func prefixLast(p netip.Prefix) netip.Addr {
	addr := p.Masked().Addr()
	raw := addr.AsSlice()
	hostBits := len(raw)*8 - p.Bits()
	for i := len(raw) - 1; hostBits > 0 && i >= 0; i-- {
		take := hostBits
		if take > 8 {
			take = 8
		}
		raw[i] |= byte(0xff >> (8 - take))
		hostBits -= take
	}
	last, _ := netip.AddrFromSlice(raw)
	return last
}
