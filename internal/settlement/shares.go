package settlement

import (
	"math/bits"
	"sort"

	"github.com/dyluth/pixelsett/internal/realtime"
)

// ComputeShares splits 100 percent between pixel owners by the lamports they paid.
//
// Each identity gets floor(paid * 100 / total). The rounding remainder goes to the
// canvas owner, so the shares always sum to 100. A canvas with no sold pixels
// belongs entirely to its owner. The owner comes first, then larger shares, then
// identities in lexical order. Zero shares are dropped.
func ComputeShares(owner string, totals map[string]uint64) []realtime.Share {
	total, shift := sumTotals(totals)
	if total == 0 {
		return []realtime.Share{{Identity: owner, Percentage: 100}}
	}

	pct := make(map[string]int, len(totals)+1)
	assigned := 0
	for identity, v := range totals {
		hi, lo := bits.Mul64(v>>shift, 100)
		q, _ := bits.Div64(hi, lo, total)
		pct[identity] = int(q)
		assigned += int(q)
	}
	pct[owner] += 100 - assigned

	shares := make([]realtime.Share, 0, len(pct))
	for identity, p := range pct {
		if p > 0 {
			shares = append(shares, realtime.Share{Identity: identity, Percentage: p})
		}
	}
	sort.Slice(shares, func(i, j int) bool {
		a, b := shares[i], shares[j]
		if (a.Identity == owner) != (b.Identity == owner) {
			return a.Identity == owner
		}
		if a.Percentage != b.Percentage {
			return a.Percentage > b.Percentage
		}
		return a.Identity < b.Identity
	})
	return shares
}

// sumTotals adds up totals, dropping low bits from every value until the sum
// fits in 64 bits. Returns the sum and the shift applied.
func sumTotals(totals map[string]uint64) (uint64, uint) {
	for shift := uint(0); ; shift++ {
		var total, carry uint64
		for _, v := range totals {
			total, carry = bits.Add64(total, v>>shift, 0)
			if carry != 0 {
				break
			}
		}
		if carry == 0 {
			return total, shift
		}
	}
}
