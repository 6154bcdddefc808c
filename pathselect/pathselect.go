// Package pathselect chooses a sequence of relays for a new circuit,
// honoring client policy (entry/exit/exclude sets, bandwidth, family,
// reachability).
package pathselect

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"

	"github.com/ortelay/core/routerset"
)

// MaxWeightBandwidth caps each candidate's weight, per §4.D.
const MaxWeightBandwidth = 10 * 1000 * 1000 // 10 MB/s

// ErrNoSuitablePath is returned when fewer than hop_count distinct,
// compatible routers exist.
var ErrNoSuitablePath = fmt.Errorf("pathselect: no suitable path")

// Policy constrains path selection on behalf of a client.
type Policy struct {
	Excluded     map[[20]byte]bool
	EntryGuards  []routerset.RouterDescriptor // if set, first hop is drawn from here
	Destination  net.IP                       // if set, last hop's exit policy must permit it
	DestPort     uint16
}

// SelectPath runs select_path(policy, hop_count, purpose) over the full
// router snapshot.
func SelectPath(routers []routerset.RouterDescriptor, policy Policy, hopCount int) ([]routerset.RouterDescriptor, error) {
	if hopCount <= 0 {
		hopCount = 3
	}

	byID := make(map[[20]byte]routerset.RouterDescriptor, len(routers))
	var pool []routerset.RouterDescriptor
	for _, r := range routers {
		if !r.Flags.Valid || !r.Flags.Running {
			continue
		}
		if policy.Excluded[r.Identity] {
			continue
		}
		byID[r.Identity] = r
		pool = append(pool, r)
	}

	path := make([]routerset.RouterDescriptor, 0, hopCount)

	last, err := selectLastHop(pool, policy)
	if err != nil {
		return nil, err
	}
	path = append(path, last)
	if hopCount == 1 {
		return path, nil
	}

	first, err := selectFirstHop(pool, policy, path)
	if err != nil {
		return nil, err
	}
	// EntryGuards policy already placed `first`; insert it at position 0.
	middleSlots := hopCount - 2
	chosen := []routerset.RouterDescriptor{first}

	for i := 0; i < middleSlots; i++ {
		taken := make([]routerset.RouterDescriptor, 0, len(chosen)+len(path))
		taken = append(taken, chosen...)
		taken = append(taken, path...)
		m, err := selectWeighted(pool, byID, taken)
		if err != nil {
			return nil, err
		}
		chosen = append(chosen, m)
	}

	full := make([]routerset.RouterDescriptor, 0, len(chosen)+len(path))
	full = append(full, chosen...)
	full = append(full, path...)
	if !pairwiseCompatible(byID, full) {
		return nil, ErrNoSuitablePath
	}
	return full, nil
}

func selectLastHop(pool []routerset.RouterDescriptor, policy Policy) (routerset.RouterDescriptor, error) {
	var candidates []routerset.RouterDescriptor
	var weights []int64
	for _, r := range pool {
		if r.Flags.BadExit || !r.Flags.Exit {
			continue
		}
		if policy.Destination != nil && !r.PermitsExit(policy.Destination, policy.DestPort) {
			continue
		}
		candidates = append(candidates, r)
		weights = append(weights, cappedWeight(r.Bandwidth))
	}
	if len(candidates) == 0 {
		return routerset.RouterDescriptor{}, ErrNoSuitablePath
	}
	idx, err := weightedRandom(weights)
	if err != nil {
		return routerset.RouterDescriptor{}, err
	}
	return candidates[idx], nil
}

func selectFirstHop(pool []routerset.RouterDescriptor, policy Policy, taken []routerset.RouterDescriptor) (routerset.RouterDescriptor, error) {
	if len(policy.EntryGuards) > 0 {
		idx, err := weightedRandom(weightsOf(policy.EntryGuards))
		if err != nil {
			return routerset.RouterDescriptor{}, err
		}
		return policy.EntryGuards[idx], nil
	}

	var candidates []routerset.RouterDescriptor
	var weights []int64
	for _, r := range pool {
		if !r.Flags.Guard || !r.Flags.Fast || !r.Flags.Stable {
			continue
		}
		if sharesSubnetOrIdentity(r, taken) {
			continue
		}
		candidates = append(candidates, r)
		weights = append(weights, cappedWeight(r.Bandwidth))
	}
	if len(candidates) == 0 {
		return routerset.RouterDescriptor{}, ErrNoSuitablePath
	}
	idx, err := weightedRandom(weights)
	if err != nil {
		return routerset.RouterDescriptor{}, err
	}
	return candidates[idx], nil
}

func selectWeighted(pool []routerset.RouterDescriptor, byID map[[20]byte]routerset.RouterDescriptor, taken []routerset.RouterDescriptor) (routerset.RouterDescriptor, error) {
	var candidates []routerset.RouterDescriptor
	var weights []int64
	for _, r := range pool {
		if sharesSubnetOrIdentity(r, taken) {
			continue
		}
		if sharesFamily(byID, r, taken) {
			continue
		}
		candidates = append(candidates, r)
		weights = append(weights, cappedWeight(r.Bandwidth))
	}
	if len(candidates) == 0 {
		return routerset.RouterDescriptor{}, ErrNoSuitablePath
	}
	idx, err := weightedRandom(weights)
	if err != nil {
		return routerset.RouterDescriptor{}, err
	}
	return candidates[idx], nil
}

func weightsOf(rds []routerset.RouterDescriptor) []int64 {
	w := make([]int64, len(rds))
	for i, r := range rds {
		w[i] = cappedWeight(r.Bandwidth)
	}
	return w
}

func cappedWeight(bw int64) int64 {
	if bw > MaxWeightBandwidth {
		return MaxWeightBandwidth
	}
	if bw < 0 {
		return 0
	}
	return bw
}

func sharesSubnetOrIdentity(r routerset.RouterDescriptor, taken []routerset.RouterDescriptor) bool {
	s := subnet16(r.Address)
	for _, t := range taken {
		if t.Identity == r.Identity {
			return true
		}
		if s != "" && subnet16(t.Address) == s {
			return true
		}
	}
	return false
}

func sharesFamily(byID map[[20]byte]routerset.RouterDescriptor, r routerset.RouterDescriptor, taken []routerset.RouterDescriptor) bool {
	for _, t := range taken {
		if routerset.EffectiveFamily(byID, r.Identity, t.Identity) {
			return true
		}
	}
	return false
}

func pairwiseCompatible(byID map[[20]byte]routerset.RouterDescriptor, path []routerset.RouterDescriptor) bool {
	for i := range path {
		for j := i + 1; j < len(path); j++ {
			if path[i].Identity == path[j].Identity {
				return false
			}
			if subnet16(path[i].Address) != "" && subnet16(path[i].Address) == subnet16(path[j].Address) {
				return false
			}
			if routerset.EffectiveFamily(byID, path[i].Identity, path[j].Identity) {
				return false
			}
		}
	}
	return true
}

// subnet16 returns the /16 prefix of an IPv4 address as a string.
func subnet16(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", ip4[0], ip4[1])
}

// weightedRandom selects an index proportional to the given weights using
// crypto/rand, falling back to unbiased uniform selection when all weights
// are zero.
func weightedRandom(weights []int64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("pathselect: empty weights")
	}

	var total int64
	for _, w := range weights {
		if w < 0 {
			w = 0
		}
		total += w
	}

	if total <= 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(weights))))
		if err != nil {
			return 0, fmt.Errorf("crypto/rand: %w", err)
		}
		return int(n.Int64()), nil
	}

	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	r := n.Int64()

	var cumulative int64
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		cumulative += w
		if r < cumulative {
			return i, nil
		}
	}
	return len(weights) - 1, nil
}
