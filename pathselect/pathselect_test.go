package pathselect

import (
	"testing"

	"github.com/ortelay/core/routerset"
)

func testRouters() []routerset.RouterDescriptor {
	mk := func(id byte, nick, addr string, bw int64, guard, exit, bad bool) routerset.RouterDescriptor {
		rd := routerset.RouterDescriptor{
			Nickname:  nick,
			Address:   addr,
			ORPort:    9001,
			Bandwidth: bw,
		}
		rd.Identity[0] = id
		rd.Flags = routerset.Flags{Valid: true, Running: true, Fast: true, Stable: true, Guard: guard, Exit: exit, BadExit: bad}
		return rd
	}
	return []routerset.RouterDescriptor{
		mk(1, "GuardExit1", "1.2.3.4", 5000, true, true, false),
		mk(2, "Guard2", "5.6.7.8", 3000, true, false, false),
		mk(3, "Middle3", "10.20.30.40", 2000, false, false, false),
		mk(4, "Exit4", "20.30.40.50", 4000, false, true, false),
		mk(5, "BadExit5", "30.40.50.60", 10000, false, true, true),
	}
}

func TestSelectPathAvoidsBadExit(t *testing.T) {
	routers := testRouters()
	for i := 0; i < 100; i++ {
		path, err := SelectPath(routers, Policy{}, 3)
		if err != nil {
			t.Fatalf("SelectPath: %v", err)
		}
		last := path[len(path)-1]
		if last.Flags.BadExit {
			t.Fatal("selected BadExit relay as last hop")
		}
		if !last.Flags.Exit {
			t.Fatal("last hop is not an Exit relay")
		}
	}
}

func TestSelectPathPairwiseDistinct(t *testing.T) {
	routers := testRouters()
	for i := 0; i < 50; i++ {
		path, err := SelectPath(routers, Policy{}, 3)
		if err != nil {
			t.Fatalf("SelectPath: %v", err)
		}
		seen := map[[20]byte]bool{}
		for _, r := range path {
			if seen[r.Identity] {
				t.Fatal("duplicate identity in path")
			}
			seen[r.Identity] = true
		}
	}
}

func TestSelectPathExcluded(t *testing.T) {
	routers := testRouters()
	excluded := map[[20]byte]bool{}
	var exit4 [20]byte
	exit4[0] = 4
	excluded[exit4] = true

	for i := 0; i < 20; i++ {
		path, err := SelectPath(routers, Policy{Excluded: excluded}, 3)
		if err != nil {
			t.Fatalf("SelectPath: %v", err)
		}
		for _, r := range path {
			if r.Identity == exit4 {
				t.Fatal("excluded router selected")
			}
		}
	}
}

func TestSelectPathNoSuitablePath(t *testing.T) {
	// Only one valid router — cannot satisfy hop_count=3.
	routers := testRouters()[:1]
	routers[0].Flags.Exit = true
	if _, err := SelectPath(routers, Policy{}, 3); err == nil {
		t.Fatal("expected NoSuitablePath error")
	}
}

func TestSubnet16(t *testing.T) {
	if subnet16("1.2.3.4") != "1.2" {
		t.Fatalf("subnet16(1.2.3.4) = %q", subnet16("1.2.3.4"))
	}
	if subnet16("1.2.99.100") != "1.2" {
		t.Fatal("same /16 not detected")
	}
}

func TestWeightedRandom(t *testing.T) {
	weights := []int64{1, 1000000}
	counts := [2]int{}
	for i := 0; i < 1000; i++ {
		idx, err := weightedRandom(weights)
		if err != nil {
			t.Fatal(err)
		}
		counts[idx]++
	}
	if counts[1] < 950 {
		t.Fatalf("heavy weight selected %d/1000 times, expected >950", counts[1])
	}
}
