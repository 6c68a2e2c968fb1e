package state

import (
	"fmt"
	"math"
	"slices"
)

// Aggregate derives the visible state of group id from its members.
//
// Member IDs that lookup cannot resolve are skipped. Power is the OR of the
// members, brightness is the mean over members that are on and dimmable, and
// colors come from the first capable member in ascending ID order. The group
// only advertises capabilities every member has, so a group command is
// deliverable to all of them. A group without live members is returned with
// Unavailable set.
func Aggregate(id int, memberIDs []int, lookup func(int) (Device, bool)) Group {
	g := Group{
		ID:   id,
		Name: fmt.Sprintf("DALI Group %d", id),
	}

	members := make([]Device, 0, len(memberIDs))
	for _, mid := range sortedUnique(memberIDs) {
		dev, ok := lookup(mid)
		if !ok {
			continue
		}
		members = append(members, dev)
		g.MemberIDs = append(g.MemberIDs, mid)
	}

	if len(members) == 0 {
		g.Unavailable = true
		return g
	}

	caps := capAll
	allOn := true
	var (
		briSum   int
		briCount int
		line     = members[0].BusLine
		oneLine  = true
		fade     *float64
		fadeSame = true
	)

	for i, m := range members {
		caps &= m.Caps

		if m.State.On {
			g.State.On = true
		} else {
			allOn = false
		}

		if m.State.On && m.Caps.Has(CapDimmable) && m.State.Brightness != nil {
			briSum += int(*m.State.Brightness)
			briCount++
		}

		if g.State.RGB == nil && m.Caps.Has(CapRGB) && m.State.RGB != nil {
			rgb := *m.State.RGB
			g.State.RGB = &rgb
		}
		if g.State.ColorTemp == nil && m.Caps.Has(CapColorTemp) && m.State.ColorTemp != nil {
			ct := *m.State.ColorTemp
			g.State.ColorTemp = &ct
		}

		if m.BusLine != line {
			oneLine = false
		}

		switch {
		case m.State.FadeTime == nil:
			fadeSame = false
		case i == 0:
			v := *m.State.FadeTime
			fade = &v
		case fade != nil && math.Abs(*fade-*m.State.FadeTime) >= 0.001:
			fadeSame = false
		}
	}

	g.Caps = caps
	g.AllMembers = allOn

	if briCount > 0 {
		mean := uint8(math.Round(float64(briSum) / float64(briCount)))
		g.State.Brightness = &mean
	}
	if oneLine {
		g.BusLine = &line
	}
	if fadeSame && fade != nil {
		g.State.FadeTime = fade
	}

	return g
}

func sortedUnique(ids []int) []int {
	out := make([]int, 0, len(ids))
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
