package dispatch

import (
	"fmt"
	"strings"
	"time"

	"dispatchloop/internal/model"
)

// BuildInstance serializes a routing pool into the text format the solver's
// from-scratch endpoint accepts, and returns the node index that makes the
// resulting solution's node ids resolvable back to orders.
//
// Node numbering is fixed: depot is 0, pickups are 1..n in pool order,
// deliveries are n+1..2n with delivery(i) pairing pickup(i). The diff engine
// relies on this layout staying put between consecutive solves over the same
// pool.
func BuildInstance(orgID string, depot model.Depot, pool []model.Order) (string, map[int]model.NodeRef) {
	n := len(pool)
	index := make(map[int]model.NodeRef, 2*n+1)
	index[0] = model.NodeRef{Kind: model.NodeDepot}

	var b strings.Builder
	fmt.Fprintf(&b, "NAME: %s-%d\n", orgID, time.Now().Unix())
	fmt.Fprintf(&b, "SIZE: %d\n", 2*n+1)
	b.WriteString("NODES\n")
	writeNode(&b, 0, depot.Location, 0, 0, nil, 0)
	for i, o := range pool {
		pid := i + 1
		did := n + i + 1
		index[pid] = model.NodeRef{Kind: model.NodePickup, OrderID: o.ID}
		index[did] = model.NodeRef{Kind: model.NodeDelivery, OrderID: o.ID}
		writeNode(&b, pid, stopLocation(o.Pickup), 1, did, stopWindow(o.Pickup), stopService(o.Pickup))
		writeNode(&b, did, stopLocation(o.Delivery), -1, pid, stopWindow(o.Delivery), stopService(o.Delivery))
	}
	b.WriteString("EOF\n")
	return b.String(), index
}

func writeNode(b *strings.Builder, id int, loc *model.GeoPoint, demand, pair int, tw *model.TimeWindow, serviceSec int) {
	lat, lng := 0.0, 0.0
	if loc != nil {
		lat, lng = loc.Lat, loc.Lng
	}
	start, end := "-", "-"
	if tw != nil {
		start, end = tw.Start, tw.End
	}
	fmt.Fprintf(b, "%d %.6f %.6f %d %d %s %s %d\n", id, lat, lng, demand, pair, start, end, serviceSec)
}

func stopLocation(s *model.StopSpec) *model.GeoPoint {
	if s == nil {
		return nil
	}
	return s.Location
}

func stopWindow(s *model.StopSpec) *model.TimeWindow {
	if s == nil {
		return nil
	}
	return s.TimeWindow
}

func stopService(s *model.StopSpec) int {
	if s == nil {
		return 0
	}
	return s.ServiceTimeSec
}
