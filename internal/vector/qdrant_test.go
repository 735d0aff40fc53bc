package vector

import (
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
)

func pointRange(start, count int) []*qdrant.RetrievedPoint {
	points := make([]*qdrant.RetrievedPoint, 0, count)
	for i := start; i < start+count; i++ {
		points = append(points, &qdrant.RetrievedPoint{Id: qdrant.NewIDNum(uint64(i))})
	}
	return points
}

func TestScrollAllDrainsFullPages(t *testing.T) {
	total := scrollPageSize*2 + 500
	var offsets []*qdrant.PointId
	fetched := 0
	points, err := scrollAll(func(offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, error) {
		offsets = append(offsets, offset)
		remaining := total - fetched
		if remaining > scrollPageSize {
			remaining = scrollPageSize
		}
		page := pointRange(fetched, remaining)
		fetched += remaining
		return page, nil
	})
	if err != nil {
		t.Fatalf("scrollAll: %v", err)
	}
	if len(points) != total {
		t.Fatalf("drained %d points, want %d", len(points), total)
	}
	if len(offsets) != 3 {
		t.Fatalf("fetch called %d times, want 3", len(offsets))
	}
	if offsets[0] != nil {
		t.Error("first fetch did not start from the beginning")
	}
	if offsets[1].GetNum() != uint64(scrollPageSize-1) {
		t.Errorf("second offset = %d, want id of last first-page point %d",
			offsets[1].GetNum(), scrollPageSize-1)
	}
}

func TestScrollAllStopsOnShortPage(t *testing.T) {
	calls := 0
	points, err := scrollAll(func(offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, error) {
		calls++
		return pointRange(0, 3), nil
	})
	if err != nil {
		t.Fatalf("scrollAll: %v", err)
	}
	if calls != 1 {
		t.Errorf("short page fetched %d times, want 1", calls)
	}
	if len(points) != 3 {
		t.Errorf("got %d points, want 3", len(points))
	}
}

func TestScrollAllEmptyCollection(t *testing.T) {
	points, err := scrollAll(func(offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("scrollAll: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("got %d points from empty collection", len(points))
	}
}

func TestScrollAllPropagatesFetchError(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := scrollAll(func(offset *qdrant.PointId) ([]*qdrant.RetrievedPoint, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want the fetch error", err)
	}
}
