package aircraft

import (
	"encoding/json"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yegors/skyrelay/internal/message"
	"github.com/yegors/skyrelay/internal/sanity"
	"github.com/yegors/skyrelay/pkg/logger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sec(n float64) time.Time {
	return t0.Add(time.Duration(n * float64(time.Second)))
}

func newTestTable() *Table {
	return NewTable(&atomic.Int64{}, sanity.NewWithClock(func() time.Time { return t0 }), 30, logger.NewNop())
}

func positionAt(a *Aircraft, version int64, lat, lon float64) {
	a.DataVersion = version
	a.Latitude.Set(lat, version)
	a.Longitude.Set(lon, version)
}

func TestValueSet(t *testing.T) {
	var v Value[int]

	if !v.Set(100, 1) || v.Changed != 1 {
		t.Fatalf("first Set: %+v", v)
	}
	if v.Set(100, 2) {
		t.Error("unchanged write reported a change")
	}
	if v.Changed != 1 {
		t.Errorf("unchanged write moved stamp to %d", v.Changed)
	}
	if !v.Set(200, 3) || v.Changed != 3 {
		t.Errorf("changed write: %+v", v)
	}
	if !v.ChangedSince(2) || v.ChangedSince(3) {
		t.Error("ChangedSince wrong")
	}

	var zero Value[int]
	if !zero.Set(0, 4) {
		t.Error("setting an unknown value to the zero value is a change")
	}
}

func TestValueJSON(t *testing.T) {
	var known, unknown Value[string]
	known.Set("BAW123", 1)

	out, err := json.Marshal(struct {
		A Value[string] `json:"a"`
		B Value[string] `json:"b"`
	}{known, unknown})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `{"a":"BAW123","b":null}` {
		t.Errorf("got %s", out)
	}
}

func TestTrailResetOnImplausibleJump(t *testing.T) {
	var a Aircraft

	positionAt(&a, 1, 51.0, 0.0)
	a.UpdateCoordinates(sec(0), 30)
	positionAt(&a, 2, 51.01, 0.0)
	a.UpdateCoordinates(sec(5), 30)

	// ~111 km in 10 seconds: needs ~277 s at the base rate
	positionAt(&a, 3, 52.01, 0.0)
	a.UpdateCoordinates(sec(15), 30)

	if len(a.FullTrail) != 1 || len(a.ShortTrail) != 1 {
		t.Fatalf("trails after jump: full=%d short=%d, want 1 and 1", len(a.FullTrail), len(a.ShortTrail))
	}
	if a.FullTrail[0].Lat != 52.01 {
		t.Errorf("surviving point lat = %v", a.FullTrail[0].Lat)
	}
	if a.FirstCoordinateChanged != 3 {
		t.Errorf("FirstCoordinateChanged = %d, want 3", a.FirstCoordinateChanged)
	}
}

func TestTrailKeepsPlausibleLongJump(t *testing.T) {
	var a Aircraft

	positionAt(&a, 1, 51.0, 0.0)
	a.UpdateCoordinates(sec(0), 600)
	// 20 km after 60 s is slower than the scaled threshold of 50 s
	positionAt(&a, 2, 51.18, 0.0)
	a.UpdateCoordinates(sec(60), 600)

	if len(a.FullTrail) != 2 {
		t.Errorf("FullTrail = %d points, want 2", len(a.FullTrail))
	}
}

func TestTrailCompaction(t *testing.T) {
	t.Run("identical samples collapse to one point", func(t *testing.T) {
		var a Aircraft
		for i := 0; i < 3; i++ {
			positionAt(&a, int64(i+1), 51.0, -1.0)
			a.Track.Set(90.2, int64(i+1))
			a.Altitude.Set(10000, int64(i+1))
			a.GroundSpeed.Set(250, int64(i+1))
			a.UpdateCoordinates(sec(float64(i)), 30)
		}
		if len(a.FullTrail) != 1 {
			t.Fatalf("FullTrail = %d points, want 1", len(a.FullTrail))
		}
		if !a.FullTrail[0].Tick.Equal(sec(2)) {
			t.Errorf("kept point tick = %v, want the newest", a.FullTrail[0].Tick)
		}
	})

	t.Run("straight level flight keeps the end points", func(t *testing.T) {
		var a Aircraft
		for i := 0; i < 5; i++ {
			positionAt(&a, int64(i+1), 51.0+float64(i)*0.001, -1.0)
			// jitter inside one bucket
			a.Track.Set(0.1*float64(i%2), int64(i+1))
			a.Altitude.Set(10000+5*(i%2), int64(i+1))
			a.GroundSpeed.Set(250, int64(i+1))
			a.UpdateCoordinates(sec(float64(i)), 30)
		}
		if len(a.FullTrail) != 2 {
			t.Fatalf("FullTrail = %d points, want 2", len(a.FullTrail))
		}
		if math.Abs(a.FullTrail[1].Lat-51.004) > 1e-9 {
			t.Errorf("last point lat = %v, want 51.004", a.FullTrail[1].Lat)
		}
	})

	t.Run("turn appends", func(t *testing.T) {
		var a Aircraft
		for i, track := range []float64{0, 0, 10} {
			positionAt(&a, int64(i+1), 51.0+float64(i)*0.001, -1.0)
			a.Track.Set(track, int64(i+1))
			a.UpdateCoordinates(sec(float64(i)), 30)
		}
		if len(a.FullTrail) != 3 {
			t.Errorf("FullTrail = %d points, want 3", len(a.FullTrail))
		}
	})
}

func TestTrailTimingRules(t *testing.T) {
	var a Aircraft

	a.UpdateCoordinates(sec(0), 30)
	if len(a.FullTrail) != 0 {
		t.Fatal("trail updated without a position")
	}

	positionAt(&a, 1, 51.0, 0.0)
	a.UpdateCoordinates(sec(10), 30)
	positionAt(&a, 2, 51.001, 0.0)
	a.Track.Set(45, 2)
	a.UpdateCoordinates(sec(10.5), 30)
	if len(a.FullTrail) != 1 {
		t.Errorf("point within one second was added")
	}

	// Clock jitter: a tick behind the last point never reorders the trail.
	a.UpdateCoordinates(sec(8), 30)
	if len(a.FullTrail) != 1 {
		t.Errorf("point behind the trail was added")
	}
}

func TestShortTrailWindow(t *testing.T) {
	var a Aircraft
	for i := 0; i < 10; i++ {
		positionAt(&a, int64(i+1), 51.0+float64(i)*0.01, 0.0)
		a.Track.Set(float64(i*10), int64(i+1)) // every point is a turn
		a.UpdateCoordinates(sec(float64(i*10)), 30)
	}

	if len(a.FullTrail) != 10 {
		t.Errorf("FullTrail = %d points, want 10", len(a.FullTrail))
	}
	cutoff := sec(90).Add(-30 * time.Second)
	for _, c := range a.ShortTrail {
		if c.Tick.Before(cutoff) {
			t.Errorf("short trail holds point at %v older than %v", c.Tick, cutoff)
		}
	}
	if len(a.ShortTrail) != 4 {
		t.Errorf("ShortTrail = %d points, want 4", len(a.ShortTrail))
	}
	for i := 1; i < len(a.FullTrail); i++ {
		if a.FullTrail[i].Tick.Before(a.FullTrail[i-1].Tick) {
			t.Fatal("FullTrail out of order")
		}
	}
}

func TestResetCoordinates(t *testing.T) {
	r := NewRecord(1, "4CA251")
	r.Update(func(a *Aircraft) { positionAt(a, 1, 51, 0) })
	r.UpdateCoordinates(sec(0), 30)
	r.ResetCoordinates()

	c := r.Clone()
	if len(c.FullTrail) != 0 || len(c.ShortTrail) != 0 || c.LastCoordinateChanged != 0 {
		t.Errorf("ResetCoordinates left %+v", c)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	r := NewRecord(7, "4CA251")
	r.Update(func(a *Aircraft) {
		positionAt(a, 1, 51, 0)
		a.Callsign.Set("BAW1", 1)
		a.UpdateCoordinates(sec(0), 30)
	})

	snap := r.Clone()
	r.Update(func(a *Aircraft) {
		a.DataVersion = 2
		a.Callsign.Set("BAW2", 2)
		a.FullTrail[0].Lat = 99
	})

	if snap.Callsign.Val != "BAW1" || snap.DataVersion != 1 {
		t.Errorf("snapshot changed with the record: %+v", snap.Callsign)
	}
	if snap.FullTrail[0].Lat != 51 {
		t.Errorf("snapshot trail shares storage with the record")
	}
	if snap.UniqueID != 7 || snap.Icao != "4CA251" {
		t.Errorf("identity not copied: %d %s", snap.UniqueID, snap.Icao)
	}
}

func TestProcessMessageVersioning(t *testing.T) {
	table := newTestTable()

	msgs := []*message.Message{
		{Icao: "4CA251", Received: sec(0), Callsign: message.Ptr("EIN12"), Altitude: message.Ptr(1000)},
		{Icao: "4CA251", Received: sec(1), Altitude: message.Ptr(1000)},
		{Icao: "4CA251", Received: sec(2), Altitude: message.Ptr(1020), Squawk: message.Ptr(7700)},
	}

	var results []Result
	for i, m := range msgs {
		res := table.ProcessMessage(m, 5)
		if res.DataVersion != int64(i+1) {
			t.Fatalf("message %d: DataVersion = %d", i, res.DataVersion)
		}
		results = append(results, res)
	}
	if !results[0].Created || results[1].Created {
		t.Error("only the first message should create the record")
	}

	a, ok := table.Get("4CA251")
	if !ok {
		t.Fatal("aircraft missing")
	}
	if a.DataVersion != 3 {
		t.Errorf("DataVersion = %d, want 3", a.DataVersion)
	}
	if a.Callsign.Changed != 1 {
		t.Errorf("Callsign stamp = %d, want 1", a.Callsign.Changed)
	}
	if a.Altitude.Val != 1020 || a.Altitude.Changed != 3 {
		t.Errorf("Altitude = %d@%d, want 1020@3", a.Altitude.Val, a.Altitude.Changed)
	}
	if !a.Emergency.Val {
		t.Error("7700 did not flag an emergency")
	}
	if a.ReceiverID.Val != 5 || a.ReceiverID.Changed != 1 {
		t.Errorf("ReceiverID = %d@%d", a.ReceiverID.Val, a.ReceiverID.Changed)
	}
	if a.CountMessagesReceived.Val != 3 {
		t.Errorf("CountMessagesReceived = %d", a.CountMessagesReceived.Val)
	}
}

func TestProcessMessageRejectsCertainlyWrong(t *testing.T) {
	table := newTestTable()

	table.ProcessMessage(&message.Message{Icao: "4CA251", Received: sec(0), Altitude: message.Ptr(1000)}, 1)
	table.ProcessMessage(&message.Message{Icao: "4CA251", Received: sec(1), Altitude: message.Ptr(1010)}, 1)
	res := table.ProcessMessage(&message.Message{Icao: "4CA251", Received: sec(2), Altitude: message.Ptr(40000)}, 1)

	if !res.RejectedAltitude {
		t.Fatal("implausible altitude after a good baseline was applied")
	}
	a, _ := table.Get("4CA251")
	if a.Altitude.Val != 1010 {
		t.Errorf("Altitude = %d, want 1010", a.Altitude.Val)
	}
	if a.DataVersion != 3 {
		t.Errorf("rejected field still counts as an update: DataVersion = %d, want 3", a.DataVersion)
	}
}

func TestProcessMessageBuildsTrail(t *testing.T) {
	table := newTestTable()
	for i := 0; i < 3; i++ {
		table.ProcessMessage(&message.Message{
			Icao:      "40621D",
			Received:  sec(float64(i * 2)),
			Latitude:  message.Ptr(52.0 + float64(i)*0.002),
			Longitude: message.Ptr(4.0),
			Track:     message.Ptr(float64(i * 20)),
		}, 1)
	}

	a, _ := table.Get("40621D")
	if len(a.FullTrail) != 3 {
		t.Errorf("FullTrail = %d, want 3", len(a.FullTrail))
	}
	if a.LastCoordinateChanged != a.DataVersion {
		t.Errorf("LastCoordinateChanged = %d, DataVersion = %d", a.LastCoordinateChanged, a.DataVersion)
	}
}

func TestUniqueIDsAreSharedAcrossTables(t *testing.T) {
	ids := &atomic.Int64{}
	filter := sanity.New()
	a := NewTable(ids, filter, 30, logger.NewNop())
	b := NewTable(ids, filter, 30, logger.NewNop())

	r1 := a.ProcessMessage(&message.Message{Icao: "AAAAAA", Received: sec(0)}, 1)
	r2 := b.ProcessMessage(&message.Message{Icao: "AAAAAA", Received: sec(0)}, 2)
	if r1.UniqueID == r2.UniqueID {
		t.Errorf("tables allocated the same unique id %d", r1.UniqueID)
	}
}

func TestRemoveStale(t *testing.T) {
	table := newTestTable()
	table.ProcessMessage(&message.Message{Icao: "AAAAAA", Received: sec(0)}, 1)
	table.ProcessMessage(&message.Message{Icao: "BBBBBB", Received: sec(100)}, 1)

	removed := table.RemoveStale(sec(130), 60*time.Second)
	if len(removed) != 1 || removed[0] != "AAAAAA" {
		t.Fatalf("removed = %v, want [AAAAAA]", removed)
	}
	if table.Count() != 1 {
		t.Errorf("Count = %d, want 1", table.Count())
	}

	snap := table.Snapshot()
	if len(snap) != 1 || snap[0].Icao != "BBBBBB" {
		t.Errorf("Snapshot = %v", snap)
	}

	table.Reset()
	if table.Count() != 0 {
		t.Errorf("Count after Reset = %d", table.Count())
	}
}
