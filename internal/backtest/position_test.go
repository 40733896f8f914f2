package backtest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mazstick/marketlib/internal/domain"
)

func newLong(t *testing.T, size, entry, feeIn float64, stop, tp *float64) *Position {
	t.Helper()
	return NewPosition(PositionParams{
		Market:     "BTCUSDT",
		Side:       domain.PositionSideLong,
		Size:       size,
		EntryPrice: entry,
		EntryTime:  t0,
		Stop:       stop,
		TakeProfit: tp,
		FeeIn:      feeIn,
	})
}

func newShort(t *testing.T, size, entry, feeIn float64, stop, tp *float64) *Position {
	t.Helper()
	return NewPosition(PositionParams{
		Market:     "BTCUSDT",
		Side:       domain.PositionSideShort,
		Size:       size,
		EntryPrice: entry,
		EntryTime:  t0,
		Stop:       stop,
		TakeProfit: tp,
		FeeIn:      feeIn,
	})
}

func TestNewPositionBooksEntry(t *testing.T) {
	p := newLong(t, 2, 100, 1.5, fp(95), nil)

	if !p.IsOpen() {
		t.Fatal("fresh position should be open")
	}
	if p.Dir != 1 {
		t.Errorf("long dir = %v, want 1", p.Dir)
	}
	if !almostEqual(p.RealizedPnL, -1.5) {
		t.Errorf("realized pnl = %v, want -fee_in", p.RealizedPnL)
	}
	if !almostEqual(p.Highest, 100) || !almostEqual(p.Lowest, 100) {
		t.Errorf("extremes = %v/%v, want entry price", p.Highest, p.Lowest)
	}
	if p.ContractValue != 1 {
		t.Errorf("contract value = %v, want default 1", p.ContractValue)
	}

	if len(p.Orders) != 1 {
		t.Fatalf("orders = %d, want the synthetic entry order", len(p.Orders))
	}
	init := p.Orders[0]
	if init.Side != domain.OrderSideBuy {
		t.Errorf("long entry order side = %q, want buy", init.Side)
	}
	if init.Status != domain.OrderStatusFilled {
		t.Errorf("entry order status = %q, want filled", init.Status)
	}
	if init.FillReason != "init position order" {
		t.Errorf("entry order fill reason = %q", init.FillReason)
	}
	if init.PositionID != p.ID {
		t.Errorf("entry order not linked: %q != %q", init.PositionID, p.ID)
	}

	short := newShort(t, 1, 100, 0, nil, nil)
	if short.Dir != -1 {
		t.Errorf("short dir = %v, want -1", short.Dir)
	}
	if short.Orders[0].Side != domain.OrderSideSell {
		t.Errorf("short entry order side = %q, want sell", short.Orders[0].Side)
	}
}

func TestUnrealizedPnL(t *testing.T) {
	long := newLong(t, 2, 100, 0, nil, nil)
	if got := long.UnrealizedPnL(105); !almostEqual(got, 10) {
		t.Errorf("long unrealized at 105 = %v, want 10", got)
	}
	short := newShort(t, 2, 100, 0, nil, nil)
	if got := short.UnrealizedPnL(105); !almostEqual(got, -10) {
		t.Errorf("short unrealized at 105 = %v, want -10", got)
	}
}

func TestRiskPerUnit(t *testing.T) {
	p := newLong(t, 1, 100, 0, fp(95), nil)
	if r := p.RiskPerUnit(); r == nil || !almostEqual(*r, 5) {
		t.Errorf("risk per unit = %v, want 5", r)
	}
	p.SetStop(nil)
	if p.RiskPerUnit() != nil {
		t.Error("risk per unit should be nil without a stop")
	}
}

func TestApplyFillScaleInVWAP(t *testing.T) {
	p := newLong(t, 1, 100, 1, nil, nil)

	add := NewOrder(domain.OrderSideBuy, 1, 110, t0.Add(time.Hour), "")
	p.ApplyFill(add, 1, 110, 0.5, t0.Add(time.Hour))

	if !almostEqual(p.EntryPrice, 105) {
		t.Errorf("vwap entry = %v, want 105", p.EntryPrice)
	}
	if !almostEqual(p.Size, 2) {
		t.Errorf("size = %v, want 2", p.Size)
	}
	if !almostEqual(p.EntryPrice*p.Size, 100*1+110*1) {
		t.Errorf("cost not preserved: %v", p.EntryPrice*p.Size)
	}
	if !almostEqual(p.RealizedPnL, -1.5) {
		t.Errorf("realized pnl = %v, want both fees booked", p.RealizedPnL)
	}
	if !almostEqual(p.Highest, 110) || !almostEqual(p.Lowest, 100) {
		t.Errorf("extremes = %v/%v, want fill price folded in", p.Highest, p.Lowest)
	}
	if len(p.Orders) != 2 {
		t.Errorf("orders = %d, want entry plus scale-in", len(p.Orders))
	}
}

func TestApplyFillOppositeSideReduces(t *testing.T) {
	p := newLong(t, 2, 100, 0, nil, nil)

	exit := NewOrder(domain.OrderSideSell, 1, 110, t0.Add(time.Hour), "")
	p.ApplyFill(exit, 1, 110, 0.5, t0.Add(time.Hour))

	if !almostEqual(p.Size, 1) {
		t.Errorf("size = %v, want 1 after reduce", p.Size)
	}
	if !almostEqual(p.RealizedPnL, 9.5) {
		t.Errorf("realized pnl = %v, want 10 gross minus exit fee", p.RealizedPnL)
	}
}

func TestReduceClampAndFullCycleAccounting(t *testing.T) {
	p := newLong(t, 2, 100, 1, nil, nil)

	rec1, ok := p.Reduce(1, 110, t0.Add(time.Hour), 0.5, "tp")
	if !ok {
		t.Fatal("first reduce should execute")
	}
	if !almostEqual(rec1.PnLNet, 9.5) {
		t.Errorf("first record pnl = %v, want 9.5", rec1.PnLNet)
	}
	if p.Closed {
		t.Fatal("position should stay open with size remaining")
	}

	// Over-asking clamps to the remaining size instead of going negative.
	rec2, ok := p.Reduce(5, 90, t0.Add(2*time.Hour), 0.5, "stop")
	if !ok {
		t.Fatal("second reduce should execute")
	}
	if !almostEqual(rec2.Size, 1) {
		t.Errorf("executed size = %v, want clamped to 1", rec2.Size)
	}
	if p.Size < 0 {
		t.Errorf("size went negative: %v", p.Size)
	}
	if !p.Closed {
		t.Fatal("position should be closed after reducing to zero")
	}
	if p.ExitPrice == nil || !almostEqual(*p.ExitPrice, 90) || p.ExitReason != "stop" {
		t.Errorf("exit not frozen: price=%v reason=%q", p.ExitPrice, p.ExitReason)
	}

	// Realized PnL of the full cycle equals the records' net minus the entry fee.
	wantRealized := rec1.PnLNet + rec2.PnLNet - 1
	if !almostEqual(p.RealizedPnL, wantRealized) {
		t.Errorf("realized pnl = %v, want %v", p.RealizedPnL, wantRealized)
	}
	if !almostEqual(p.FeeOutCum, 1) {
		t.Errorf("fee out cum = %v, want 1", p.FeeOutCum)
	}

	if _, ok := p.Reduce(1, 80, t0.Add(3*time.Hour), 0, "late"); ok {
		t.Error("reduce on a closed position should be a no-op")
	}
}

func TestReduceRejectsNonPositiveSize(t *testing.T) {
	p := newLong(t, 1, 100, 0, nil, nil)
	if _, ok := p.Reduce(0, 110, t0, 0, "x"); ok {
		t.Error("zero exit size should not execute")
	}
	if _, ok := p.Reduce(-1, 110, t0, 0, "x"); ok {
		t.Error("negative exit size should not execute")
	}
	if !almostEqual(p.Size, 1) || p.Closed {
		t.Error("no-op reduce mutated the position")
	}
}

func TestCloseDefaultReason(t *testing.T) {
	p := newLong(t, 1, 100, 0, nil, nil)
	rec, ok := p.Close(105, t0.Add(time.Hour), 0, "")
	if !ok {
		t.Fatal("close should execute")
	}
	if rec.Reason != domain.ExitReasonClose {
		t.Errorf("reason = %q, want default close", rec.Reason)
	}
	if p.ExitTime == nil || !p.ExitTime.Equal(t0.Add(time.Hour)) {
		t.Errorf("exit time = %v", p.ExitTime)
	}
}

func TestUpdateBarExcursions(t *testing.T) {
	p := newLong(t, 1, 100, 0, fp(95), nil)

	p.UpdateBar(t0.Add(time.Hour), 104, 98, 103)
	if !almostEqual(p.MFE, 4) || !almostEqual(p.MAE, -2) {
		t.Errorf("currency excursions = %v/%v, want 4/-2", p.MFE, p.MAE)
	}
	if !almostEqual(p.MFER, 0.8) || !almostEqual(p.MAER, -0.4) {
		t.Errorf("R excursions = %v/%v, want 0.8/-0.4", p.MFER, p.MAER)
	}

	// A weaker bar must not shrink MFE nor raise MAE.
	p.UpdateBar(t0.Add(2*time.Hour), 102, 96, 98)
	if !almostEqual(p.MFE, 4) {
		t.Errorf("MFE regressed to %v", p.MFE)
	}
	if !almostEqual(p.MAE, -4) {
		t.Errorf("MAE = %v, want -4", p.MAE)
	}
	if !almostEqual(p.MFER, 0.8) || !almostEqual(p.MAER, -0.8) {
		t.Errorf("R excursions = %v/%v, want 0.8/-0.8", p.MFER, p.MAER)
	}

	if len(p.History) != 2 {
		t.Fatalf("history = %d snapshots, want 2", len(p.History))
	}
	last := p.History[1]
	if !almostEqual(last.Unrealized, -2) {
		t.Errorf("snapshot unrealized = %v, want -2 at close 98", last.Unrealized)
	}
	if !almostEqual(p.Highest, 104) || !almostEqual(p.Lowest, 96) {
		t.Errorf("extremes = %v/%v", p.Highest, p.Lowest)
	}
}

func TestUpdateBarWithoutStopSkipsR(t *testing.T) {
	p := newLong(t, 1, 100, 0, nil, nil)
	p.UpdateBar(t0.Add(time.Hour), 110, 90, 100)
	if p.MFER != 0 || p.MAER != 0 {
		t.Errorf("R excursions moved without a stop: %v/%v", p.MFER, p.MAER)
	}
	if !almostEqual(p.MFE, 10) || !almostEqual(p.MAE, -10) {
		t.Errorf("currency excursions = %v/%v", p.MFE, p.MAE)
	}
}

func TestUpdateBarClosedIsNoop(t *testing.T) {
	p := newLong(t, 1, 100, 0, nil, nil)
	p.Close(105, t0.Add(time.Hour), 0, "")

	p.UpdateBar(t0.Add(2*time.Hour), 120, 80, 100)
	if len(p.History) != 0 {
		t.Error("closed position recorded a bar snapshot")
	}
	if !almostEqual(p.Highest, 100) {
		t.Errorf("closed position extremes moved: %v", p.Highest)
	}
}

func TestCheckStopTPPriority(t *testing.T) {
	tests := []struct {
		name       string
		side       domain.PositionSide
		stop, tp   float64
		high, low  float64
		priority   ExitPriority
		wantPrice  float64
		wantReason string
	}{
		{"long stop first", domain.PositionSideLong, 95, 105, 106, 94, StopFirst, 95, domain.ExitReasonStop},
		{"long tp first", domain.PositionSideLong, 95, 105, 106, 94, TPFirst, 105, domain.ExitReasonTP},
		{"long only tp", domain.PositionSideLong, 95, 105, 106, 96, StopFirst, 105, domain.ExitReasonTP},
		{"long only stop", domain.PositionSideLong, 95, 105, 104, 94, TPFirst, 95, domain.ExitReasonStop},
		{"short stop first", domain.PositionSideShort, 105, 95, 106, 94, StopFirst, 105, domain.ExitReasonStop},
		{"short tp first", domain.PositionSideShort, 105, 95, 106, 94, TPFirst, 95, domain.ExitReasonTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p *Position
			if tt.side == domain.PositionSideLong {
				p = newLong(t, 1, 100, 0, fp(tt.stop), fp(tt.tp))
			} else {
				p = newShort(t, 1, 100, 0, fp(tt.stop), fp(tt.tp))
			}
			trig, ok := p.CheckStopTP(tt.high, tt.low, tt.priority)
			if !ok {
				t.Fatal("expected a trigger")
			}
			if !almostEqual(trig.Price, tt.wantPrice) || trig.Reason != tt.wantReason {
				t.Errorf("trigger = %v/%q, want %v/%q", trig.Price, trig.Reason, tt.wantPrice, tt.wantReason)
			}
			if !p.IsOpen() || !almostEqual(p.Size, 1) {
				t.Error("CheckStopTP mutated the position")
			}
		})
	}
}

func TestCheckStopTPMisses(t *testing.T) {
	p := newLong(t, 1, 100, 0, fp(95), fp(105))
	if _, ok := p.CheckStopTP(104, 96, StopFirst); ok {
		t.Error("range inside the levels should not trigger")
	}
	p.Close(100, t0, 0, "")
	if _, ok := p.CheckStopTP(200, 0, StopFirst); ok {
		t.Error("closed position should never trigger")
	}
}

func TestTrailingTightenOnly(t *testing.T) {
	p := newLong(t, 1, 100, 0, fp(95), nil)
	p.UpdateBar(t0.Add(time.Hour), 110, 99, 108)

	p.TrailStopByATR(2, 2) // candidate 110-4 = 106
	if p.Stop == nil || !almostEqual(*p.Stop, 106) {
		t.Fatalf("stop = %v, want trailed to 106", p.Stop)
	}

	// A wider candidate must never loosen the stop.
	p.TrailStopByATR(5, 2) // candidate 110-10 = 100
	if !almostEqual(*p.Stop, 106) {
		t.Errorf("stop loosened to %v", *p.Stop)
	}

	s := newShort(t, 1, 100, 0, fp(105), nil)
	s.UpdateBar(t0.Add(time.Hour), 101, 90, 92)
	s.TrailStopByExtremes(3) // candidate 90+3 = 93
	if s.Stop == nil || !almostEqual(*s.Stop, 93) {
		t.Fatalf("short stop = %v, want trailed to 93", s.Stop)
	}
	s.TrailStopByExtremes(8) // candidate 98, looser
	if !almostEqual(*s.Stop, 93) {
		t.Errorf("short stop loosened to %v", *s.Stop)
	}
}

func TestTrailingSetsStopWhenUnset(t *testing.T) {
	p := newLong(t, 1, 100, 0, nil, nil)
	p.UpdateBar(t0.Add(time.Hour), 104, 100, 103)
	p.TrailStopByExtremes(2)
	if p.Stop == nil || !almostEqual(*p.Stop, 102) {
		t.Errorf("stop = %v, want 102", p.Stop)
	}
}

func TestMoveStopToBreakevenOnMFER(t *testing.T) {
	p := newLong(t, 1, 100, 0, fp(95), nil)

	p.UpdateBar(t0.Add(time.Hour), 103, 99, 102) // MFER 0.6
	p.MoveStopToBreakevenOnMFER(1)
	if !almostEqual(*p.Stop, 95) {
		t.Errorf("stop moved early: %v", *p.Stop)
	}

	p.UpdateBar(t0.Add(2*time.Hour), 106, 101, 105) // MFER 1.2
	p.MoveStopToBreakevenOnMFER(0)                  // threshold defaults to 1R
	if !almostEqual(*p.Stop, 100) {
		t.Errorf("stop = %v, want entry after 1R excursion", *p.Stop)
	}
}

func TestTargetLadder(t *testing.T) {
	p := newLong(t, 2, 100, 0, fp(95), nil)
	p.SetTargets([]TargetPlan{
		{Price: 105, Ratio: 0.5, Label: "tp1", Filled: true}, // Filled must reset
		{Price: 110, Ratio: 1, Label: "tp2"},
	})
	if p.Targets[0].Filled {
		t.Fatal("SetTargets should reset fill flags")
	}

	hits := p.CheckTargets(106, 99)
	if len(hits) != 1 || hits[0].Label != "tp1" {
		t.Fatalf("hits = %v, want only tp1", hits)
	}
	if !almostEqual(p.Size, 2) || hits[0].Filled {
		t.Error("CheckTargets mutated state")
	}

	rec, ok := p.Reduce(hits[0].Ratio*p.Size, hits[0].Price, t0.Add(time.Hour), 0, hits[0].Label)
	if !ok || !almostEqual(rec.Size, 1) {
		t.Fatalf("partial exit = %+v ok=%v, want size 1", rec, ok)
	}
	p.MarkTargetFilled(hits[0])

	if again := p.CheckTargets(106, 99); len(again) != 0 {
		t.Errorf("filled target hit again: %v", again)
	}

	hits = p.CheckTargets(111, 99)
	if len(hits) != 1 || hits[0].Label != "tp2" {
		t.Fatalf("hits = %v, want tp2", hits)
	}

	short := newShort(t, 1, 100, 0, nil, nil)
	short.SetTargets([]TargetPlan{{Price: 92, Ratio: 1}})
	if len(short.CheckTargets(99, 91)) != 1 {
		t.Error("short target at 92 should hit on low 91")
	}
}

func TestSnapshotDetached(t *testing.T) {
	p := newLong(t, 2, 100, 1, fp(95), fp(110))
	p.UpdateBar(t0.Add(time.Hour), 104, 98, 103)
	p.SetTargets([]TargetPlan{{Price: 108, Ratio: 0.5}})

	snap := p.Snapshot()
	p.SetStop(fp(99))
	p.Reduce(2, 104, t0.Add(2*time.Hour), 0, "tp")

	if snap.Stop == nil || !almostEqual(*snap.Stop, 95) {
		t.Errorf("snapshot stop followed the live position: %v", snap.Stop)
	}
	if snap.Closed {
		t.Error("snapshot closed flag followed the live position")
	}
	if len(snap.Orders) != 1 || len(snap.Targets) != 1 || len(snap.History) != 1 {
		t.Errorf("snapshot contents: %d orders, %d targets, %d history",
			len(snap.Orders), len(snap.Targets), len(snap.History))
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	p := newLong(t, 1, 100, 0, nil, nil)
	p.Close(110, t0.Add(time.Hour), 0, "")

	art, err := p.Artifact("run-1")
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if art.RunID != "run-1" || art.PositionID != p.ID || !art.Closed {
		t.Errorf("artifact header = %+v", art)
	}
	if art.ClosedAt == nil {
		t.Error("closed position should carry a closed_at")
	}
	var st PositionState
	if err := json.Unmarshal(art.Snapshot, &st); err != nil {
		t.Fatalf("snapshot not valid json: %v", err)
	}
	if st.ID != p.ID || !almostEqual(st.RealizedPnL, 10) {
		t.Errorf("snapshot = id %q pnl %v", st.ID, st.RealizedPnL)
	}
}
