package planner

import (
	"errors"
	"math"
	"testing"

	"stepcore/standalone"
	"stepcore/standalone/config"
)

type fixedCounter [standalone.MaxAxes]int32

func (c *fixedCounter) Steps() [standalone.MaxAxes]int32 {
	return *c
}

func newTestPlanner() (*Planner, *fixedCounter) {
	cfg := config.DefaultCartesianConfig()
	counter := &fixedCounter{}
	return NewPlanner(cfg, counter, nil), counter
}

func TestQueueLineSteps(t *testing.T) {
	p, _ := newTestPlanner()

	pl := standalone.LineData{FeedRate: 600, LineNumber: 7}
	if err := p.QueueLine(standalone.MotorPosition{10, -5, 0.5}, &pl); err != nil {
		t.Fatalf("QueueLine failed: %v", err)
	}

	b := p.CurrentBlock()
	if b == nil {
		t.Fatal("Expected a current block")
	}
	if b.Steps[0] != 800 || b.Steps[1] != 400 || b.Steps[2] != 200 {
		t.Errorf("Expected steps [800 400 200], got %v", b.Steps[:3])
	}
	if b.StepEventCount != 800 {
		t.Errorf("Expected step event count 800, got %d", b.StepEventCount)
	}
	if b.DirBits != standalone.AxisBit(standalone.AxisY) {
		t.Errorf("Expected Y negative, got dir bits %s", b.DirBits)
	}
	if b.LineNumber != 7 {
		t.Errorf("Expected line 7, got %d", b.LineNumber)
	}

	want := math.Sqrt(10*10 + 5*5 + 0.5*0.5)
	if math.Abs(b.Millimeters-want) > 1e-9 {
		t.Errorf("Expected %f mm, got %f", want, b.Millimeters)
	}
	if b.ProgrammedRate != 600 {
		t.Errorf("Expected programmed rate 600, got %f", b.ProgrammedRate)
	}
	if got := p.Position(); got[0] != 800 || got[1] != -400 || got[2] != 200 {
		t.Errorf("Expected planner position [800 -400 200], got %v", got[:3])
	}
}

func TestQueueLineLimitsByAxis(t *testing.T) {
	p, _ := newTestPlanner()

	// Z is limited to 600 mm/min and 100 mm/s^2
	pl := standalone.LineData{Motion: standalone.MotionRapid}
	if err := p.QueueLine(standalone.MotorPosition{0, 0, -10}, &pl); err != nil {
		t.Fatalf("QueueLine failed: %v", err)
	}
	b := p.CurrentBlock()
	if math.Abs(b.RapidRate-600) > 1e-9 || b.ProgrammedRate != b.RapidRate {
		t.Errorf("Expected rapid rate 600, got %f (programmed %f)", b.RapidRate, b.ProgrammedRate)
	}
	if math.Abs(b.Acceleration-100*3600) > 1e-6 {
		t.Errorf("Expected acceleration %f, got %f", 100.0*3600, b.Acceleration)
	}

	// A diagonal XY move may go faster than a single axis limit
	p.DiscardCurrentBlock()
	pl = standalone.LineData{Motion: standalone.MotionRapid}
	if err := p.QueueLine(standalone.MotorPosition{10, 10, -10}, &pl); err != nil {
		t.Fatalf("QueueLine failed: %v", err)
	}
	b = p.CurrentBlock()
	if math.Abs(b.RapidRate-6000*math.Sqrt2) > 1e-6 {
		t.Errorf("Expected diagonal rapid %f, got %f", 6000*math.Sqrt2, b.RapidRate)
	}
}

func TestQueueLineEmptyAndFull(t *testing.T) {
	p, _ := newTestPlanner()

	pl := standalone.LineData{FeedRate: 100}
	if err := p.QueueLine(standalone.MotorPosition{}, &pl); !errors.Is(err, ErrEmptyBlock) {
		t.Errorf("Expected ErrEmptyBlock, got %v", err)
	}
	if !p.IsEmpty() {
		t.Errorf("Expected empty planner after empty block")
	}

	for i := 0; i < BlockBufferSize-1; i++ {
		pl := standalone.LineData{FeedRate: 100}
		if err := p.QueueLine(standalone.MotorPosition{float64(i + 1)}, &pl); err != nil {
			t.Fatalf("QueueLine %d failed: %v", i, err)
		}
	}
	if p.Available() != 0 || !p.IsFull() {
		t.Errorf("Expected full planner, %d available", p.Available())
	}

	pl = standalone.LineData{FeedRate: 100}
	if err := p.QueueLine(standalone.MotorPosition{100}, &pl); !errors.Is(err, ErrBufferFull) {
		t.Errorf("Expected ErrBufferFull, got %v", err)
	}

	p.DiscardCurrentBlock()
	if p.Available() != 1 {
		t.Errorf("Expected one free block after discard, got %d", p.Available())
	}
}

func TestQueueSystemLine(t *testing.T) {
	p, counter := newTestPlanner()
	counter[0] = 400 // machine is at X=5 even though the planner thinks X=0

	pl := standalone.LineData{FeedRate: 500}
	if err := p.QueueSystemLine(standalone.MotorPosition{-1}, &pl); err != nil {
		t.Fatalf("QueueSystemLine failed: %v", err)
	}

	if !p.IsEmpty() {
		t.Errorf("Expected system line to bypass the G-code ring")
	}
	if p.CurrentBlock() != nil {
		t.Errorf("Expected no current G-code block")
	}

	b := p.SystemMotionBlock()
	if b == nil {
		t.Fatal("Expected a system block")
	}
	if b.Steps[0] != 480 || b.DirBits != standalone.AxisBit(standalone.AxisX) {
		t.Errorf("Expected 480 negative X steps from live position, got %d dir %s", b.Steps[0], b.DirBits)
	}
	if b.Motion&standalone.MotionSystem == 0 {
		t.Errorf("Expected system motion flag")
	}
	if got := p.Position(); got[0] != 0 {
		t.Errorf("Expected planner position untouched, got %d", got[0])
	}

	p.Reset()
	if p.SystemMotionBlock() != nil {
		t.Errorf("Expected reset to drop the system block")
	}
}

func TestSyncPosition(t *testing.T) {
	p, _ := newTestPlanner()
	p.SyncPosition([standalone.MaxAxes]int32{80, 0, 0})

	pl := standalone.LineData{FeedRate: 100}
	if err := p.QueueLine(standalone.MotorPosition{2}, &pl); err != nil {
		t.Fatalf("QueueLine failed: %v", err)
	}
	if b := p.CurrentBlock(); b.Steps[0] != 80 {
		t.Errorf("Expected 80 steps from synced position, got %d", b.Steps[0])
	}
}

func TestQueueLineRejectsStepOverflow(t *testing.T) {
	tests := []struct {
		name string
		x    float64
	}{
		{"beyond int32", 3e7},
		{"below int32", -3e7},
		{"nan", math.NaN()},
		{"inf", math.Inf(1)},
		{"block too long", 5e6},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p, _ := newTestPlanner()

			pl := standalone.LineData{FeedRate: 600}
			err := p.QueueLine(standalone.MotorPosition{test.x}, &pl)
			if !errors.Is(err, ErrStepRange) {
				t.Fatalf("Expected ErrStepRange, got %v", err)
			}
			if !p.IsEmpty() {
				t.Errorf("Expected no block queued")
			}
			if got := p.Position(); got[0] != 0 {
				t.Errorf("Expected planner position unchanged, got %d", got[0])
			}

			pl = standalone.LineData{FeedRate: 600}
			if err := p.QueueSystemLine(standalone.MotorPosition{test.x}, &pl); !errors.Is(err, ErrStepRange) {
				t.Errorf("Expected ErrStepRange for system line, got %v", err)
			}
			if p.SystemMotionBlock() != nil {
				t.Errorf("Expected no system block")
			}
		})
	}
}
