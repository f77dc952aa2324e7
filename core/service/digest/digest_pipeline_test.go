package digest

import (
	"context"
	"testing"
	"time"

	"digest_server/pkg/apperr"
)

func noop(sc *StageContext) error { return nil }

func TestPipelineValidation(t *testing.T) {
	tests := []struct {
		name    string
		stages  []*Stage
		wantErr bool
	}{
		{
			name: "valid chain",
			stages: []*Stage{
				{Name: "a", Run: noop},
				{Name: "b", DependsOn: []string{"a"}, Run: noop},
			},
		},
		{
			name: "duplicate name",
			stages: []*Stage{
				{Name: "a", Run: noop},
				{Name: "a", Run: noop},
			},
			wantErr: true,
		},
		{
			name: "unknown dependency",
			stages: []*Stage{
				{Name: "a", DependsOn: []string{"ghost"}, Run: noop},
			},
			wantErr: true,
		},
		{
			name: "cycle",
			stages: []*Stage{
				{Name: "a", DependsOn: []string{"b"}, Run: noop},
				{Name: "b", DependsOn: []string{"a"}, Run: noop},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPipeline(tt.stages)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPipeline err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTopologicalOrderIsStable(t *testing.T) {
	stages := []*Stage{
		{Name: "extract", Run: noop},
		{Name: "t0", DependsOn: []string{"extract"}, Run: noop},
		{Name: "t1", DependsOn: []string{"t0"}, Run: noop},
		{Name: "entities", DependsOn: []string{"t1"}, Run: noop},
		{Name: "enrich", DependsOn: []string{"entities"}, Run: noop},
		{Name: "render", DependsOn: []string{"enrich"}, Run: noop},
		{Name: "validate", DependsOn: []string{"render"}, Run: noop},
	}

	want := []string{"extract", "t0", "t1", "entities", "enrich", "render", "validate"}
	for i := 0; i < 10; i++ {
		p, err := NewPipeline(stages)
		if err != nil {
			t.Fatal(err)
		}
		got := p.Order()
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("iteration %d: order = %v, want %v", i, got, want)
			}
		}
	}
}

func TestUndeclaredReadAborts(t *testing.T) {
	stages := []*Stage{{
		Name:   "sneaky",
		Inputs: []Key{KeyMessages},
		Run: func(sc *StageContext) error {
			_, err := sc.Get(KeyHTML) // not declared
			return err
		},
	}}
	p, err := NewPipeline(stages)
	if err != nil {
		t.Fatal(err)
	}

	dctx := NewContext("u1", "s1", time.Now(), nil, nil)
	execErr := p.Execute(context.Background(), dctx)
	if !apperr.HasCode(execErr, apperr.CodeContractViolated) {
		t.Fatalf("err = %v, want ContractViolation", execErr)
	}
}

func TestUndeclaredWriteAborts(t *testing.T) {
	stages := []*Stage{{
		Name:    "sneaky",
		Outputs: []Key{KeyTemporal},
		Run: func(sc *StageContext) error {
			return sc.Set(KeyHTML, "<p>nope</p>")
		},
	}}
	p, _ := NewPipeline(stages)

	dctx := NewContext("u1", "s1", time.Now(), nil, nil)
	execErr := p.Execute(context.Background(), dctx)
	if !apperr.HasCode(execErr, apperr.CodeContractViolated) {
		t.Fatalf("err = %v, want ContractViolation", execErr)
	}
}

func TestOrdinaryStageErrorBecomesWarning(t *testing.T) {
	ran := false
	stages := []*Stage{
		{Name: "flaky", Run: func(sc *StageContext) error {
			return context.DeadlineExceeded
		}},
		{Name: "after", DependsOn: []string{"flaky"}, Run: func(sc *StageContext) error {
			ran = true
			return nil
		}},
	}
	p, _ := NewPipeline(stages)

	dctx := NewContext("u1", "s1", time.Now(), nil, nil)
	if err := p.Execute(context.Background(), dctx); err != nil {
		t.Fatalf("Execute err = %v, want nil", err)
	}
	if !ran {
		t.Error("pipeline stopped on a non-contract stage error")
	}
	if len(dctx.Warnings()) != 1 {
		t.Errorf("warnings = %v, want one", dctx.Warnings())
	}
}

func TestCancelledContextAborts(t *testing.T) {
	stages := []*Stage{{Name: "a", Run: noop}}
	p, _ := NewPipeline(stages)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dctx := NewContext("u1", "s1", time.Now(), nil, nil)
	if err := p.Execute(ctx, dctx); err == nil {
		t.Fatal("cancelled execute returned nil")
	}
}
