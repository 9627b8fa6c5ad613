package tasks

import (
	"testing"

	"github.com/CharanSaiVaddi/taskengine-backend/internal/registry"
)

func TestRegisterBuiltin(t *testing.T) {
	reg := registry.New()
	if err := RegisterBuiltin(reg); err != nil {
		t.Fatalf("register builtin: %v", err)
	}

	analysis, err := reg.Lookup("data_analysis")
	if err != nil {
		t.Fatalf("lookup data_analysis: %v", err)
	}
	if analysis.Queue != "heavy" {
		t.Fatalf("data_analysis queue = %s, want heavy", analysis.Queue)
	}
	if err := reg.ValidateParams("data_analysis", map[string]any{}); err == nil {
		t.Fatal("data_analysis must require dataset_id")
	}
	if err := reg.ValidateParams("data_analysis", map[string]any{"dataset_id": float64(1)}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}

	report, err := reg.Lookup("report_generation")
	if err != nil {
		t.Fatalf("lookup report_generation: %v", err)
	}
	if report.Priority != 7 {
		t.Fatalf("report_generation priority = %d, want 7", report.Priority)
	}

	if _, err := reg.Lookup("file_processing"); err != nil {
		t.Fatalf("lookup file_processing: %v", err)
	}

	// wiring the same registry twice must fail loudly, not overwrite
	if err := RegisterBuiltin(reg); err == nil {
		t.Fatal("second RegisterBuiltin must report duplicates")
	}
}
