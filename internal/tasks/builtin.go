// Package tasks holds the builtin task definitions registered during
// startup wiring. Deployments add their own definitions the same way.
package tasks

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/CharanSaiVaddi/taskengine-backend/internal/registry"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/task"
)

// RegisterBuiltin adds the stock task types to reg.
func RegisterBuiltin(reg *registry.Registry) error {
	defs := []*registry.Definition{
		{
			Name:        "data_analysis",
			Description: "run an analysis pass over a stored dataset",
			Timeout:     2 * time.Hour,
			SoftTimeout: 115 * time.Minute,
			MaxRetries:  3,
			Queue:       "heavy",
			Params: &registry.ParamSpec{
				Required: []string{"dataset_id"},
				Types: map[string]string{
					"dataset_id":    "number",
					"analysis_type": "string",
				},
			},
			Handler: analyzeData,
		},
		{
			Name:        "file_processing",
			Description: "convert an uploaded file to the requested format",
			Timeout:     time.Hour,
			Params: &registry.ParamSpec{
				Required: []string{"file_path"},
				Types: map[string]string{
					"file_path":     "string",
					"output_format": "string",
				},
			},
			Handler: processFile,
		},
		{
			Name:        "report_generation",
			Description: "render a report document",
			Timeout:     30 * time.Minute,
			Priority:    7,
			Handler:     generateReport,
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// sleep waits for d or until the task is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return task.NewError(task.KindTimeout, "cancelled: %v", ctx.Err())
	}
}

func analyzeData(ctx context.Context, taskID string, params map[string]any) (any, error) {
	datasetID := params["dataset_id"]
	analysisType, _ := params["analysis_type"].(string)
	if analysisType == "" {
		analysisType = "basic"
	}

	if err := sleep(ctx, 5*time.Second); err != nil {
		return nil, err
	}

	return map[string]any{
		"dataset_id":    datasetID,
		"analysis_type": analysisType,
		"result":        "analysis_complete",
		"summary": map[string]any{
			"total_records": 1000 + rand.Intn(9000),
			"avg_value":     float64(int(rand.Float64()*10000)) / 100,
		},
	}, nil
}

func processFile(ctx context.Context, taskID string, params map[string]any) (any, error) {
	filePath, _ := params["file_path"].(string)
	outputFormat, _ := params["output_format"].(string)
	if outputFormat == "" {
		outputFormat = "json"
	}

	if err := sleep(ctx, 3*time.Second); err != nil {
		return nil, err
	}

	return map[string]any{
		"input_file":    filePath,
		"output_format": outputFormat,
		"output_file":   fmt.Sprintf("/results/%s.%s", taskID, outputFormat),
		"processed":     true,
	}, nil
}

func generateReport(ctx context.Context, taskID string, params map[string]any) (any, error) {
	reportType, _ := params["report_type"].(string)
	if reportType == "" {
		reportType = "summary"
	}

	if err := sleep(ctx, 2*time.Second); err != nil {
		return nil, err
	}

	return map[string]any{
		"report_type": reportType,
		"report_path": fmt.Sprintf("/reports/%s.pdf", taskID),
		"pages":       5 + rand.Intn(46),
	}, nil
}
