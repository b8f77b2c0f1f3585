// Package handlers provides the built-in job_type handlers wired into
// the Worker Pool's Registry, adapted from original_source/app/workers/job_executor.py's
// JobExecutor.job_handlers map (send_email, data_export, data_fetch,
// data_processing, report_generation, plus a generic fallback for
// unknown types) — a supplemental feature per SPEC_FULL.md, since
// spec.md itself treats job execution as opaque and names no concrete
// types.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rezkam/jobqueue/internal/domain"
	"github.com/rezkam/jobqueue/internal/workerpool"
)

type payload map[string]any

func decodePayload(job *domain.Job) payload {
	var p payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return payload{}
	}
	return p
}

// Register wires every built-in handler into registry. The generic
// fallback is passed separately to workerpool.NewRegistry (see Generic).
func Register(registry *workerpool.Registry) {
	registry.Register("send_email", handleSendEmail)
	registry.Register("data_export", handleDataExport)
	registry.Register("data_fetch", handleDataFetch)
	registry.Register("data_processing", handleDataProcessing)
	registry.Register("report_generation", handleReportGeneration)
	registry.Register("generate_report", handleReportGeneration) // alias, per original_source
}

func handleSendEmail(ctx context.Context, job *domain.Job) ([]byte, error) {
	p := decodePayload(job)
	to, _ := p["to"].(string)
	if to == "" {
		to = "unknown"
	}
	template, _ := p["template"].(string)
	if template == "" {
		template = "default"
	}

	return json.Marshal(map[string]any{
		"email_sent": true,
		"recipient":  to,
		"template":   template,
		"message_id": fmt.Sprintf("msg_%s", job.ID),
	})
}

func handleDataExport(ctx context.Context, job *domain.Job) ([]byte, error) {
	p := decodePayload(job)
	format, _ := p["format"].(string)
	if format == "" {
		format = "csv"
	}

	return json.Marshal(map[string]any{
		"export_completed": true,
		"user_id":          p["user_id"],
		"format":           format,
		"download_url":     fmt.Sprintf("/exports/%s.%s", job.ID, format),
	})
}

func handleDataFetch(ctx context.Context, job *domain.Job) ([]byte, error) {
	p := decodePayload(job)
	source, _ := p["source"].(string)
	if source == "" {
		source = "unknown"
	}
	symbols, _ := p["symbols"].([]any)

	return json.Marshal(map[string]any{
		"fetch_completed": true,
		"source":          source,
		"symbols_fetched": len(symbols),
	})
}

func handleDataProcessing(ctx context.Context, job *domain.Job) ([]byte, error) {
	return json.Marshal(map[string]any{
		"processing_completed": true,
		"output_file":          fmt.Sprintf("/processed/%s_processed.json", job.ID),
	})
}

func handleReportGeneration(ctx context.Context, job *domain.Job) ([]byte, error) {
	p := decodePayload(job)
	reportType, _ := p["report_type"].(string)
	if reportType == "" {
		reportType = "unknown"
	}
	date, _ := p["date"].(string)

	return json.Marshal(map[string]any{
		"report_generated": true,
		"report_type":      reportType,
		"report_date":      date,
		"report_url":       fmt.Sprintf("/reports/%s_%s.pdf", job.ID, reportType),
	})
}

// Generic handles any job_type without a specific registration, mirroring
// JobExecutor._handle_generic_job. Pass this as the Registry's generic
// fallback via workerpool.NewRegistry.
func Generic(ctx context.Context, job *domain.Job) ([]byte, error) {
	return json.Marshal(map[string]any{
		"generic_job_completed": true,
		"job_type":              job.Type,
		"note":                  fmt.Sprintf("generic handler executed for %s", job.Type),
	})
}
