package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/hed1ad/kddguard/internal/alerts"
	"github.com/hed1ad/kddguard/internal/history"
	"github.com/hed1ad/kddguard/pkg/kdd"
	"github.com/hed1ad/kddguard/pkg/pipeline"
)

// Prediction sources recorded in history and alerts.
const (
	sourceAPI    = "api"
	sourceBatch  = "batch"
	sourceSample = "sample"
)

// predictionResponse is the body of a successful prediction.
type predictionResponse struct {
	Prediction string    `json:"prediction"` // Normal or Anomalie
	Score      float64   `json:"score"`
	Label      kdd.Label `json:"label"`
	Filled     []string  `json:"filled,omitempty"`
}

func newPredictionResponse(r *pipeline.Result) predictionResponse {
	return predictionResponse{
		Prediction: r.Label.Display(),
		Score:      r.Score,
		Label:      r.Label,
		Filled:     r.Filled,
	}
}

// batchRow is one row of a /predict/batch response.
type batchRow struct {
	Index int `json:"index"`
	*predictionResponse
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type batchResponse struct {
	Results    []batchRow `json:"results"`
	Processed  int        `json:"processed"`
	Errors     int        `json:"errors"`
	Incomplete bool       `json:"incomplete,omitempty"`
}

func (s *Server) handleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"message": "KDD Cup 99 network connection anomaly detection API"})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	m := s.pipeline.Bundle().Manifest
	return c.JSON(fiber.Map{
		"status":           "ok",
		"classifier":       m.Classifier,
		"manifest_version": m.Version,
		"features":         len(m.Features),
		"components":       m.Components,
		"sampler":          s.sampler != nil,
		"history":          s.history != nil,
	})
}

// handleConnections samples n dataset rows and predicts each one.
// GET /connections?n=50
func (s *Server) handleConnections(c *fiber.Ctx) error {
	if s.sampler == nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "unavailable", "dataset sampler is not configured")
	}

	n := c.QueryInt("n", min(defaultSample, s.cfg.MaxSample))
	if n <= 0 || n > s.cfg.MaxSample {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request",
			fmt.Sprintf("n must be between 1 and %d", s.cfg.MaxSample))
	}

	conns, err := s.sampler.Sample(n)
	if err != nil {
		return err
	}

	recs := make([]kdd.Record, len(conns))
	for i, conn := range conns {
		recs[i] = conn.Fields
	}

	ctx, cancel := s.batchContext(c)
	defer cancel()
	rows, err := s.pipeline.PredictBatch(ctx, recs)
	if err != nil {
		s.logger.Warn("connection sample cut short", "error", err)
	}

	out := make([]fiber.Map, len(rows))
	for i, row := range rows {
		conn := conns[row.Index]
		entry := make(fiber.Map, len(conn.Fields)+6)
		for k, v := range conn.Fields {
			entry[k] = v
		}
		entry["id"] = conn.ID
		entry["src_ip"] = conn.SrcIP
		entry["dst_ip"] = conn.DstIP
		if conn.Label != "" {
			entry["truth"] = kdd.BinaryLabel(conn.Label)
		}

		if row.Err != nil {
			entry["error"] = pipeline.Kind(row.Err)
			entry["message"] = row.Err.Error()
		} else {
			entry["anomaly"] = row.Result.Label.IsAnomaly()
			entry["anomaly_score"] = row.Result.Score
			entry["prediction"] = row.Result.Label.Display()
			s.record(c.UserContext(), sourceSample, conn, row.Result)
		}
		out[i] = entry
	}
	return c.JSON(out)
}

// handlePredict classifies one JSON record.
// POST /predict
func (s *Server) handlePredict(c *fiber.Ctx) error {
	rec, err := kdd.DecodeRecord(c.Body())
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "body must be a JSON object: "+err.Error())
	}

	res, err := s.pipeline.Predict(rec)
	if err != nil {
		return s.predictionError(c, err)
	}

	s.record(c.UserContext(), sourceAPI, s.requestConnection(c), res)
	return c.JSON(newPredictionResponse(res))
}

// handlePredictBatch classifies a JSON array of records. Bad rows fail
// individually.
// POST /predict/batch
func (s *Server) handlePredictBatch(c *fiber.Ctx) error {
	dec := json.NewDecoder(bytes.NewReader(c.Body()))
	dec.UseNumber()

	var recs []kdd.Record
	if err := dec.Decode(&recs); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "body must be a JSON array of objects: "+err.Error())
	}
	if len(recs) > s.cfg.MaxBatch {
		return errorJSON(c, fiber.StatusRequestEntityTooLarge, "too_large",
			fmt.Sprintf("batch holds %d records, limit is %d", len(recs), s.cfg.MaxBatch))
	}

	ctx, cancel := s.batchContext(c)
	defer cancel()
	rows, err := s.pipeline.PredictBatch(ctx, recs)

	resp := batchResponse{Results: make([]batchRow, len(rows)), Incomplete: err != nil}
	base := s.requestConnection(c)
	for i, row := range rows {
		out := batchRow{Index: row.Index}
		if row.Err != nil {
			out.Error = pipeline.Kind(row.Err)
			out.Message = row.Err.Error()
			resp.Errors++
		} else {
			pr := newPredictionResponse(row.Result)
			out.predictionResponse = &pr
			resp.Processed++

			conn := base
			conn.ID = fmt.Sprintf("%s/%d", base.ID, row.Index)
			s.record(c.UserContext(), sourceBatch, conn, row.Result)
		}
		resp.Results[i] = out
	}
	return c.JSON(resp)
}

// handleHistory lists recent predictions.
// GET /history?limit=50
func (s *Server) handleHistory(c *fiber.Ctx) error {
	if s.history == nil {
		return errorJSON(c, fiber.StatusNotFound, "not_found", "prediction history is disabled")
	}

	limit := c.QueryInt("limit", defaultHistory)
	if limit <= 0 || limit > maxHistory {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request",
			fmt.Sprintf("limit must be between 1 and %d", maxHistory))
	}

	events, err := s.history.Recent(c.UserContext(), limit)
	if err != nil {
		return err
	}
	stats, err := s.history.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"events": events, "stats": stats})
}

func (s *Server) batchContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	if s.cfg.BatchTimeout <= 0 {
		return context.WithCancel(c.UserContext())
	}
	return context.WithTimeout(c.UserContext(), s.cfg.BatchTimeout)
}

// requestConnection describes the caller of an API prediction.
func (s *Server) requestConnection(c *fiber.Ctx) kdd.Connection {
	id, _ := c.Locals("requestid").(string)
	return kdd.Connection{ID: id, SrcIP: c.IP()}
}

// record stores a prediction and raises an alert for anomalies. Failures
// are logged and never fail the request.
func (s *Server) record(ctx context.Context, source string, conn kdd.Connection, res *pipeline.Result) {
	if s.history != nil {
		err := s.history.Record(ctx, &history.Event{
			Source:       source,
			ConnectionID: conn.ID,
			SrcIP:        conn.SrcIP,
			DstIP:        conn.DstIP,
			Label:        res.Label,
			Score:        res.Score,
			Filled:       strings.Join(res.Filled, ","),
		})
		if err != nil {
			s.logger.Warn("failed to record prediction", "error", err)
		}
	}

	if s.notifier != nil && res.Label.IsAnomaly() {
		s.notifier.enqueue(alerts.Alert{
			Source:       source,
			ConnectionID: conn.ID,
			SrcIP:        conn.SrcIP,
			DstIP:        conn.DstIP,
			Score:        res.Score,
			Filled:       res.Filled,
		})
	}
}

// predictionError maps pipeline errors to responses: input errors are 422
// with details, anything else is a 500.
func (s *Server) predictionError(c *fiber.Ctx, err error) error {
	var schemaErr *kdd.SchemaMismatchError
	var catErr *kdd.UnknownCategoryError

	switch {
	case errors.As(err, &schemaErr):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   pipeline.KindSchemaMismatch,
			"message": err.Error(),
			"missing": nonNil(schemaErr.Missing),
			"extra":   nonNil(schemaErr.Extra),
		})
	case errors.As(err, &catErr):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   pipeline.KindUnknownCategory,
			"message": err.Error(),
			"field":   catErr.Field,
			"value":   catErr.Value,
			"valid":   nonNil(catErr.Valid),
		})
	default:
		s.logger.Error("prediction failed", "error", err, "request_id", c.Locals("requestid"))
		return errorJSON(c, fiber.StatusInternalServerError, pipeline.KindInternal, "internal error")
	}
}

// errorHandler renders errors escaping handlers, including fiber's own
// (404, 405, 413).
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		kind := strings.ToLower(strings.ReplaceAll(http.StatusText(fe.Code), " ", "_"))
		return errorJSON(c, fe.Code, kind, fe.Message)
	}
	s.logger.Error("request failed", "error", err, "path", c.Path(), "request_id", c.Locals("requestid"))
	return errorJSON(c, fiber.StatusInternalServerError, pipeline.KindInternal, "internal error")
}

func errorJSON(c *fiber.Ctx, status int, kind, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": kind, "message": msg})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
