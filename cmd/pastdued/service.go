package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"gymbot-backend/internal/billing"
	"gymbot-backend/internal/components/telemetry"
	"gymbot-backend/internal/summarystore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("gymbot/pastdued")

const (
	report_service_sweep   = "sweep"
	report_service_respond = "respond"
)

// Service sweeps the configured members into the summary store and serves what it has
// stored so far.
type Service struct {
	sweeper *billing.Sweeper
	store   summarystore.Store
	members []string
	tel     telemetry.API

	// held for the duration of RunSweep
	sweeping sync.Mutex
}

func NewService(sweeper *billing.Sweeper, store summarystore.Store, members []string, tel telemetry.API) *Service {
	return &Service{
		sweeper: sweeper,
		store:   store,
		members: members,
		tel:     telemetry.NewScopedAPI("pastdued", tel),
	}
}

func (s *Service) RunSweep(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "service:RunSweep")
	defer span.End()

	s.sweeping.Lock()
	defer s.sweeping.Unlock()

	span.SetAttributes(attribute.Int("members", len(s.members)))

	results, err := s.sweeper.Sweep(ctx, s.members)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.tel.ReportBroken(report_service_sweep, err)
		return err
	}
	for _, result := range results {
		if result.Err != nil {
			s.tel.ReportWarning(report_service_sweep, "member", result.MemberID, result.Err)
		}
	}

	summaries := billing.Summaries(results)
	err = s.store.Push(ctx, summaries)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.tel.ReportBroken(report_service_sweep, err)
		return err
	}
	s.tel.ReportCount(report_service_sweep, int64(len(summaries)))
	return nil
}

func (s *Service) respond(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(value)
	if err != nil {
		s.tel.ReportWarning(report_service_respond, err)
	}
}

func (s *Service) listSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.List(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "list summaries", "err", err)
		http.Error(w, "failed to list summaries", http.StatusInternalServerError)
		return
	}
	s.respond(w, summaries)
}

func (s *Service) getSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Get(r.Context(), r.PathValue("memberId"))
	if errors.Is(err, summarystore.ErrNotFound) {
		http.Error(w, "no summary for member", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "get summary", "err", err)
		http.Error(w, "failed to get summary", http.StatusInternalServerError)
		return
	}
	s.respond(w, summary)
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /summaries", s.listSummaries)
	mux.HandleFunc("GET /summaries/{memberId}", s.getSummary)
	return mux
}
