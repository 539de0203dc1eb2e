package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/escalation"
	"deposit-orchestrator/internal/reconcile"
	"deposit-orchestrator/internal/repository"
	"deposit-orchestrator/internal/storage"
)

type Intake interface {
	Submit(ctx context.Context, in domain.Intake) (domain.Submission, []domain.Deposit, error)
	Deposit(ctx context.Context, id string) (domain.Deposit, error)
	Submission(ctx context.Context, id string) (domain.Submission, []domain.Deposit, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, depositID string) error
}

type Sweeps interface {
	AggregateSubmissions(ctx context.Context) (reconcile.SweepReport, error)
	AdvanceDeposits(ctx context.Context) (reconcile.SweepReport, error)
}

type Escalator interface {
	Handle(ctx context.Context, err error) escalation.Action
}

type Repositories interface {
	Get(id string) (domain.Repository, error)
}

type Prober interface {
	Probe(ctx context.Context, repo domain.Repository) reconcile.Health
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	intake         Intake
	dispatcher     Dispatcher
	sweeps         Sweeps
	escalator      Escalator
	repos          Repositories
	prober         Prober
	store          Pinger
	log            zerolog.Logger
	maxIntakeBytes int64
}

type Options struct {
	Intake         Intake
	Dispatcher     Dispatcher
	Sweeps         Sweeps
	Escalator      Escalator
	Repositories   Repositories
	Prober         Prober
	Store          Pinger
	Logger         zerolog.Logger
	MaxIntakeBytes int64
}

type submissionResponse struct {
	Submission domain.Submission `json:"submission"`
	Deposits   []domain.Deposit  `json:"deposits"`
}

type dispatchResponse struct {
	DepositID  string `json:"deposit_id"`
	Dispatched bool   `json:"dispatched"`
	Error      string `json:"error,omitempty"`
}

func NewHandler(opts Options) *Handler {
	if opts.MaxIntakeBytes <= 0 {
		opts.MaxIntakeBytes = 1 << 20
	}
	return &Handler{
		intake:         opts.Intake,
		dispatcher:     opts.Dispatcher,
		sweeps:         opts.Sweeps,
		escalator:      opts.Escalator,
		repos:          opts.Repositories,
		prober:         opts.Prober,
		store:          opts.Store,
		log:            opts.Logger,
		maxIntakeBytes: opts.MaxIntakeBytes,
	}
}

// CreateSubmission accepts an intake document, routes it and dispatches one
// orchestration per deposit. Dispatch failures are reported per deposit; the
// advancement sweep picks those deposits up later.
func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxIntakeBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body"})
		return
	}
	if int64(len(body)) > h.maxIntakeBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "intake exceeds size limit"})
		return
	}

	in, err := domain.ParseIntake(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	sub, deps, err := h.intake.Submit(ctx, in)
	if err != nil {
		if kind, _, ok := domain.ResourceOf(err); ok && kind == domain.KindSubmission {
			h.escalator.Handle(ctx, err)
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "submission_id": in.SubmissionID})
			return
		}
		h.log.Error().Err(err).Str("submission_id", in.SubmissionID).Msg("submit failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to create submission"})
		return
	}

	dispatched := make([]dispatchResponse, 0, len(deps))
	for _, d := range deps {
		dispatched = append(dispatched, h.dispatch(ctx, d.ID))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"submission_id": sub.ID,
		"status":        sub.AggregatedStatus,
		"deposits":      dispatched,
	})
}

func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request, submissionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sub, deps, err := h.intake.Submission(ctx, submissionID)
	if err != nil {
		h.writeLookupError(w, err, "submission")
		return
	}
	writeJSON(w, http.StatusOK, submissionResponse{Submission: sub, Deposits: deps})
}

func (h *Handler) GetDeposit(w http.ResponseWriter, r *http.Request, depositID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dep, err := h.intake.Deposit(ctx, depositID)
	if err != nil {
		h.writeLookupError(w, err, "deposit")
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (h *Handler) RunDeposit(w http.ResponseWriter, r *http.Request, depositID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	dep, err := h.intake.Deposit(ctx, depositID)
	if err != nil {
		h.writeLookupError(w, err, "deposit")
		return
	}
	if dep.Status.IsTerminal() {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "deposit is terminal", "status": dep.Status})
		return
	}

	res := h.dispatch(ctx, depositID)
	if !res.Dispatched {
		writeJSON(w, http.StatusBadGateway, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) RunAggregation(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeps.AggregateSubmissions(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("aggregation sweep failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "aggregation sweep failed"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) RunAdvancement(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeps.AdvanceDeposits(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("advancement sweep failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "advancement sweep failed"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) RepositoryHealth(w http.ResponseWriter, r *http.Request, repositoryID string) {
	repo, err := h.repos.Get(repositoryID)
	if err != nil {
		if errors.Is(err, repository.ErrUnknownRepository) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "repository not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to resolve repository"})
		return
	}
	health := h.prober.Probe(r.Context(), repo)
	status := http.StatusOK
	if !health.Reachable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) dispatch(ctx context.Context, depositID string) dispatchResponse {
	if err := h.dispatcher.Dispatch(ctx, depositID); err != nil {
		h.log.Error().Err(err).Str("deposit_id", depositID).Msg("dispatch failed")
		return dispatchResponse{DepositID: depositID, Error: err.Error()}
	}
	return dispatchResponse{DepositID: depositID, Dispatched: true}
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": what + " not found"})
		return
	}
	h.log.Error().Err(err).Msg("lookup failed")
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch " + what})
}
