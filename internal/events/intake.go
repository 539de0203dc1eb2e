package events

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/escalation"
)

type ObjectReader interface {
	ReadObject(ctx context.Context, key string) ([]byte, error)
}

type Submitter interface {
	Submit(ctx context.Context, in domain.Intake) (domain.Submission, []domain.Deposit, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, depositID string) error
}

type Escalator interface {
	Handle(ctx context.Context, err error) escalation.Action
}

// IntakeHandler turns an uploaded intake document into a submission and
// starts orchestration of its deposits. Documents that fail validation are
// logged and skipped; the stream keeps running.
type IntakeHandler struct {
	objects    ObjectReader
	submitter  Submitter
	dispatcher Dispatcher
	escalator  Escalator
	log        zerolog.Logger
}

func NewIntakeHandler(objects ObjectReader, submitter Submitter, dispatcher Dispatcher, escalator Escalator, logger zerolog.Logger) *IntakeHandler {
	return &IntakeHandler{objects: objects, submitter: submitter, dispatcher: dispatcher, escalator: escalator, log: logger}
}

func (h *IntakeHandler) Handle(ctx context.Context, event IntakeEvent) error {
	logger := h.log.With().Str("object_key", event.ObjectKey).Logger()

	raw, err := h.objects.ReadObject(ctx, event.ObjectKey)
	if err != nil {
		return fmt.Errorf("read intake %s: %w", event.ObjectKey, err)
	}
	in, err := domain.ParseIntake(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("intake document rejected")
		return nil
	}

	_, deps, err := h.submitter.Submit(ctx, in)
	if err != nil {
		if kind, _, ok := domain.ResourceOf(err); ok && kind == domain.KindSubmission {
			h.escalator.Handle(ctx, err)
			return nil
		}
		return fmt.Errorf("submit intake %s: %w", event.ObjectKey, err)
	}

	for _, d := range deps {
		if err := h.dispatcher.Dispatch(ctx, d.ID); err != nil {
			// the advancement sweep dispatches it once the deposit is stale
			logger.Error().Err(err).Str("deposit_id", d.ID).Msg("dispatch failed")
			continue
		}
	}
	logger.Info().Str("submission_id", in.SubmissionID).Int("deposits", len(deps)).Msg("intake processed")
	return nil
}
