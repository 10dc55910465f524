package mirror

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// DefaultExcludedTypes are service messages that make no sense to copy.
var DefaultExcludedTypes = []string{
	"messageChatChangePhoto",
	"messageChatChangeTitle",
	"messageBasicGroupChatCreate",
	"messageChatDeleteMember",
	"messageChatAddMembers",
}

type SyncConfig struct {
	Source      ChatID
	Destination ChatID
	// ExcludeTypes filters source messages by content type.
	ExcludeTypes   []string
	PageSize       int
	ConfirmTimeout time.Duration
	// SendCopy copies messages without the "forwarded from" header.
	SendCopy bool
	// PersistEachCopy writes every new mapping to the ledger right away
	// instead of only at the end of the run.
	PersistEachCopy bool
	DryRun          bool
}

// SyncReport counts what happened during one run.
type SyncReport struct {
	SourceMessages      int
	DestinationMessages int
	AlreadyMapped       int
	Inconsistent        int
	Outstanding         int
	Copied              int
	Unconfirmed         int
	Skipped             int
	Failed              int
}

// Syncer copies every source message that isn't in the ledger yet into the
// destination chat, oldest first. It owns the ledger for the whole run.
type Syncer struct {
	client  Client
	ledger  Ledger
	fetcher *HistoryFetcher
	copier  *Copier
	cfg     SyncConfig
	log     zerolog.Logger
}

func NewSyncer(client Client, ledger Ledger, cfg SyncConfig, log zerolog.Logger) *Syncer {
	log = log.With().
		Str("component", "sync").
		Int64("source", int64(cfg.Source)).
		Int64("destination", int64(cfg.Destination)).
		Logger()
	return &Syncer{
		client:  client,
		ledger:  ledger,
		fetcher: NewHistoryFetcher(client, cfg.PageSize, log),
		copier:  NewCopier(client, cfg.ConfirmTimeout, cfg.SendCopy, log),
		cfg:     cfg,
		log:     log,
	}
}

// Outstanding returns the ids of source messages (newest-first, as fetched)
// that have no ledger entry, oldest first.
func Outstanding(source []*Message, ledger Ledger) []MessageID {
	out := make([]MessageID, 0, len(source))
	for _, msg := range slices.Backward(source) {
		if _, ok := ledger.Lookup(msg.ID); ok {
			continue
		}
		out = append(out, msg.ID)
	}
	return out
}

// Run performs one catch-up sync. History fetch errors abort the run, errors
// copying individual messages are logged and the message is left for the
// next run.
func (s *Syncer) Run(ctx context.Context) (*SyncReport, error) {
	var report SyncReport
	start := time.Now()
	s.log.Info().Int("ledger_entries", s.ledger.Len()).Msg("Starting sync")

	source, err := s.fetcher.FetchHistory(ctx, s.cfg.Source, ExcludeTypes(s.cfg.ExcludeTypes...))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source history: %w", err)
	}
	report.SourceMessages = len(source)
	destination, err := s.fetcher.FetchHistory(ctx, s.cfg.Destination, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch destination history: %w", err)
	}
	report.DestinationMessages = len(destination)

	s.checkConsistency(source, destination, &report)
	outstanding := Outstanding(source, s.ledger)
	report.Outstanding = len(outstanding)
	s.log.Info().
		Int("source_messages", report.SourceMessages).
		Int("destination_messages", report.DestinationMessages).
		Int("already_mapped", report.AlreadyMapped).
		Int("outstanding", report.Outstanding).
		Msg("Computed outstanding messages")

	if s.cfg.DryRun {
		for _, id := range outstanding {
			s.log.Info().Int64("message_id", int64(id)).Msg("Would copy message")
		}
		return &report, nil
	}

	var runErr error
	for i, id := range outstanding {
		if err = ctx.Err(); err != nil {
			runErr = err
			break
		}
		s.copyOne(ctx, id, &report)
		if (i+1)%50 == 0 {
			s.log.Info().Int("done", i+1).Int("total", len(outstanding)).Msg("Sync progress")
		}
	}

	// The final save must happen even if the run was interrupted.
	if err = s.ledger.Save(context.WithoutCancel(ctx)); err != nil {
		return &report, fmt.Errorf("failed to save ledger: %w", err)
	}
	s.log.Info().
		Int("copied", report.Copied).
		Int("unconfirmed", report.Unconfirmed).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("inconsistent", report.Inconsistent).
		Dur("elapsed", time.Since(start)).
		Msg("Sync finished")
	return &report, runErr
}

// checkConsistency reports ledger entries whose destination message is no
// longer present in the destination chat. Nothing is repaired.
func (s *Syncer) checkConsistency(source, destination []*Message, report *SyncReport) {
	present := make(map[MessageID]struct{}, len(destination))
	for _, msg := range destination {
		present[msg.ID] = struct{}{}
	}
	for _, msg := range source {
		dst, ok := s.ledger.Lookup(msg.ID)
		if !ok {
			continue
		}
		report.AlreadyMapped++
		if _, found := present[dst]; !found {
			report.Inconsistent++
			s.log.Warn().
				Int64("message_id", int64(msg.ID)).
				Int64("destination_id", int64(dst)).
				Msg("Mapped destination message is missing from destination chat")
		}
	}
}

func (s *Syncer) copyOne(ctx context.Context, id MessageID, report *SyncReport) {
	log := s.log.With().Int64("message_id", int64(id)).Logger()
	if dst, ok := s.ledger.Lookup(id); ok {
		// Source history contained the id twice.
		log.Debug().Int64("destination_id", int64(dst)).Msg("Message already mapped, not copying again")
		return
	}
	res, err := s.copier.Copy(ctx, s.cfg.Source, s.cfg.Destination, id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotCopyable):
			report.Skipped++
			log.Warn().Err(err).Msg("Message can't be copied, skipping")
			s.describeSource(ctx, log, id)
		case errors.Is(err, ErrSendFailed):
			report.Failed++
			log.Warn().Err(err).Msg("Copied message was rejected by the server")
			s.describeSource(ctx, log, id)
		default:
			report.Failed++
			log.Err(err).Msg("Failed to copy message")
		}
		return
	}
	report.Copied++
	if !res.Confirmed {
		report.Unconfirmed++
	}
	log.Info().
		Int64("destination_id", int64(res.DestinationID)).
		Bool("confirmed", res.Confirmed).
		Msg("Copied message")

	if !s.cfg.PersistEachCopy {
		s.ledger.Record(id, res.DestinationID)
		return
	}
	if err = s.ledger.Persist(context.WithoutCancel(ctx), id, res.DestinationID); err != nil {
		// Persist records in memory before writing, so the final save retries it.
		log.Warn().Err(err).Msg("Failed to persist ledger entry, will retry at end of run")
	}
}

func (s *Syncer) describeSource(ctx context.Context, log zerolog.Logger, id MessageID) {
	msg, err := s.client.GetMessage(ctx, s.cfg.Source, id)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to look up uncopyable source message")
		return
	}
	log.Info().Str("content_type", msg.ContentType).Msg("Uncopyable source message details")
}
