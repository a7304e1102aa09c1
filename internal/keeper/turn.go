package keeper

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/text/language"

	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/engine"
	"github.com/MRamiBalles/KeeperTable/internal/events"
	"github.com/MRamiBalles/KeeperTable/internal/infra/ai"
	apperrors "github.com/MRamiBalles/KeeperTable/internal/platform/errors"
	"github.com/MRamiBalles/KeeperTable/internal/platform/logger"
	"github.com/MRamiBalles/KeeperTable/internal/platform/metrics"
)

// FallbackText is recorded when the Keeper never produced a usable reply.
var FallbackText = events.Text{
	ZH: "LLM 输出无法解析，已忽略。",
	EN: "LLM output could not be parsed and was ignored.",
}

// Submitter is the slice of the pipeline a turn needs.
type Submitter interface {
	SubmitBatch(ctx context.Context, actions []engine.Action) (engine.Commit, error)
	Current() (*state.Canonical, state.Meta)
}

// History supplies recent entries for the model context.
type History interface {
	Latest(n int) []events.HistoryEntry
}

// Options tune a turn.
type Options struct {
	ParseRetries int
	MaxFollowups int
	HistoryCount int
	MaxTokens    int
	Language     language.Tag
}

// Result summarizes one turn.
type Result struct {
	Commits   []engine.Commit
	Retries   int
	Followups int
	Exhausted bool
}

// Driver runs Keeper turns outside the pipeline's critical section. Only
// the final batch of each model exchange is submitted, so a re-asked reply
// never produces duplicate entries.
type Driver struct {
	provider ai.Provider
	pipeline Submitter
	history  History
	logger   *logger.Logger
	opts     Options
}

// NewDriver creates a turn driver.
func NewDriver(provider ai.Provider, pipeline Submitter, history History, log *logger.Logger, opts Options) *Driver {
	if opts.HistoryCount <= 0 {
		opts.HistoryCount = 100
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1500
	}
	if opts.Language == language.Und {
		opts.Language = language.Chinese
	}
	return &Driver{provider: provider, pipeline: pipeline, history: history, logger: log, opts: opts}
}

// PlayerTurn asks the Keeper to respond to a player's action.
func (d *Driver) PlayerTurn(ctx context.Context, playerID string, text events.Text) (Result, error) {
	current, _ := d.pipeline.Current()
	prompt := ai.PlayerTurnPrompt(d.context(current), playerID, text.Pick(d.opts.Language))
	return d.run(ctx, prompt)
}

func (d *Driver) run(ctx context.Context, prompt string) (Result, error) {
	var res Result
	defer func() {
		metrics.Get().RecordKeeperTurn(res.Retries, res.Followups, res.Exhausted)
	}()

	for {
		batch, retries, err := d.exchange(ctx, prompt)
		res.Retries += retries
		if err != nil {
			if !errors.Is(err, apperrors.ErrParseExhausted) {
				return res, err
			}
			res.Exhausted = true
			commit, subErr := d.pipeline.SubmitBatch(ctx, fallback(err))
			if subErr != nil {
				return res, subErr
			}
			res.Commits = append(res.Commits, commit)
			return res, err
		}

		commit, err := d.pipeline.SubmitBatch(ctx, batch.All())
		if err != nil {
			return res, err
		}
		res.Commits = append(res.Commits, commit)

		if batch.Checks == 0 || res.Followups >= d.opts.MaxFollowups {
			return res, nil
		}
		res.Followups++
		prompt = ai.FollowupPrompt(d.context(commit.After), d.results(commit.Entries))
	}
}

// exchange calls the model until a reply parses or the retry budget runs
// out. Each re-ask carries the rejected reply and the reason.
func (d *Driver) exchange(ctx context.Context, prompt string) (*Batch, int, error) {
	messages := []ai.Message{
		{Role: ai.RoleSystem, Content: ai.KeeperSystemPrompt},
		{Role: ai.RoleUser, Content: prompt},
	}
	budget := d.opts.ParseRetries
	retries := 0
	for {
		resp, err := d.provider.Complete(ctx, ai.CompletionRequest{Messages: messages, MaxTokens: d.opts.MaxTokens})
		if err != nil {
			return nil, retries, fmt.Errorf("keeper call via %s: %w", d.provider.Name(), err)
		}
		current, _ := d.pipeline.Current()
		batch, err := Parse(resp.Content, budget, current)
		if err == nil {
			if len(batch.Diagnostics) > 0 {
				d.logger.Warn("keeper calls dropped", logger.Strings("diagnostics", batch.Diagnostics))
			}
			return batch, retries, nil
		}

		var retry *RetryError
		if !errors.As(err, &retry) {
			d.logger.Event("KEEPER_PARSE_EXHAUSTED", ActorID, err.Error())
			return nil, retries, err
		}
		retries++
		d.logger.Warn("keeper reply unusable, re-asking",
			logger.Int("remaining", retry.Remaining),
			logger.Err(retry.Cause),
		)
		messages = append(messages,
			ai.Message{Role: ai.RoleAssistant, Content: resp.Content},
			ai.Message{Role: ai.RoleUser, Content: ai.RetryPrompt(retry.Cause)},
		)
		budget = retry.Remaining
	}
}

func (d *Driver) context(s *state.Canonical) string {
	return ai.BuildContext(s, d.history.Latest(d.opts.HistoryCount), d.opts.Language)
}

// results lists the check outcomes of a commit for the follow-up prompt.
func (d *Driver) results(entries []events.HistoryEntry) []string {
	var out []string
	for _, e := range entries {
		if e.Check == nil && e.Opposed == nil && e.Roll == nil {
			continue
		}
		out = append(out, e.Text.Pick(d.opts.Language))
	}
	return out
}

// fallback is the public notice plus a host-only diagnostic for an
// exhausted turn.
func fallback(cause error) []engine.Action {
	return []engine.Action{
		{
			ActorType: events.ActorSystem,
			ActorID:   "system",
			TextType:  events.ActionNarration,
			Scope:     events.Public(),
			Text:      FallbackText,
		},
		{
			ActorType: events.ActorSystem,
			ActorID:   "system",
			Scope:     events.HostOnly(),
			Op:        engine.Diagnostic{Messages: []string{"llm_parse_error: " + cause.Error()}},
		},
	}
}
