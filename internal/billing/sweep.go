package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gymbot-backend/internal/clubos"
	"gymbot-backend/internal/components/assert"
	"gymbot-backend/internal/components/chrono"
	"gymbot-backend/internal/components/telemetry"
	"gymbot-backend/internal/credentials"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("gymbot/billing")

const (
	report_sweeper_sweep        = "sweeper.sweep"
	report_sweeper_member       = "sweeper.member"
	report_sweeper_reauth       = "sweeper.reauthenticate"
	report_sweeper_incomplete   = "sweeper.incomplete"
	report_sweeper_logout       = "sweeper.logout"
	report_sweeper_members_done = "sweeper.members-done"
)

// MemberResult is the outcome for one member, Err is set when the member could not be
// delegated to or its agreements could not be listed.
type MemberResult struct {
	MemberID   string
	Summary    PastDueSummary
	Agreements []clubos.EnrichedAgreement
	Err        error
}

type SweeperOptions struct {
	Client      *clubos.Client
	Credentials credentials.Store
	// Include is passed to the agreement list, defaults to clubos.DefaultInclude.
	Include []string
	// Workers is the number of independent sessions to sweep with, values <= 1 sweep
	// sequentially on a single session.
	Workers int
	Time    chrono.TimeAPI
}

type Sweeper struct {
	client  *clubos.Client
	creds   credentials.Store
	include []string
	workers int
	time    chrono.TimeAPI
	tel     telemetry.API
}

func NewSweeper(opts SweeperOptions, tel telemetry.API) *Sweeper {
	assert.NotNil(opts.Client)
	assert.NotNil(opts.Credentials)
	assert.NotNil(tel)

	include := opts.Include
	if include == nil {
		include = clubos.DefaultInclude
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	clock := opts.Time
	if clock == nil {
		clock = chrono.NewStandardTime()
	}

	return &Sweeper{
		client:  opts.Client,
		creds:   opts.Credentials,
		include: include,
		workers: workers,
		time:    clock,
		tel:     telemetry.NewScopedAPI("billing", tel),
	}
}

// fatal errors abort the whole sweep, retrying them for other members cannot succeed.
func fatal(err error) bool {
	var authErr *clubos.AuthenticationError
	var csrfErr *clubos.MissingCsrfTokenError
	return errors.As(err, &authErr) || errors.As(err, &csrfErr)
}

func expired(err error) bool {
	var expiredErr *clubos.SessionExpiredError
	return errors.As(err, &expiredErr)
}

type worker struct {
	sweeper *Sweeper
	session *clubos.Session
}

func (w *worker) authenticate(ctx context.Context) error {
	creds, err := w.sweeper.creds.Lookup(ctx)
	if err != nil {
		return fmt.Errorf("lookup credentials: %w", err)
	}
	session, err := w.sweeper.client.Authenticate(ctx, creds.Username, creds.Password)
	if err != nil {
		return err
	}
	w.session = session
	return nil
}

func (w *worker) logout(ctx context.Context) {
	if w.session == nil || !w.session.Alive() {
		return
	}
	err := w.session.Logout(ctx)
	if err != nil {
		w.sweeper.tel.ReportWarning(report_sweeper_logout, err)
	}
}

func (w *worker) fetch(ctx context.Context, memberID string) ([]clubos.EnrichedAgreement, error) {
	client := w.sweeper.client
	delegation, err := client.DelegateTo(ctx, w.session, memberID)
	if err != nil {
		return nil, err
	}
	return client.FetchMember(ctx, clubos.NewAuthContext(w.session, delegation), w.sweeper.include)
}

// member runs delegate -> fetch -> normalize for one member. The returned error is only set
// for failures that must abort the sweep.
func (w *worker) member(ctx context.Context, memberID string) (MemberResult, error) {
	result := MemberResult{MemberID: memberID}

	agreements, err := w.fetch(ctx, memberID)
	if err != nil && expired(err) {
		w.sweeper.tel.ReportWarning(report_sweeper_reauth, memberID, err)
		authErr := w.authenticate(ctx)
		if authErr != nil {
			return result, authErr
		}
		agreements, err = w.fetch(ctx, memberID)
	}
	if err != nil {
		if fatal(err) || ctx.Err() != nil {
			return result, err
		}
		w.sweeper.tel.ReportWarning(report_sweeper_member, memberID, err)
		result.Err = err
		return result, nil
	}

	result.Agreements = agreements
	result.Summary = Normalize(memberID, agreements)
	result.Summary.GeneratedAt = w.sweeper.time.Now()
	if !result.Summary.Complete {
		w.sweeper.tel.ReportWarning(report_sweeper_incomplete, memberID, result.Summary.AgreementsUnavailable)
	}
	return result, nil
}

// Sweep computes a MemberResult for every member, in the order given. Member level failures
// are recorded on the result, only authentication failures (and context cancellation) fail
// the sweep.
func (s *Sweeper) Sweep(ctx context.Context, memberIDs []string) (results []MemberResult, err error) {
	ctx, span := tracer.Start(ctx, "sweeper:Sweep")
	span.SetAttributes(
		attribute.Int("members", len(memberIDs)),
		attribute.Int("workers", s.workers),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(memberIDs) == 0 {
		return nil, nil
	}

	workers := s.workers
	if workers > len(memberIDs) {
		workers = len(memberIDs)
	}

	results = make([]MemberResult, len(memberIDs))
	indices := make(chan int)

	var done int64
	var doneMutex sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(indices)
		for i := range memberIDs {
			select {
			case indices <- i:
			case <-groupCtx.Done():
				return nil
			}
		}
		return nil
	})
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			w := &worker{sweeper: s}
			err := w.authenticate(groupCtx)
			if err != nil {
				return err
			}
			// logging out must happen even if the sweep was canceled
			defer w.logout(context.WithoutCancel(ctx))

			for index := range indices {
				result, err := w.member(groupCtx, memberIDs[index])
				if err != nil {
					return err
				}
				results[index] = result

				doneMutex.Lock()
				done++
				s.tel.ReportCount(report_sweeper_members_done, done)
				doneMutex.Unlock()
			}
			return nil
		})
	}

	err = group.Wait()
	if err == nil {
		// the workers stop quietly once the member queue is closed early
		err = ctx.Err()
	}
	if err != nil {
		s.tel.ReportBroken(report_sweeper_sweep, err)
		return nil, err
	}
	return results, nil
}

// Summaries returns the summaries of every member that could be fetched.
func Summaries(results []MemberResult) []PastDueSummary {
	summaries := make([]PastDueSummary, 0, len(results))
	for _, result := range results {
		if result.Err != nil {
			continue
		}
		summaries = append(summaries, result.Summary)
	}
	return summaries
}
