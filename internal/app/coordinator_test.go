package app_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-arena-service/internal/app"
	"quiz-arena-service/internal/domain"
)

func TestSoloPerfectScorePaysMultiplier(t *testing.T) {
	h := newHarness(t, []string{"u1"})
	res := h.create("u1", domain.ModeSolo, 100, 0)
	if res.Status != domain.StatusInProgress || len(res.Questions) != questionsN {
		t.Fatalf("expected solo to start with %d questions, got %s/%d", questionsN, res.Status, len(res.Questions))
	}
	if res.MatchCode != "" {
		t.Fatalf("solo matches are not joinable by code")
	}

	last := h.answerAll(res.MatchID, "u1", questionsN)
	if !last.MatchComplete {
		t.Fatalf("expected last answer to complete the match")
	}
	m := h.match(res.MatchID)
	if m.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", m.Status)
	}
	if got := h.balance("u1"); got != 1090 {
		t.Fatalf("balance = %d, want 1090", got)
	}
	h.assertConserved()
}

func TestSoloImperfectScoreForfeits(t *testing.T) {
	h := newHarness(t, []string{"u1"})
	res := h.create("u1", domain.ModeSolo, 100, 0)
	h.answerAll(res.MatchID, "u1", questionsN-1)

	m := h.match(res.MatchID)
	if m.Status != domain.StatusCompleted || m.Participants[0].Outcome != domain.OutcomeLose {
		t.Fatalf("expected completed loss, got %s/%s", m.Status, m.Participants[0].Outcome)
	}
	if got := h.balance("u1"); got != 900 {
		t.Fatalf("balance = %d, want 900", got)
	}
	h.assertConserved()
}

func TestDuelTieRefundsBoth(t *testing.T) {
	h := newHarness(t, []string{"a", "b"})
	res := h.create("a", domain.ModeDuel, 100, 0)
	joined := h.join(res.MatchCode, "b")
	if !joined.Started || len(joined.Questions) != questionsN {
		t.Fatalf("expected duel to start on second join, got %+v", joined)
	}

	h.answerAll(res.MatchID, "a", 3)
	h.answerAll(res.MatchID, "b", 3)

	if h.balance("a") != startBalance || h.balance("b") != startBalance {
		t.Fatalf("expected both refunded, got a=%d b=%d", h.balance("a"), h.balance("b"))
	}
	for _, p := range h.match(res.MatchID).Participants {
		if p.Outcome != domain.OutcomeRefund {
			t.Fatalf("expected refund outcome for %s, got %s", p.UserID, p.Outcome)
		}
	}
	h.assertConserved()
}

func TestDuelHigherScoreWins(t *testing.T) {
	h := newHarness(t, []string{"a", "b"})
	res := h.create("a", domain.ModeDuel, 100, 0)
	h.join(res.MatchCode, "b")

	h.answerAll(res.MatchID, "a", 4)
	h.answerAll(res.MatchID, "b", 2)

	if h.balance("a") != 1080 || h.balance("b") != 900 {
		t.Fatalf("unexpected balances a=%d b=%d", h.balance("a"), h.balance("b"))
	}
	h.assertConserved()
}

func TestJoinRaceHasExactlyOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, []string{"a", "b", "c"})
		res := h.create("a", domain.ModeDuel, 100, 0)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for idx, user := range []string{"b", "c"} {
			wg.Add(1)
			go func(idx int, user string) {
				defer wg.Done()
				_, errs[idx] = h.coordinator.Join(h.ctx, res.MatchCode, user, pin)
			}(idx, user)
		}
		wg.Wait()

		wins, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrMatchNotJoinable):
				conflicts++
			default:
				t.Fatalf("unexpected join error: %v", err)
			}
		}
		if wins != 1 || conflicts != 1 {
			t.Fatalf("expected one winner and one conflict, got %d/%d", wins, conflicts)
		}
		if m := h.match(res.MatchID); m.CurrentPlayers != 2 || m.Status != domain.StatusInProgress {
			t.Fatalf("unexpected match after race: players=%d status=%s", m.CurrentPlayers, m.Status)
		}
		h.assertConserved()
	}
}

func TestLeagueStartAndBracketPayout(t *testing.T) {
	h := newHarness(t, []string{"a", "b", "c"})
	res := h.create("a", domain.ModeLeague, 100, 5)
	h.join(res.MatchCode, "b")

	if _, err := h.coordinator.Start(h.ctx, res.MatchID, "a"); !errors.Is(err, domain.ErrNotEnoughPlayers) {
		t.Fatalf("expected ErrNotEnoughPlayers, got %v", err)
	}
	h.join(res.MatchCode, "c")
	if _, err := h.coordinator.Start(h.ctx, res.MatchID, "b"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-creator, got %v", err)
	}
	questions, err := h.coordinator.Start(h.ctx, res.MatchID, "a")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(questions) != questionsN {
		t.Fatalf("expected %d questions, got %d", questionsN, len(questions))
	}
	if _, err := h.coordinator.Start(h.ctx, res.MatchID, "a"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected second start to fail, got %v", err)
	}

	h.answerAll(res.MatchID, "a", 5)
	h.answerAll(res.MatchID, "b", 3)

	status, err := h.coordinator.Status(h.ctx, res.MatchID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, p := range status.Participants {
		if p.Score != nil || p.Payout != nil {
			t.Fatalf("scores must stay hidden until the match ends")
		}
	}

	h.answerAll(res.MatchID, "c", 1)

	// 270 net over a compressed 50/25/15 bracket.
	if h.balance("a") != 1050 || h.balance("b") != 975 || h.balance("c") != 945 {
		t.Fatalf("unexpected balances a=%d b=%d c=%d", h.balance("a"), h.balance("b"), h.balance("c"))
	}
	status, _ = h.coordinator.Status(h.ctx, res.MatchID)
	if status.Status != domain.StatusCompleted || status.PlatformFee == nil || *status.PlatformFee != 30 {
		t.Fatalf("unexpected final status: %+v", status)
	}
	h.assertConserved()
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, []string{"a", "b"})
	res := h.create("a", domain.ModeLeague, 100, 5)
	h.join(res.MatchCode, "b")

	if _, err := h.coordinator.Cancel(h.ctx, res.MatchID, "b"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected only the creator to cancel, got %v", err)
	}
	if _, err := h.coordinator.Cancel(h.ctx, res.MatchID, "a"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	entries := len(h.wallet.Entries())
	m, err := h.coordinator.Cancel(h.ctx, res.MatchID, "a")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if m.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", m.Status)
	}
	if len(h.wallet.Entries()) != entries {
		t.Fatalf("second cancel moved money")
	}
	if h.balance("a") != startBalance || h.balance("b") != startBalance {
		t.Fatalf("expected full refunds, got a=%d b=%d", h.balance("a"), h.balance("b"))
	}
	if _, err := h.coordinator.Join(h.ctx, res.MatchCode, "b", pin); !errors.Is(err, domain.ErrMatchNotFound) {
		t.Fatalf("expected code to be released, got %v", err)
	}
	if _, err := h.coordinator.Expire(h.ctx, res.MatchID); !errors.Is(err, domain.ErrTerminalConflict) {
		t.Fatalf("expected conflicting terminal outcome, got %v", err)
	}
	h.assertConserved()
}

func TestCancelRacingExpiryRefundsOnce(t *testing.T) {
	h := newHarness(t, []string{"a", "b"})
	res := h.create("a", domain.ModeLeague, 100, 5)
	h.join(res.MatchCode, "b")
	h.clock.Advance(11 * time.Minute)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = h.coordinator.Cancel(h.ctx, res.MatchID, "a")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = h.coordinator.Expire(h.ctx, res.MatchID)
	}()
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, domain.ErrTerminalConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one terminal transition, got %d", ok)
	}
	if len(h.wallet.Entries()) != 4 {
		t.Fatalf("expected 2 debits and 2 refunds, got %d entries", len(h.wallet.Entries()))
	}
	h.assertConserved()
}

func TestLeaveRefundsAndFreesSeat(t *testing.T) {
	h := newHarness(t, []string{"a", "b", "c"})
	res := h.create("a", domain.ModeLeague, 100, 5)
	h.join(res.MatchCode, "b")
	h.join(res.MatchCode, "c")

	if err := h.coordinator.Leave(h.ctx, res.MatchID, "a"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected creator leave to be refused, got %v", err)
	}
	if err := h.coordinator.Leave(h.ctx, res.MatchID, "b"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if h.balance("b") != startBalance {
		t.Fatalf("expected b refunded, got %d", h.balance("b"))
	}
	m := h.match(res.MatchID)
	if m.CurrentPlayers != 2 || len(m.Departures) != 1 {
		t.Fatalf("unexpected lobby after leave: players=%d departures=%d", m.CurrentPlayers, len(m.Departures))
	}

	if _, err := h.coordinator.Cancel(h.ctx, res.MatchID, "a"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, u := range []string{"a", "b", "c"} {
		if h.balance(u) != startBalance {
			t.Fatalf("%s balance = %d", u, h.balance(u))
		}
	}
	h.assertConserved()
}

func TestAnswerIsImmutable(t *testing.T) {
	h := newHarness(t, []string{"u1"})
	res := h.create("u1", domain.ModeSolo, 100, 0)
	q := res.Questions[0]

	first, err := h.coordinator.Submit(h.ctx, res.MatchID, "u1", domain.AnswerSubmission{QuestionID: q.ID, OptionID: "b", TimeTaken: time.Second})
	if err != nil || !first.Correct || first.Score != 1 {
		t.Fatalf("unexpected first answer: %+v %v", first, err)
	}
	_, err = h.coordinator.Submit(h.ctx, res.MatchID, "u1", domain.AnswerSubmission{QuestionID: q.ID, OptionID: "a", TimeTaken: time.Second})
	if !errors.Is(err, domain.ErrQuestionAlreadyAnswered) {
		t.Fatalf("expected ErrQuestionAlreadyAnswered, got %v", err)
	}
	_, err = h.coordinator.Submit(h.ctx, res.MatchID, "u1", domain.AnswerSubmission{QuestionID: "not-in-set", OptionID: "b"})
	if !errors.Is(err, domain.ErrSnapshotMismatch) {
		t.Fatalf("expected ErrSnapshotMismatch, got %v", err)
	}

	p := h.match(res.MatchID).Participants[0]
	if p.Score != 1 || len(p.Answers) != 1 || p.Answers[0].OptionID != "b" {
		t.Fatalf("recorded answer changed: %+v", p)
	}
}

func TestLateAnswerIsRecordedIncorrect(t *testing.T) {
	h := newHarness(t, []string{"u1"})
	res := h.create("u1", domain.ModeSolo, 100, 0)

	got, err := h.coordinator.Submit(h.ctx, res.MatchID, "u1", domain.AnswerSubmission{
		QuestionID: res.Questions[0].ID,
		OptionID:   "b",
		TimeTaken:  30 * time.Second,
	})
	if err != nil {
		t.Fatalf("late answers are recorded, not rejected: %v", err)
	}
	if !got.Accepted || got.Correct || !got.Late {
		t.Fatalf("expected accepted late incorrect answer, got %+v", got)
	}
}

func TestCreateReversesDebitWhenRegistryFails(t *testing.T) {
	h := newHarness(t, []string{"a"}, withStore(func(s app.MatchStore) app.MatchStore {
		return failingInsertStore{MatchStore: s}
	}))
	_, err := h.coordinator.Create(h.ctx, app.CreateRequest{
		UserID:      "a",
		Mode:        domain.ModeLeague,
		EntryAmount: 100,
		MaxPlayers:  5,
		Pin:         pin,
		Content:     domain.Content{LevelID: "level-1"},
	})
	if err == nil {
		t.Fatalf("expected create to fail")
	}
	if h.balance("a") != startBalance {
		t.Fatalf("debit was not reversed: balance %d", h.balance("a"))
	}
	if len(h.wallet.Entries()) != 2 {
		t.Fatalf("expected debit and reversal, got %d entries", len(h.wallet.Entries()))
	}
}

func TestCreateRejectsBeforeMovingMoney(t *testing.T) {
	h := newHarness(t, []string{"a"})
	cases := []struct {
		name string
		req  app.CreateRequest
		want error
	}{
		{"bad pin", app.CreateRequest{UserID: "a", Mode: domain.ModeDuel, EntryAmount: 100, Pin: "0000", Content: domain.Content{LevelID: "level-1"}}, domain.ErrInvalidPin},
		{"league too small", app.CreateRequest{UserID: "a", Mode: domain.ModeLeague, EntryAmount: 100, MaxPlayers: 2, Pin: pin, Content: domain.Content{LevelID: "level-1"}}, domain.ErrInvalidCapacity},
		{"zero stake", app.CreateRequest{UserID: "a", Mode: domain.ModeDuel, Pin: pin, Content: domain.Content{LevelID: "level-1"}}, domain.ErrInvalidAmount},
		{"thin level", app.CreateRequest{UserID: "a", Mode: domain.ModeSolo, EntryAmount: 100, Pin: pin, Content: domain.Content{LevelID: "tiny"}}, domain.ErrNotEnoughQuestions},
		{"broke", app.CreateRequest{UserID: "a", Mode: domain.ModeDuel, EntryAmount: 5000, Pin: pin, Content: domain.Content{LevelID: "level-1"}}, domain.ErrInsufficientFunds},
	}
	for _, tc := range cases {
		if _, err := h.coordinator.Create(h.ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if h.balance("a") != startBalance || len(h.wallet.Entries()) != 0 {
		t.Fatalf("rejected creates moved money")
	}
}

func TestSettleTwiceHasSameOutcome(t *testing.T) {
	h := newHarness(t, []string{"a", "b"})
	res := h.create("a", domain.ModeDuel, 100, 0)
	h.join(res.MatchCode, "b")

	payouts := map[string]int64{"a": 180}
	first, err := h.coordinator.Settle(h.ctx, res.MatchID, payouts)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	second, err := h.coordinator.Settle(h.ctx, res.MatchID, payouts)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if first.Version != second.Version || second.Status != domain.StatusCompleted {
		t.Fatalf("retry changed the match: v%d -> v%d %s", first.Version, second.Version, second.Status)
	}
	if h.balance("a") != 1080 || h.balance("b") != 900 {
		t.Fatalf("unexpected balances a=%d b=%d", h.balance("a"), h.balance("b"))
	}
	h.assertConserved()
}

func TestSettlementResumesAfterWalletFailure(t *testing.T) {
	h := newHarness(t, []string{"a", "b"})
	res := h.create("a", domain.ModeDuel, 100, 0)
	h.join(res.MatchCode, "b")

	h.answerAll(res.MatchID, "a", 4)
	h.wallet.FailCredits(1)
	last := h.answerAll(res.MatchID, "b", 2)
	if !last.MatchComplete {
		t.Fatalf("expected the last answer to be accepted and complete the match")
	}

	m := h.match(res.MatchID)
	if m.Status != domain.StatusInProgress || m.Settlement == nil {
		t.Fatalf("expected planned but unfinished settlement, got %s", m.Status)
	}
	if h.balance("a") != 900 {
		t.Fatalf("failed credit must not pay: %d", h.balance("a"))
	}

	report, err := h.sweeper.Sweep(h.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Resumed != 1 {
		t.Fatalf("expected one resumed settlement, got %+v", report)
	}
	if _, err := h.coordinator.Settle(h.ctx, res.MatchID, map[string]int64{"b": 200}); err != nil {
		t.Fatalf("settle after completion should be a no-op: %v", err)
	}
	if h.balance("a") != 1080 || h.balance("b") != 900 {
		t.Fatalf("unexpected balances a=%d b=%d", h.balance("a"), h.balance("b"))
	}
	h.assertConserved()
}

func TestInconsistentSettlementIsFlaggedAndRefundable(t *testing.T) {
	h := newHarness(t, []string{"a", "b"})
	res := h.create("a", domain.ModeDuel, 100, 0)
	h.join(res.MatchCode, "b")

	if _, err := h.coordinator.Settle(h.ctx, res.MatchID, map[string]int64{"a": 300}); !errors.Is(err, domain.ErrSettlementInconsistency) {
		t.Fatalf("expected ErrSettlementInconsistency, got %v", err)
	}
	m := h.match(res.MatchID)
	if !m.Flagged || m.Status != domain.StatusInProgress {
		t.Fatalf("expected flagged in-progress match, got flagged=%v %s", m.Flagged, m.Status)
	}
	if h.balance("a") != 900 {
		t.Fatalf("nothing may be credited from an inconsistent plan")
	}
	if _, err := h.coordinator.Finalize(h.ctx, res.MatchID); !errors.Is(err, domain.ErrSettlementInconsistency) {
		t.Fatalf("flagged match must not settle, got %v", err)
	}

	if _, err := h.coordinator.ForceCancel(h.ctx, res.MatchID, "ops", "bad payout"); err != nil {
		t.Fatalf("force cancel: %v", err)
	}
	if h.balance("a") != startBalance || h.balance("b") != startBalance {
		t.Fatalf("expected refunds, got a=%d b=%d", h.balance("a"), h.balance("b"))
	}
	h.assertConserved()
}

func TestForceCancelRefusedOncePayoutPlanned(t *testing.T) {
	h := newHarness(t, []string{"a", "b"})
	res := h.create("a", domain.ModeDuel, 100, 0)
	h.join(res.MatchCode, "b")
	h.answerAll(res.MatchID, "a", 4)
	h.wallet.FailCredits(1)
	h.answerAll(res.MatchID, "b", 1)

	if _, err := h.coordinator.ForceCancel(h.ctx, res.MatchID, "ops", "stuck"); !errors.Is(err, domain.ErrTerminalConflict) {
		t.Fatalf("expected planned payout to block force cancel, got %v", err)
	}
	if _, err := h.coordinator.Finalize(h.ctx, res.MatchID); err != nil {
		t.Fatalf("finalize retry: %v", err)
	}
	h.assertConserved()
}

func TestConcurrentFinalAnswersSettleOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, []string{"a", "b"})
		res := h.create("a", domain.ModeDuel, 100, 0)
		h.join(res.MatchCode, "b")

		questions, err := h.coordinator.Questions(h.ctx, res.MatchID, "a")
		if err != nil {
			t.Fatalf("questions: %v", err)
		}
		last := questions[len(questions)-1]
		for j, q := range questions[:len(questions)-1] {
			for _, user := range []string{"a", "b"} {
				option := "b"
				if user == "b" && j > 0 {
					option = "a"
				}
				sub := domain.AnswerSubmission{QuestionID: q.ID, OptionID: option, TimeTaken: time.Second}
				if _, err := h.coordinator.Submit(h.ctx, res.MatchID, user, sub); err != nil {
					t.Fatalf("submit %s/%s: %v", user, q.ID, err)
				}
			}
		}

		var wg sync.WaitGroup
		results := make([]domain.AnswerResult, 2)
		errs := make([]error, 2)
		for idx, user := range []string{"a", "b"} {
			option := map[string]string{"a": "b", "b": "a"}[user]
			wg.Add(1)
			go func(idx int, user, option string) {
				defer wg.Done()
				results[idx], errs[idx] = h.coordinator.Submit(h.ctx, res.MatchID, user, domain.AnswerSubmission{
					QuestionID: last.ID,
					OptionID:   option,
					TimeTaken:  time.Second,
				})
			}(idx, user, option)
		}
		wg.Wait()

		completions := 0
		for idx, err := range errs {
			if err != nil {
				t.Fatalf("final submit %d: %v", idx, err)
			}
			if results[idx].MatchComplete {
				completions++
			}
		}
		if completions != 1 {
			t.Fatalf("expected exactly one submission to complete the match, got %d", completions)
		}

		m := h.match(res.MatchID)
		if m.Status != domain.StatusCompleted {
			t.Fatalf("expected COMPLETED, got %s", m.Status)
		}
		if n := h.countEntries("a", ":payout") + h.countEntries("b", ":payout"); n != 1 {
			t.Fatalf("expected one payout ledger entry, got %d", n)
		}
		if h.balance("a") != 1080 || h.balance("b") != 900 {
			t.Fatalf("unexpected balances a=%d b=%d", h.balance("a"), h.balance("b"))
		}
		h.assertConserved()
	}
}

func TestAnswersInAnyOrderComplete(t *testing.T) {
	h := newHarness(t, []string{"a", "b"})
	res := h.create("a", domain.ModeDuel, 100, 0)
	h.join(res.MatchCode, "b")

	questions, err := h.coordinator.Questions(h.ctx, res.MatchID, "a")
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	for i := len(questions) - 1; i > 0; i-- {
		sub := domain.AnswerSubmission{QuestionID: questions[i].ID, OptionID: "b", TimeTaken: time.Second}
		if _, err := h.coordinator.Submit(h.ctx, res.MatchID, "a", sub); err != nil {
			t.Fatalf("submit %s: %v", questions[i].ID, err)
		}
	}

	done, err := h.engine.IsComplete(h.ctx, res.MatchID, "a")
	if err != nil || done {
		t.Fatalf("expected a incomplete before the first question, got %v %v", done, err)
	}
	r, err := h.coordinator.Submit(h.ctx, res.MatchID, "a", domain.AnswerSubmission{QuestionID: questions[0].ID, OptionID: "b", TimeTaken: time.Second})
	if err != nil {
		t.Fatalf("submit first question last: %v", err)
	}
	if !r.Complete || r.MatchComplete || r.Score != questionsN {
		t.Fatalf("unexpected result %+v", r)
	}
	if done, err := h.engine.IsComplete(h.ctx, res.MatchID, "a"); err != nil || !done {
		t.Fatalf("expected a complete, got %v %v", done, err)
	}
	if done, _ := h.engine.IsComplete(h.ctx, res.MatchID, "b"); done {
		t.Fatalf("b has not answered")
	}
	if _, err := h.engine.IsComplete(h.ctx, res.MatchID, "nobody"); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestJoinWithUnknownOutcomeKeepsStake(t *testing.T) {
	var store *lostAckStore
	h := newHarness(t, []string{"a", "b"}, withStore(func(s app.MatchStore) app.MatchStore {
		store = &lostAckStore{MatchStore: s}
		return store
	}))
	res := h.create("a", domain.ModeLeague, 100, 5)

	store.DropNextAck()
	if _, err := h.coordinator.Join(h.ctx, res.MatchCode, "b", pin); err == nil {
		t.Fatalf("expected the lost write acknowledgement to surface")
	}
	if h.balance("b") != startBalance-100 || h.countEntries("b", "refund") != 0 {
		t.Fatalf("stake must stay escrowed, balance %d refunds %d", h.balance("b"), h.countEntries("b", "refund"))
	}

	store.Heal()
	m := h.match(res.MatchID)
	p, ok := m.Participant("b")
	if !ok || p.EscrowTx == "" || m.CurrentPlayers != 2 {
		t.Fatalf("expected b seated with its escrow, got %+v", m.Participants)
	}
	h.assertConserved()

	if _, err := h.coordinator.Cancel(h.ctx, res.MatchID, "a"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if h.balance("b") != startBalance || h.countEntries("b", "refund") != 1 {
		t.Fatalf("expected one refund, balance %d refunds %d", h.balance("b"), h.countEntries("b", "refund"))
	}
	h.assertConserved()
}

func TestJoinVersionConflictReversesOnce(t *testing.T) {
	var store *conflictingStore
	h := newHarness(t, []string{"a", "b"}, withStore(func(s app.MatchStore) app.MatchStore {
		store = &conflictingStore{MatchStore: s}
		return store
	}))
	res := h.create("a", domain.ModeLeague, 100, 5)

	store.Conflict(1)
	if _, err := h.coordinator.Join(h.ctx, res.MatchCode, "b", pin); !errors.Is(err, domain.ErrMatchNotJoinable) {
		t.Fatalf("expected ErrMatchNotJoinable, got %v", err)
	}
	if h.balance("b") != startBalance || h.debits("b") != 1 || h.countEntries("b", "refund") != 1 {
		t.Fatalf("expected a single reversed debit, balance %d debits %d refunds %d",
			h.balance("b"), h.debits("b"), h.countEntries("b", "refund"))
	}
	if m := h.match(res.MatchID); m.CurrentPlayers != 1 {
		t.Fatalf("conflicted join was seated: %d players", m.CurrentPlayers)
	}

	h.join(res.MatchCode, "b")
	if h.debits("b") != 2 || h.balance("b") != startBalance-100 {
		t.Fatalf("retry join: debits %d balance %d", h.debits("b"), h.balance("b"))
	}
	h.assertConserved()
}
