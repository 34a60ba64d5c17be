package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/cellarwatch/lastbottle-monitor/internal/digest"
	"github.com/cellarwatch/lastbottle-monitor/internal/notify"
	"github.com/cellarwatch/lastbottle-monitor/internal/profile"
	"github.com/cellarwatch/lastbottle-monitor/internal/repository/sqlite"
	"github.com/cellarwatch/lastbottle-monitor/internal/scoring"
)

type fakeSource struct {
	name  string
	price float64
	err   error
}

func (f *fakeSource) Acquire(ctx context.Context) (string, float64, error) {
	return f.name, f.price, f.err
}

// fakeOracle answers by inspecting the prompt, so different users (whose
// free-text profiles land in the prompt) can get different replies.
type fakeOracle struct {
	replyFor func(prompt string) (string, error)
}

func (f *fakeOracle) Score(ctx context.Context, prompt string) (string, error) {
	return f.replyFor(prompt)
}

func constantOracle(reply string) *fakeOracle {
	return &fakeOracle{replyFor: func(string) (string, error) { return reply, nil }}
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMail
	failTo map[string]error
}

type sentMail struct {
	to, subject, body string
}

func (f *fakeSender) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failTo[to]; ok {
		return err
	}
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

func (f *fakeSender) sentTo(to string) []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMail
	for _, m := range f.sent {
		if m.to == to {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	runner     *Runner
	store      *sqlite.Store
	sender     *fakeSender
	collector  *digest.Collector
	profileDir string
	now        time.Time
}

func newFixture(t *testing.T, source OfferSource, oracle Oracle) *fixture {
	t.Helper()

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "wines.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	profileDir := t.TempDir()
	sender := &fakeSender{failTo: map[string]error{}}
	collector := digest.NewCollector()
	logger := zap.New(zapcore.NewTee(zaptest.NewLogger(t).Core(), collector.Core()))

	templates, err := notify.NewTemplates("https://lastbottlewines.com/")
	require.NoError(t, err)
	prompts, err := scoring.NewPromptBuilder()
	require.NoError(t, err)

	f := &fixture{
		store:      store,
		sender:     sender,
		collector:  collector,
		profileDir: profileDir,
		now:        time.Date(2026, 8, 30, 17, 0, 0, 0, time.UTC),
	}
	f.runner = New(Params{
		Store:           store,
		Profiles:        profile.NewDirSource(profileDir),
		Source:          source,
		Oracle:          oracle,
		Sender:          sender,
		Templates:       templates,
		Prompts:         prompts,
		Collector:       collector,
		Logger:          logger,
		DuplicateWindow: 7 * 24 * time.Hour,
		OperatorEmail:   "ops@example.com",
		Now:             func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) writeProfile(t *testing.T, id, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.profileDir, id+".yaml"), []byte(content), 0644))
}

const jasonProfile = `
profile: jason-marker
price_range: [20, 100]
notify_threshold: 90
contact:
  email: jason@example.com
`

func TestRunScoresAndNotifies(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "Table Red", price: 25.0}, constantOracle("95"))
	f.writeProfile(t, "jason", jasonProfile)

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	require.NotNil(t, report.Offer)

	require.Len(t, report.Users, 1)
	assert.Equal(t, StatusScored, report.Users[0].Status)
	assert.Equal(t, 95, report.Users[0].Score)
	assert.True(t, report.Users[0].Notified)

	scores, err := f.store.ScoresForOffer(context.Background(), report.Offer.ID)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, 95, scores[0].Score)

	mails := f.sender.sentTo("jason@example.com")
	require.Len(t, mails, 1)
	assert.Contains(t, mails[0].subject, "Table Red")
	assert.Contains(t, mails[0].body, "Score: 95")
}

func TestRunPriceFilterBeatsAlwaysNotify(t *testing.T) {
	// Opus One at $150 against a [20,100] band: the user is excluded
	// before the always-notify list is ever consulted.
	oracle := &fakeOracle{replyFor: func(string) (string, error) {
		t.Fatal("oracle must not be called for an ineligible user")
		return "", nil
	}}
	f := newFixture(t, &fakeSource{name: "Opus One", price: 150.0}, oracle)
	f.writeProfile(t, "jason", `
price_range: [20, 100]
always_notify_for:
  - Opus One
contact:
  email: jason@example.com
`)

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Users, 1)
	assert.Equal(t, StatusSkippedPrice, report.Users[0].Status)
	assert.False(t, report.Users[0].Notified)

	scores, err := f.store.ScoresForOffer(context.Background(), report.Offer.ID)
	require.NoError(t, err)
	assert.Empty(t, scores, "ineligible users produce no score records")
	assert.Empty(t, f.sender.sentTo("jason@example.com"))
}

func TestRunDuplicateOfferIsNoOp(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "Table Red", price: 25.0}, constantOracle("95"))
	f.writeProfile(t, "jason", jasonProfile)

	first, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, first.Outcome)

	f.now = f.now.Add(2 * time.Hour)
	second, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Nil(t, second.Offer)
	assert.Empty(t, second.Users)

	scores, err := f.store.ScoresForOffer(context.Background(), first.Offer.ID)
	require.NoError(t, err)
	assert.Len(t, scores, 1, "duplicate run writes nothing")
	assert.Len(t, f.sender.sentTo("jason@example.com"), 1)
}

func TestRunSameNameOutsideWindowRecordsAgain(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "Table Red", price: 25.0}, constantOracle("95"))
	f.writeProfile(t, "jason", jasonProfile)

	_, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	f.now = f.now.Add(8 * 24 * time.Hour)
	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome, "same wine past the window is a fresh offer")
}

func TestRunMalformedProfileIsolated(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "Table Red", price: 25.0}, constantOracle("88"))
	f.writeProfile(t, "broken", "notify_threshold: [oops\n")
	f.writeProfile(t, "jason", jasonProfile)

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Users, 2)

	byID := map[string]UserResult{}
	for _, u := range report.Users {
		byID[u.UserID] = u
	}
	assert.Equal(t, StatusProfileMalformed, byID["broken"].Status)
	assert.Equal(t, StatusScored, byID["jason"].Status, "one broken profile must not stop the others")
}

func TestRunOracleFailureIsolated(t *testing.T) {
	oracle := &fakeOracle{replyFor: func(prompt string) (string, error) {
		if strings.Contains(prompt, "alice-marker") {
			return "", errors.New("model timeout")
		}
		return "95", nil
	}}
	f := newFixture(t, &fakeSource{name: "Table Red", price: 25.0}, oracle)
	f.writeProfile(t, "alice", "profile: alice-marker\ncontact:\n  email: alice@example.com\n")
	f.writeProfile(t, "jason", jasonProfile)

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	byID := map[string]UserResult{}
	for _, u := range report.Users {
		byID[u.UserID] = u
	}
	assert.Equal(t, StatusScoreFailed, byID["alice"].Status)
	assert.Equal(t, StatusScored, byID["jason"].Status)
	assert.True(t, byID["jason"].Notified)
}

func TestRunUnparseableOracleOutputIsolated(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "Table Red", price: 25.0}, constantOracle("I will not provide a number."))
	f.writeProfile(t, "jason", jasonProfile)

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Users, 1)
	assert.Equal(t, StatusScoreFailed, report.Users[0].Status)

	scores, err := f.store.ScoresForOffer(context.Background(), report.Offer.ID)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestRunSendFailureKeepsScore(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "Table Red", price: 25.0}, constantOracle("95"))
	f.writeProfile(t, "jason", jasonProfile)
	f.sender.failTo["jason@example.com"] = errors.New("mailbox full")

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Users, 1)
	assert.Equal(t, StatusScored, report.Users[0].Status)
	assert.False(t, report.Users[0].Notified)
	assert.Error(t, report.Users[0].SendErr)

	scores, err := f.store.ScoresForOffer(context.Background(), report.Offer.ID)
	require.NoError(t, err)
	assert.Len(t, scores, 1, "the score survives a failed send")

	// The failure was buffered and flushed as a single digest.
	digests := f.sender.sentTo("ops@example.com")
	require.Len(t, digests, 1)
	assert.Contains(t, digests[0].subject, "Error Digest")
	assert.Contains(t, digests[0].body, "failed to send notification")
}

func TestRunNoOfferFlushesDigest(t *testing.T) {
	f := newFixture(t, &fakeSource{err: errors.New("site unreachable")}, constantOracle("95"))
	f.writeProfile(t, "jason", jasonProfile)

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err, "a missing offer is a benign outcome")
	assert.Equal(t, OutcomeNoOffer, report.Outcome)

	digests := f.sender.sentTo("ops@example.com")
	require.Len(t, digests, 1, "source failure still produces the end-of-run digest")
	assert.Contains(t, digests[0].body, "no offer data found from scraping")
}

func TestRunTemplateProfileExcluded(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "Table Red", price: 25.0}, constantOracle("95"))
	f.writeProfile(t, "template", jasonProfile)
	f.writeProfile(t, "jason", jasonProfile)

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Users, 1)
	assert.Equal(t, "jason", report.Users[0].UserID)
}

func TestRunBelowThresholdPersistsWithoutNotify(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "Table Red", price: 25.0}, constantOracle("42"))
	f.writeProfile(t, "jason", jasonProfile)

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Users, 1)
	assert.Equal(t, StatusScored, report.Users[0].Status)
	assert.False(t, report.Users[0].Notified)

	scores, err := f.store.ScoresForOffer(context.Background(), report.Offer.ID)
	require.NoError(t, err)
	assert.Len(t, scores, 1)
	assert.Empty(t, f.sender.sentTo("jason@example.com"))
}

func TestRunParallelUsers(t *testing.T) {
	oracle := &fakeOracle{replyFor: func(prompt string) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "95", nil
	}}
	f := newFixture(t, &fakeSource{name: "Table Red", price: 25.0}, oracle)
	f.runner.p.MaxConcurrent = 4

	for i := 0; i < 8; i++ {
		f.writeProfile(t, fmt.Sprintf("user%d", i), jasonProfile)
	}

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Users, 8)
	for _, u := range report.Users {
		assert.Equal(t, StatusScored, u.Status)
		assert.True(t, u.Notified)
	}

	scores, err := f.store.ScoresForOffer(context.Background(), report.Offer.ID)
	require.NoError(t, err)
	assert.Len(t, scores, 8)
}
