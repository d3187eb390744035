package polls

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
)

// memStore enforces the same uniqueness rules as the poll tables.
type memStore struct {
	mu        sync.Mutex
	polls     map[uuid.UUID]models.Poll
	runs      map[uuid.UUID]*models.PollRun
	responses map[uuid.UUID][]models.PollResponse
}

func newMemStore() *memStore {
	return &memStore{
		polls:     map[uuid.UUID]models.Poll{},
		runs:      map[uuid.UUID]*models.PollRun{},
		responses: map[uuid.UUID][]models.PollResponse{},
	}
}

func (s *memStore) CreatePoll(_ context.Context, p *models.Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	s.polls[p.ID] = *p
	return nil
}

func (s *memStore) GetPoll(_ context.Context, id uuid.UUID) (*models.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return nil, apperr.NotFound("poll not found")
	}
	return &p, nil
}

func (s *memStore) ListPolls(_ context.Context, sessionID uuid.UUID) ([]models.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Poll
	for _, p := range s.polls {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) InsertRun(_ context.Context, run *models.PollRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, r := range s.runs {
		if r.SessionID == run.SessionID && r.Status == models.RunOpen {
			return apperr.Conflict("another poll is already running in this session")
		}
		if r.PollID == run.PollID && r.RunNumber > max {
			max = r.RunNumber
		}
	}
	run.ID = uuid.New()
	run.RunNumber = max + 1
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *memStore) GetRun(_ context.Context, id uuid.UUID) (*models.PollRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, apperr.NotFound("poll run not found")
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) OpenRun(_ context.Context, sessionID uuid.UUID) (*models.PollRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.SessionID == sessionID && r.Status == models.RunOpen {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) LatestRun(_ context.Context, pollID uuid.UUID) (*models.PollRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.PollRun
	for _, r := range s.runs {
		if r.PollID == pollID && (latest == nil || r.RunNumber > latest.RunNumber) {
			latest = r
		}
	}
	if latest == nil {
		return nil, apperr.NotFound("poll has not been launched")
	}
	cp := *latest
	return &cp, nil
}

func (s *memStore) CloseRun(_ context.Context, id uuid.UUID, at time.Time) (*models.PollRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, apperr.NotFound("poll run not found")
	}
	closed := r.Status == models.RunOpen
	if closed {
		r.Status = models.RunClosed
		r.EndedAt = &at
	}
	cp := *r
	return &cp, closed, nil
}

func (s *memStore) InsertResponse(_ context.Context, resp *models.PollResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.runs[resp.RunID]; r == nil || r.Status != models.RunOpen {
		return apperr.Validation("poll run is closed")
	}
	for _, existing := range s.responses[resp.RunID] {
		if existing.ResponderIdentity == resp.ResponderIdentity {
			return apperr.Conflict("already responded to this poll")
		}
	}
	resp.ID = uuid.New()
	s.responses[resp.RunID] = append(s.responses[resp.RunID], *resp)
	return nil
}

func (s *memStore) Responses(_ context.Context, runID uuid.UUID) ([]models.PollResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PollResponse(nil), s.responses[runID]...), nil
}

// fakeSessions admits every identity except those listed as waiting.
type fakeSessions struct {
	ongoing map[uuid.UUID]bool
	waiting map[string]bool
}

func (f *fakeSessions) Get(_ context.Context, id uuid.UUID) (*models.LiveSession, error) {
	ongoing, ok := f.ongoing[id]
	if !ok {
		return nil, apperr.NotFound("live session not found")
	}
	return &models.LiveSession{SessionID: id, Ongoing: ongoing}, nil
}

func (f *fakeSessions) IsAdmitted(_ context.Context, id uuid.UUID, _ models.Family, email string) (bool, error) {
	if _, ok := f.ongoing[id]; !ok {
		return false, apperr.NotFound("live session not found")
	}
	return !f.waiting[email], nil
}

type recordingBus struct {
	mu      sync.Mutex
	started int
	stopped int
	results []models.Aggregate
	acks    []string
}

func (b *recordingBus) PollStarted(uuid.UUID, *models.Poll, *models.PollRun) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started++
}

func (b *recordingBus) PollStopped(uuid.UUID, *models.PollRun) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped++
}

func (b *recordingBus) PollResults(_ uuid.UUID, agg *models.Aggregate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, *agg)
}

func (b *recordingBus) SubmissionAck(_ uuid.UUID, responder string, _ *models.PollRun) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, responder)
}

type fixture struct {
	engine   *Engine
	bus      *recordingBus
	sessions *fakeSessions
	session  uuid.UUID
	other    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	session, other, idle := uuid.New(), uuid.New(), uuid.New()
	bus := &recordingBus{}
	sessions := &fakeSessions{ongoing: map[uuid.UUID]bool{session: true, other: true, idle: false}, waiting: map[string]bool{}}
	return &fixture{
		engine:   NewEngine(newMemStore(), sessions, bus, nil),
		bus:      bus,
		sessions: sessions,
		session:  session,
		other:    other,
	}
}

func (f *fixture) poll(t *testing.T, questions ...models.PollQuestion) *models.Poll {
	t.Helper()
	if len(questions) == 0 {
		questions = []models.PollQuestion{{ID: "q1", Type: models.QuestionSingleChoice, Prompt: "Pick", Options: []string{"yes", "no"}}}
	}
	p := &models.Poll{SessionID: f.session, Title: "Poll", Questions: questions}
	require.NoError(t, f.engine.CreatePoll(context.Background(), p))
	return p
}

func (f *fixture) launch(t *testing.T, p *models.Poll, settings models.RunSettings) *models.PollRun {
	t.Helper()
	active, err := f.engine.Launch(context.Background(), p.ID, settings, nil)
	require.NoError(t, err)
	return active.Run
}

func answer(q string, v string) []models.Answer {
	return []models.Answer{{QuestionID: q, Value: json.RawMessage(v)}}
}

func TestLaunchIsExclusivePerSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pollA, pollB := f.poll(t), f.poll(t)

	runA := f.launch(t, pollA, models.RunSettings{})
	assert.Equal(t, 1, runA.RunNumber)
	_, err := f.engine.Launch(ctx, pollB.ID, models.RunSettings{}, nil)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	_, err = f.engine.Launch(ctx, pollA.ID, models.RunSettings{}, nil)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	_, err = f.engine.Stop(ctx, runA.ID)
	require.NoError(t, err)
	runB := f.launch(t, pollB, models.RunSettings{})
	assert.Equal(t, 1, runB.RunNumber)
	_, err = f.engine.Stop(ctx, runB.ID)
	require.NoError(t, err)
	runA2 := f.launch(t, pollA, models.RunSettings{})
	assert.Equal(t, 2, runA2.RunNumber, "run numbers are monotonic per poll")

	active, err := f.engine.ActiveRun(ctx, f.session)
	require.NoError(t, err)
	assert.Equal(t, runA2.ID, active.Run.ID)
	assert.Equal(t, 3, f.bus.started)
}

func TestConcurrentLaunchesOpenOneRun(t *testing.T) {
	f := newFixture(t)
	polls := []*models.Poll{f.poll(t), f.poll(t), f.poll(t), f.poll(t)}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for _, p := range polls {
		wg.Add(1)
		go func(p *models.Poll) {
			defer wg.Done()
			_, err := f.engine.Launch(context.Background(), p.ID, models.RunSettings{}, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if apperr.Is(err, apperr.KindConflict) {
				conflicts++
			}
		}(p)
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 3, conflicts)
}

func TestLaunchRequiresOngoingSession(t *testing.T) {
	f := newFixture(t)
	p := &models.Poll{SessionID: uuid.New(), Title: "Poll", Questions: []models.PollQuestion{
		{ID: "q1", Type: models.QuestionShortAnswer},
	}}
	require.NoError(t, f.engine.CreatePoll(context.Background(), p))
	_, err := f.engine.Launch(context.Background(), p.ID, models.RunSettings{}, nil)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.engine.Launch(context.Background(), uuid.New(), models.RunSettings{}, nil)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = f.engine.Launch(context.Background(), f.poll(t).ID, models.RunSettings{ShareResults: "sometimes"}, nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRespondAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.launch(t, f.poll(t), models.RunSettings{})
	alice := Responder{Email: "Alice@x.com", Name: "Alice"}

	_, err := f.engine.Respond(ctx, f.session, run.ID, alice, answer("q1", "0"))
	require.NoError(t, err)
	_, err = f.engine.Respond(ctx, f.session, run.ID, Responder{Email: "alice@x.com"}, answer("q1", "1"))
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, []string{"alice@x.com"}, f.bus.acks)

	_, err = f.engine.Stop(ctx, run.ID)
	require.NoError(t, err)
	_, err = f.engine.Respond(ctx, f.session, run.ID, Responder{Email: "bob@x.com"}, answer("q1", "1"))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRespondIsScopedToSessionRoster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.launch(t, f.poll(t), models.RunSettings{})

	_, err := f.engine.Respond(ctx, f.other, run.ID, Responder{Email: "a@x.com"}, answer("q1", "0"))
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "run of another session")

	f.sessions.waiting["w@x.com"] = true
	_, err = f.engine.Respond(ctx, f.session, run.ID, Responder{Email: "W@x.com"}, answer("q1", "0"))
	assert.True(t, apperr.Is(err, apperr.KindForbidden), "waiting identity")

	_, err = f.engine.Respond(ctx, f.session, run.ID, Responder{Email: "a@x.com"}, answer("q1", "0"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com"}, f.bus.acks)
}

func TestRespondValidatesAgainstDefinition(t *testing.T) {
	f := newFixture(t)
	run := f.launch(t, f.poll(t,
		models.PollQuestion{ID: "q1", Type: models.QuestionSingleChoice, Options: []string{"a", "b"}, Required: true},
		models.PollQuestion{ID: "q2", Type: models.QuestionRating, Scale: 5},
	), models.RunSettings{})
	who := Responder{Email: "p@x.com"}

	tests := []struct {
		name    string
		answers []models.Answer
	}{
		{"no answers", nil},
		{"unknown question", answer("q9", "0")},
		{"option out of range", answer("q1", "2")},
		{"wrong value type", answer("q1", `"a"`)},
		{"rating above scale", []models.Answer{{QuestionID: "q1", Value: json.RawMessage("0")}, {QuestionID: "q2", Value: json.RawMessage("6")}}},
		{"required missing", answer("q2", "3")},
		{"answered twice", []models.Answer{{QuestionID: "q1", Value: json.RawMessage("0")}, {QuestionID: "q1", Value: json.RawMessage("1")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Respond(context.Background(), f.session, run.ID, who, tt.answers)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
	_, err := f.engine.Respond(context.Background(), f.session, uuid.New(), who, answer("q1", "0"))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestAggregateSingleChoiceScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := f.launch(t, f.poll(t), models.RunSettings{})
	_, err := f.engine.Respond(ctx, f.session, run.ID, Responder{Email: "a@x.com"}, answer("q1", "0"))
	require.NoError(t, err)
	_, err = f.engine.Respond(ctx, f.session, run.ID, Responder{Email: "b@x.com"}, answer("q1", "1"))
	require.NoError(t, err)

	agg, err := f.engine.Aggregate(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Respondents)
	q1 := agg.Questions["q1"]
	assert.Equal(t, 2, q1.Total)
	assert.Equal(t, []models.ValueCount{
		{Value: json.RawMessage("0"), Count: 1},
		{Value: json.RawMessage("1"), Count: 1},
	}, q1.Counts)
	assert.Nil(t, q1.Correct)
}

func TestAggregateEqualityByQuestionType(t *testing.T) {
	poll := &models.Poll{ID: uuid.New(), Questions: []models.PollQuestion{
		{ID: "multi", Type: models.QuestionMultipleChoice, Options: []string{"a", "b", "c"}, Correct: json.RawMessage("[0,2]")},
		{ID: "rank", Type: models.QuestionRankOrder, Options: []string{"a", "b"}},
		{ID: "match", Type: models.QuestionMatching},
		{ID: "blank", Type: models.QuestionFillInBlank, Blanks: 2},
		{ID: "rating", Type: models.QuestionRating, Scale: 10},
	}}
	require.NoError(t, validatePoll(&models.Poll{Title: "t", Questions: poll.Questions}))
	run := &models.PollRun{ID: uuid.New()}
	responses := []models.PollResponse{
		{Answers: []models.Answer{
			{QuestionID: "multi", Value: json.RawMessage("[2,0]")},
			{QuestionID: "rank", Value: json.RawMessage("[0,1]")},
			{QuestionID: "match", Value: json.RawMessage(`{"x":"1","y":"2"}`)},
			{QuestionID: "blank", Value: json.RawMessage(`[" red","blue"]`)},
			{QuestionID: "rating", Value: json.RawMessage("10")},
		}},
		{Answers: []models.Answer{
			{QuestionID: "multi", Value: json.RawMessage("[0, 2, 2]")},
			{QuestionID: "rank", Value: json.RawMessage("[1,0]")},
			{QuestionID: "match", Value: json.RawMessage(`{"y":"2","x":"1"}`)},
			{QuestionID: "blank", Value: json.RawMessage(`["red","blue "]`)},
			{QuestionID: "rating", Value: json.RawMessage("9")},
		}},
		{Answers: []models.Answer{
			{QuestionID: "multi", Value: json.RawMessage("[1]")},
			{QuestionID: "rating", Value: json.RawMessage("9")},
		}},
	}

	agg := Aggregate(poll, run, responses)
	assert.Equal(t, 3, agg.Respondents)

	multi := agg.Questions["multi"]
	assert.Equal(t, 3, multi.Total)
	require.Len(t, multi.Counts, 2)
	assert.JSONEq(t, "[0,2]", string(multi.Counts[0].Value), "set equality")
	assert.Equal(t, 2, multi.Counts[0].Count)
	require.NotNil(t, multi.Correct)
	assert.Equal(t, 2, *multi.Correct)

	assert.Len(t, agg.Questions["rank"].Counts, 2, "order matters for rank order")
	assert.Len(t, agg.Questions["match"].Counts, 1, "pairings compare structurally")
	require.Len(t, agg.Questions["blank"].Counts, 1, "blanks are trimmed")
	assert.Equal(t, 2, agg.Questions["blank"].Counts[0].Count)

	rating := agg.Questions["rating"].Counts
	require.Len(t, rating, 2)
	assert.Equal(t, "9", string(rating[0].Value), "highest count first")
	assert.Equal(t, "10", string(rating[1].Value))
}

func TestShareResultsModes(t *testing.T) {
	ctx := context.Background()

	t.Run("never requires explicit share after stop", func(t *testing.T) {
		f := newFixture(t)
		run := f.launch(t, f.poll(t), models.RunSettings{ShareResults: models.ShareNever})
		_, err := f.engine.Respond(ctx, f.session, run.ID, Responder{Email: "a@x.com"}, answer("q1", "0"))
		require.NoError(t, err)

		_, err = f.engine.Share(ctx, run.ID)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "share needs a closed run")
		_, err = f.engine.Stop(ctx, run.ID)
		require.NoError(t, err)
		assert.Empty(t, f.bus.results)

		agg, err := f.engine.Share(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, agg.Respondents)
		assert.Len(t, f.bus.results, 1)
	})

	t.Run("onStop broadcasts once when stopped", func(t *testing.T) {
		f := newFixture(t)
		run := f.launch(t, f.poll(t), models.RunSettings{ShareResults: models.ShareOnStop})
		_, err := f.engine.Respond(ctx, f.session, run.ID, Responder{Email: "a@x.com"}, answer("q1", "1"))
		require.NoError(t, err)
		assert.Empty(t, f.bus.results)
		_, err = f.engine.Stop(ctx, run.ID)
		require.NoError(t, err)
		_, err = f.engine.Stop(ctx, run.ID)
		require.NoError(t, err)
		assert.Len(t, f.bus.results, 1)
		assert.Equal(t, 1, f.bus.stopped)
	})

	t.Run("immediate broadcasts after every response", func(t *testing.T) {
		f := newFixture(t)
		run := f.launch(t, f.poll(t), models.RunSettings{ShareResults: models.ShareImmediate})
		for _, email := range []string{"a@x.com", "b@x.com"} {
			_, err := f.engine.Respond(ctx, f.session, run.ID, Responder{Email: email}, answer("q1", "0"))
			require.NoError(t, err)
		}
		require.Len(t, f.bus.results, 2)
		assert.Equal(t, 2, f.bus.results[1].Respondents)
	})
}

func TestRespondentsHiddenWhenAnonymous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poll := f.poll(t)

	anon := f.launch(t, poll, models.RunSettings{Anonymous: true})
	_, err := f.engine.Respond(ctx, f.session, anon.ID, Responder{Email: "a@x.com"}, answer("q1", "0"))
	require.NoError(t, err)
	list, err := f.engine.Respondents(ctx, anon.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = f.engine.StopActive(ctx, f.session)
	require.NoError(t, err)

	named := f.launch(t, poll, models.RunSettings{})
	for _, email := range []string{"b@x.com", "a@x.com"} {
		_, err := f.engine.Respond(ctx, f.session, named.ID, Responder{Email: email}, answer("q1", "1"))
		require.NoError(t, err)
	}
	list, err = f.engine.Respondents(ctx, named.ID)
	require.NoError(t, err)
	var ids []string
	for _, r := range list {
		ids = append(ids, r.Identity)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, ids)

	stopped, err := f.engine.StopActive(ctx, f.session)
	require.NoError(t, err)
	assert.Equal(t, models.RunClosed, stopped.Status)
	none, err := f.engine.StopActive(ctx, f.session)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCreatePollValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		poll models.Poll
	}{
		{"missing title", models.Poll{Questions: []models.PollQuestion{{ID: "q", Type: models.QuestionShortAnswer}}}},
		{"no questions", models.Poll{Title: "t"}},
		{"duplicate ids", models.Poll{Title: "t", Questions: []models.PollQuestion{
			{ID: "q", Type: models.QuestionShortAnswer}, {ID: "q", Type: models.QuestionShortAnswer}}}},
		{"one option", models.Poll{Title: "t", Questions: []models.PollQuestion{
			{ID: "q", Type: models.QuestionSingleChoice, Options: []string{"only"}}}}},
		{"unknown type", models.Poll{Title: "t", Questions: []models.PollQuestion{{ID: "q", Type: "essay"}}}},
		{"bad correct key", models.Poll{Title: "t", Questions: []models.PollQuestion{
			{ID: "q", Type: models.QuestionSingleChoice, Options: []string{"a", "b"}, Correct: json.RawMessage("5")}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.poll
			err := f.engine.CreatePoll(context.Background(), &p)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
}
