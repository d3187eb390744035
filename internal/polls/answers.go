package polls

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
)

const defaultRatingScale = 5

// canonical validates value against the question and returns its canonical encoding.
// Two answers are equal for aggregation iff their canonical encodings are byte-equal:
// scalars compare by value, multiple choice as a set, matching, rank order and blanks structurally.
func canonical(q models.PollQuestion, value json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(value)) == 0 || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return nil, fmt.Errorf("question %s: answer is required", q.ID)
	}
	switch q.Type {
	case models.QuestionSingleChoice:
		idx, err := decodeIndex(value, len(q.Options))
		if err != nil {
			return nil, fmt.Errorf("question %s: %w", q.ID, err)
		}
		return json.Marshal(idx)

	case models.QuestionRating:
		var n int
		if err := json.Unmarshal(value, &n); err != nil {
			return nil, fmt.Errorf("question %s: rating must be an integer", q.ID)
		}
		scale := q.Scale
		if scale <= 0 {
			scale = defaultRatingScale
		}
		if n < 1 || n > scale {
			return nil, fmt.Errorf("question %s: rating must be between 1 and %d", q.ID, scale)
		}
		return json.Marshal(n)

	case models.QuestionShortAnswer:
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return nil, fmt.Errorf("question %s: answer must be text", q.ID)
		}
		if s = strings.TrimSpace(s); s == "" {
			return nil, fmt.Errorf("question %s: answer is empty", q.ID)
		}
		return json.Marshal(s)

	case models.QuestionMultipleChoice:
		var raw []json.RawMessage
		if err := json.Unmarshal(value, &raw); err != nil || len(raw) == 0 {
			return nil, fmt.Errorf("question %s: choose at least one option", q.ID)
		}
		set := make([]int, 0, len(raw))
		seen := make(map[int]bool, len(raw))
		for _, r := range raw {
			idx, err := decodeIndex(r, len(q.Options))
			if err != nil {
				return nil, fmt.Errorf("question %s: %w", q.ID, err)
			}
			if !seen[idx] {
				seen[idx] = true
				set = append(set, idx)
			}
		}
		sort.Ints(set)
		return json.Marshal(set)

	case models.QuestionRankOrder:
		var order []int
		if err := json.Unmarshal(value, &order); err != nil {
			return nil, fmt.Errorf("question %s: ranking must be a list of option indexes", q.ID)
		}
		if len(order) != len(q.Options) {
			return nil, fmt.Errorf("question %s: rank all %d options", q.ID, len(q.Options))
		}
		seen := make(map[int]bool, len(order))
		for _, idx := range order {
			if idx < 0 || idx >= len(q.Options) || seen[idx] {
				return nil, fmt.Errorf("question %s: ranking is not a permutation of the options", q.ID)
			}
			seen[idx] = true
		}
		return json.Marshal(order)

	case models.QuestionMatching:
		var pairs map[string]string
		if err := json.Unmarshal(value, &pairs); err != nil || len(pairs) == 0 {
			return nil, fmt.Errorf("question %s: matching must be an object of pairs", q.ID)
		}
		for k, v := range pairs {
			if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
				return nil, fmt.Errorf("question %s: matching pairs must be non-empty", q.ID)
			}
		}
		// map keys are marshaled sorted, so equal pairings encode identically
		return json.Marshal(pairs)

	case models.QuestionFillInBlank:
		var blanks []string
		if err := json.Unmarshal(value, &blanks); err != nil {
			return nil, fmt.Errorf("question %s: blanks must be a list of text", q.ID)
		}
		if q.Blanks > 0 && len(blanks) != q.Blanks {
			return nil, fmt.Errorf("question %s: expected %d blanks", q.ID, q.Blanks)
		}
		for i := range blanks {
			blanks[i] = strings.TrimSpace(blanks[i])
		}
		return json.Marshal(blanks)
	}
	return nil, fmt.Errorf("question %s: unsupported type %q", q.ID, q.Type)
}

func decodeIndex(value json.RawMessage, n int) (int, error) {
	var idx int
	if err := json.Unmarshal(value, &idx); err != nil {
		return 0, fmt.Errorf("option must be an index")
	}
	if idx < 0 || idx >= n {
		return 0, fmt.Errorf("option %d out of range", idx)
	}
	return idx, nil
}

// validatePoll checks a poll definition and canonicalizes correct-answer keys.
func validatePoll(p *models.Poll) error {
	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" {
		return apperr.Validation("title is required")
	}
	if len(p.Questions) == 0 {
		return apperr.Validation("at least one question is required")
	}
	ids := make(map[string]bool, len(p.Questions))
	for i := range p.Questions {
		q := &p.Questions[i]
		q.ID = strings.TrimSpace(q.ID)
		if q.ID == "" {
			return apperr.Validation("question %d: id is required", i+1)
		}
		if ids[q.ID] {
			return apperr.Validation("question %s: duplicate id", q.ID)
		}
		ids[q.ID] = true
		switch q.Type {
		case models.QuestionSingleChoice, models.QuestionMultipleChoice, models.QuestionRankOrder:
			if len(q.Options) < 2 {
				return apperr.Validation("question %s: at least two options are required", q.ID)
			}
		case models.QuestionRating:
			if q.Scale < 0 || q.Scale > 10 {
				return apperr.Validation("question %s: scale must be between 1 and 10", q.ID)
			}
		case models.QuestionFillInBlank:
			if q.Blanks < 1 {
				return apperr.Validation("question %s: at least one blank is required", q.ID)
			}
		case models.QuestionShortAnswer, models.QuestionMatching:
		default:
			return apperr.Validation("question %s: unsupported type %q", q.ID, q.Type)
		}
		if len(q.Correct) > 0 {
			c, err := canonical(*q, q.Correct)
			if err != nil {
				return apperr.Validation("correct answer: %s", err.Error())
			}
			q.Correct = c
		}
	}
	return nil
}

// validateAnswers checks a response against the poll and returns canonical answers in question order.
func validateAnswers(p *models.Poll, answers []models.Answer) ([]models.Answer, error) {
	if len(answers) == 0 {
		return nil, apperr.Validation("answers are required")
	}
	given := make(map[string]json.RawMessage, len(answers))
	for _, a := range answers {
		if _, ok := p.Question(a.QuestionID); !ok {
			return nil, apperr.Validation("unknown question %q", a.QuestionID)
		}
		if _, dup := given[a.QuestionID]; dup {
			return nil, apperr.Validation("question %s answered twice", a.QuestionID)
		}
		given[a.QuestionID] = a.Value
	}
	out := make([]models.Answer, 0, len(answers))
	for _, q := range p.Questions {
		v, ok := given[q.ID]
		if !ok {
			if q.Required {
				return nil, apperr.Validation("question %s is required", q.ID)
			}
			continue
		}
		c, err := canonical(q, v)
		if err != nil {
			return nil, apperr.Validation("%s", err.Error())
		}
		out = append(out, models.Answer{QuestionID: q.ID, Value: c})
	}
	return out, nil
}
