package polls

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/aura-webinar/livesession/internal/models"
)

// Aggregate counts distinct answer values per question. It is a pure function of the response set
// and never includes respondent identities. Counts are ordered by count, then by value.
func Aggregate(p *models.Poll, run *models.PollRun, responses []models.PollResponse) models.Aggregate {
	agg := models.Aggregate{
		PollID:      p.ID,
		RunID:       run.ID,
		Respondents: len(responses),
		Questions:   make(map[string]models.QuestionAggregate, len(p.Questions)),
	}
	for _, q := range p.Questions {
		counts := make(map[string]int)
		total, correct := 0, 0
		for _, resp := range responses {
			for _, a := range resp.Answers {
				if a.QuestionID != q.ID {
					continue
				}
				c, err := canonical(q, a.Value)
				if err != nil {
					continue
				}
				total++
				counts[string(c)]++
				if len(q.Correct) > 0 && bytes.Equal(c, q.Correct) {
					correct++
				}
			}
		}
		qa := models.QuestionAggregate{Total: total, Counts: make([]models.ValueCount, 0, len(counts))}
		for v, n := range counts {
			qa.Counts = append(qa.Counts, models.ValueCount{Value: json.RawMessage(v), Count: n})
		}
		sort.Slice(qa.Counts, func(i, j int) bool {
			if qa.Counts[i].Count != qa.Counts[j].Count {
				return qa.Counts[i].Count > qa.Counts[j].Count
			}
			return valueLess(qa.Counts[i].Value, qa.Counts[j].Value)
		})
		if len(q.Correct) > 0 {
			qa.Correct = &correct
		}
		agg.Questions[q.ID] = qa
	}
	return agg
}

// valueLess orders numbers numerically and everything else by encoding.
func valueLess(a, b json.RawMessage) bool {
	var x, y float64
	if json.Unmarshal(a, &x) == nil && json.Unmarshal(b, &y) == nil {
		return x < y
	}
	return bytes.Compare(a, b) < 0
}
