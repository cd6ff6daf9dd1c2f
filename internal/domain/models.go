package domain

import "time"

// Content points at the catalog level a match draws its questions from.
type Content struct {
	CourseID string `json:"courseId"`
	ModuleID string `json:"moduleId"`
	LevelID  string `json:"levelId"`
}

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models a timed question with exactly one correct option.
type Question struct {
	ID        string        `json:"id"`
	LevelID   string        `json:"levelId"`
	Prompt    string        `json:"prompt"`
	Options   []Option      `json:"options"`
	TimeLimit time.Duration `json:"timeLimit"`
}

// CorrectOption returns the id of the correct option, or "" when none is flagged.
func (q Question) CorrectOption() string {
	for _, opt := range q.Options {
		if opt.Correct {
			return opt.ID
		}
	}
	return ""
}

// HasOption reports whether optionID belongs to the question.
func (q Question) HasOption(optionID string) bool {
	for _, opt := range q.Options {
		if opt.ID == optionID {
			return true
		}
	}
	return false
}

// PublicOption is an option as shown to players.
type PublicOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// PublicQuestion is a question stripped of its correct-option marker.
type PublicQuestion struct {
	ID               string         `json:"id"`
	Prompt           string         `json:"prompt"`
	Options          []PublicOption `json:"options"`
	TimeLimitSeconds float64        `json:"timeLimitSeconds"`
}

// QuestionSnapshot is the question set frozen onto a match when it starts.
type QuestionSnapshot struct {
	Questions []Question `json:"questions"`
	FrozenAt  time.Time  `json:"frozenAt"`
}

// Question finds a snapshot question by id.
func (s *QuestionSnapshot) Question(questionID string) (Question, bool) {
	if s == nil {
		return Question{}, false
	}
	for _, q := range s.Questions {
		if q.ID == questionID {
			return q, true
		}
	}
	return Question{}, false
}

// Len is the number of questions in the snapshot.
func (s *QuestionSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Questions)
}

// TotalTime is the sum of all per-question time limits.
func (s *QuestionSnapshot) TotalTime() time.Duration {
	var total time.Duration
	if s == nil {
		return total
	}
	for _, q := range s.Questions {
		total += q.TimeLimit
	}
	return total
}

// Public returns the snapshot without correct-option markers.
func (s *QuestionSnapshot) Public() []PublicQuestion {
	if s == nil {
		return nil
	}
	out := make([]PublicQuestion, 0, len(s.Questions))
	for _, q := range s.Questions {
		opts := make([]PublicOption, 0, len(q.Options))
		for _, o := range q.Options {
			opts = append(opts, PublicOption{ID: o.ID, Text: o.Text})
		}
		out = append(out, PublicQuestion{
			ID:               q.ID,
			Prompt:           q.Prompt,
			Options:          opts,
			TimeLimitSeconds: q.TimeLimit.Seconds(),
		})
	}
	return out
}

// Answer is one participant's response to one question.
// OptionID is empty for timeouts and late answers.
type Answer struct {
	QuestionID string        `json:"questionId"`
	OptionID   string        `json:"optionId"`
	TimeTaken  time.Duration `json:"timeTaken"`
	Correct    bool          `json:"correct"`
	Late       bool          `json:"late,omitempty"`
	TimedOut   bool          `json:"timedOut,omitempty"`
	RecordedAt time.Time     `json:"recordedAt"`
}

// AnswerSubmission models the answer signal from clients.
type AnswerSubmission struct {
	QuestionID string
	OptionID   string
	TimeTaken  time.Duration
}

// AnswerResult summarizes the outcome of a submission for a single user.
type AnswerResult struct {
	QuestionID    string `json:"questionId"`
	Accepted      bool   `json:"accepted"`
	Correct       bool   `json:"correct"`
	Late          bool   `json:"late"`
	Score         int    `json:"score"`
	Answered      int    `json:"answered"`
	Total         int    `json:"total"`
	Complete      bool   `json:"complete"`
	MatchComplete bool   `json:"matchComplete"`
}
