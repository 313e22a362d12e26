package progression

import (
	"fmt"
	"math"
)

// ValidateExam rejects definitions that cannot be graded: no questions, a
// question without at least two options, or a correct index outside the
// option range.
func ValidateExam(ex *Exam) error {
	if len(ex.Questions) == 0 {
		return fmt.Errorf("%w: exam %q has no questions", ErrInvalidExamDefinition, ex.ID)
	}
	for i, q := range ex.Questions {
		if len(q.Options) < 2 {
			return fmt.Errorf("%w: question %d has %d options", ErrInvalidExamDefinition, i, len(q.Options))
		}
		if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
			return fmt.Errorf("%w: question %d correct index %d out of range", ErrInvalidExamDefinition, i, q.CorrectIndex)
		}
	}
	return nil
}

// Grade scores a submitted answer set against an exam definition. Answers
// align positionally with the questions; a missing or out-of-range answer is
// simply incorrect. The function is pure and deterministic: the same exam
// and answers always produce the same result.
func Grade(ex *Exam, answers []int) (GradeResult, error) {
	if err := ValidateExam(ex); err != nil {
		return GradeResult{}, err
	}

	total := len(ex.Questions)
	res := GradeResult{TotalQuestions: total}
	for i, q := range ex.Questions {
		if i < len(answers) && answers[i] == q.CorrectIndex {
			res.CorrectCount++
			continue
		}
		res.IncorrectIndices = append(res.IncorrectIndices, i)
	}

	res.Score = int(math.Round(100 * float64(res.CorrectCount) / float64(total)))
	res.Passed = res.Score >= ex.PassingScore
	return res, nil
}
