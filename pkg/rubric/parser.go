package rubric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/gradeos/gradeos/pkg/llm"
	"github.com/gradeos/gradeos/pkg/models"
)

// Validation tolerances. Question scores must sum to the rubric total within
// scoreSumTolerance; scoring points must sum to their question's max within
// pointSumTolerance.
const (
	scoreSumTolerance = 0.5
	pointSumTolerance = 0.1
)

// maxParseRetries bounds the re-parse loop on invalid JSON or semantic
// violations (duplicate ids, sub-part confusion).
const maxParseRetries = 2

// FallbackConfidence marks rubrics synthesized after parsing failed.
const FallbackConfidence = 0.3

const parserSystemPrompt = `You are an exam rubric extraction engine. You receive images of a scoring rubric and must return its structure as JSON.

Strict recognition rules:
1. Only MAIN question numbers count as questions (e.g. "7"). Sub-parts such as "7(1)", "7.1", "7a" are scoring points of their main question, never separate questions.
2. Each scoring point carries its own partial score; the scoring points of a question must sum to the question's maximum score.
3. Respond with JSON only, no commentary, in exactly this shape:
{"total_questions": int, "total_score": number, "questions": [{"question_id": "string", "max_score": number, "description": "string", "standard_answer": "string", "scoring_points": [{"point_id": "string", "description": "string", "score": number, "is_required": bool}]}]}`

// subPartPattern matches question ids that look like sub-parts of a main
// question: "7.1", "7(2)", "7-3".
var subPartPattern = regexp.MustCompile(`^(\d+)[.(\-（]\s*\d+`)

// Input carries everything the parser needs for one run.
type Input struct {
	Pages              []models.RawPage
	ExpectedStudents   int
	ExpectedTotalScore float64
	AnswerPageCount    int
}

// Parser extracts a ParsedRubric from rubric page images with one vision
// call, validating the result and re-parsing on semantic violations. It
// never fails a run: exhausted retries fall through to a fallback rubric.
type Parser struct {
	client llm.Client
	policy llm.RetryPolicy
	logger *slog.Logger
}

// NewParser creates a parser sharing the engine's LLM client.
func NewParser(client llm.Client, policy llm.RetryPolicy, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{client: client, policy: policy, logger: logger}
}

// Parse produces a rubric for the run. The returned errors are the non-fatal
// record of what went wrong on the way; callers append them to the run state.
// A CANCELLED error is the only fatal outcome and is returned as err.
func (p *Parser) Parse(ctx context.Context, in Input) (*models.ParsedRubric, []models.GradingError, error) {
	if len(in.Pages) == 0 {
		p.logger.Info("No rubric pages provided, using fallback rubric")
		return p.fallback(in), nil, nil
	}

	images := make([]llm.ImageInput, len(in.Pages))
	for i, pg := range in.Pages {
		images[i] = llm.ImageInput{MIME: pg.MIME, Data: pg.Data}
	}

	var recorded []models.GradingError
	prompt := "Extract the rubric from the attached pages."

	for attempt := 0; attempt <= maxParseRetries; attempt++ {
		resp, err := llm.CallWithRetry(ctx, p.client, &llm.Request{
			System: parserSystemPrompt,
			Prompt: prompt,
			Images: images,
		}, p.policy)
		if err != nil {
			if llm.KindOf(err) == models.ErrKindCancelled {
				return nil, recorded, err
			}
			recorded = append(recorded, models.NewGradingError(
				llm.KindOf(err), models.StageRubricParse, err.Error()))
			break
		}

		parsed, parseErr := decodeRubric(resp.Text)
		if parseErr == nil {
			if violation := validate(parsed); violation != "" {
				recorded = append(recorded, models.NewGradingError(
					models.ErrKindSchemaViolation, models.StageRubricParse, violation))
				prompt = fmt.Sprintf(
					"Extract the rubric from the attached pages. Your previous answer was rejected: %s. Correct it and answer again with JSON only.",
					violation)
				continue
			}
			parsed.Status = models.RubricStatusSuccess
			if parsed.Confidence == 0 {
				parsed.Confidence = 0.9
			}
			return parsed, recorded, nil
		}

		recorded = append(recorded, models.NewGradingError(
			models.ErrKindParseFailure, models.StageRubricParse, parseErr.Error()))
		prompt = "Extract the rubric from the attached pages. Your previous answer was not valid JSON. Answer again with JSON only."
	}

	p.logger.Warn("Rubric parsing exhausted retries, synthesizing fallback",
		"attempts", maxParseRetries+1, "errors", len(recorded))
	return p.fallback(in), recorded, nil
}

// fallback synthesizes one question per expected answer page of a single
// student, scored from the expected-total heuristic.
func (p *Parser) fallback(in Input) *models.ParsedRubric {
	students := in.ExpectedStudents
	if students <= 0 {
		students = 1
	}
	pages := in.AnswerPageCount / students
	if in.AnswerPageCount%students != 0 {
		pages++
	}
	if pages <= 0 {
		pages = 1
	}

	perQuestion := fallbackQuestionScore
	if in.ExpectedTotalScore > 0 {
		perQuestion = in.ExpectedTotalScore / float64(pages)
	}

	questions := make([]models.QuestionRubric, pages)
	for i := range questions {
		questions[i] = models.QuestionRubric{
			QuestionID:  fmt.Sprintf("P%d", i+1),
			MaxScore:    perQuestion,
			Description: fmt.Sprintf("fallback rubric for page %d", i+1),
		}
	}
	return &models.ParsedRubric{
		TotalQuestions: pages,
		TotalScore:     perQuestion * float64(pages),
		Questions:      questions,
		Confidence:     FallbackConfidence,
		Status:         models.RubricStatusFallback,
	}
}

// decodeRubric extracts and unmarshals the JSON body of a model response.
func decodeRubric(text string) (*models.ParsedRubric, error) {
	body, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var parsed models.ParsedRubric
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, fmt.Errorf("rubric JSON did not unmarshal: %w", err)
	}
	if len(parsed.Questions) == 0 {
		return nil, fmt.Errorf("rubric JSON contains no questions")
	}
	if parsed.TotalQuestions == 0 {
		parsed.TotalQuestions = len(parsed.Questions)
	}
	if parsed.TotalScore == 0 {
		parsed.TotalScore = parsed.QuestionSum()
	}
	return &parsed, nil
}

// validate returns a human-readable violation, or "" when the rubric is
// semantically sound.
func validate(r *models.ParsedRubric) string {
	seen := make(map[string]bool, len(r.Questions))
	ids := make(map[string]bool, len(r.Questions))
	for _, q := range r.Questions {
		ids[q.QuestionID] = true
	}
	for _, q := range r.Questions {
		if seen[q.QuestionID] {
			return fmt.Sprintf("duplicate question_id %q", q.QuestionID)
		}
		seen[q.QuestionID] = true

		// "7.1" listed as a question while "7" is absent means the model
		// promoted a sub-part to a main question.
		if m := subPartPattern.FindStringSubmatch(q.QuestionID); m != nil && !ids[m[1]] {
			return fmt.Sprintf("question_id %q looks like a sub-part of missing question %q", q.QuestionID, m[1])
		}

		if len(q.ScoringPoints) > 0 {
			if diff := math.Abs(q.PointSum() - q.MaxScore); diff > pointSumTolerance {
				return fmt.Sprintf("scoring points of question %q sum to %.2f, expected %.2f",
					q.QuestionID, q.PointSum(), q.MaxScore)
			}
		}
	}
	if diff := math.Abs(r.QuestionSum() - r.TotalScore); diff > scoreSumTolerance {
		return fmt.Sprintf("question scores sum to %.2f, expected total %.2f", r.QuestionSum(), r.TotalScore)
	}
	return ""
}

// ExtractJSON pulls the first JSON object out of a model response, tolerating
// markdown code fences and surrounding prose.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("response contains no JSON object")
	}
	return s[start : end+1], nil
}
